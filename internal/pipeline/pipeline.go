// Package pipeline sequences one generation request: validate the image,
// persist it, call the inference gateway, store the produced mesh, and
// keep the upload row's status truthful throughout.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"photomesh/internal/apperr"
	"photomesh/internal/blob"
	"photomesh/internal/inference"
	"photomesh/internal/models"
	"photomesh/internal/preprocess"
	"photomesh/internal/retry"
)

// RecordStore is the slice of the record store the pipeline needs.
type RecordStore interface {
	CreateUpload(ctx context.Context, u *models.Upload) error
	GetUpload(ctx context.Context, id uuid.UUID) (*models.Upload, error)
	UpdateUploadStatus(ctx context.Context, id uuid.UUID, status models.UploadStatus) error
	CreateModel(ctx context.Context, m *models.Model) error
}

// BlobStore is the slice of the blob store the pipeline needs.
type BlobStore interface {
	Put(ctx context.Context, bucket, path string, r io.Reader, size int64, contentType string) (string, error)
	ObjectPath(bucket, url string) (string, error)
}

type Config struct {
	ImageBucket    string
	ModelBucket    string
	MaxUploadBytes int64
	Preprocess     preprocess.Options
	RetentionDays  int
	StorageRetry   retry.Policy
	InferenceRetry retry.Policy
}

func ConfigFromApp(cfg *models.Config) Config {
	return Config{
		ImageBucket:    cfg.Blob.ImageBucket,
		ModelBucket:    cfg.Blob.ModelBucket,
		MaxUploadBytes: cfg.Limits.MaxUploadBytes,
		Preprocess: preprocess.Options{
			MaxWidth:  cfg.Limits.MaxImageWidth,
			MaxHeight: cfg.Limits.MaxImageHeight,
			Quality:   cfg.Limits.JPEGQuality,
		},
		RetentionDays:  cfg.Limits.RetentionDays,
		StorageRetry:   retry.StoragePolicy(),
		InferenceRetry: retry.InferencePolicy(),
	}
}

type Pipeline struct {
	records RecordStore
	blobs   BlobStore
	gateway inference.Client
	httpc   *http.Client
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
}

func New(records RecordStore, blobs BlobStore, gateway inference.Client, cfg Config, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		records: records,
		blobs:   blobs,
		gateway: gateway,
		httpc:   &http.Client{Timeout: 2 * time.Minute},
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Input is one raw submission.
type Input struct {
	Data        []byte
	ContentType string
	Filename    string
	Owner       string
	Params      inference.Params
}

type Result struct {
	UploadID  uuid.UUID
	ImageURL  string
	ImagePath string
	ModelURL  string
	ModelPath string
	Format    models.MeshFormat
	ExpiresAt *time.Time
}

// Job is the payload published to the queue for async generation.
type Job struct {
	UploadID uuid.UUID        `json:"upload_id"`
	Params   inference.Params `json:"params"`
}

// Generate runs the whole pipeline synchronously and returns when the
// mesh is stored and the upload row is completed.
func (p *Pipeline) Generate(ctx context.Context, in Input) (*Result, error) {
	upload, imagePath, err := p.intake(ctx, in, models.StatusProcessing)
	if err != nil {
		return nil, err
	}
	return p.finish(ctx, upload, imagePath, in.Params)
}

// Intake validates and persists the image and creates a pending upload
// row, leaving the expensive half of the pipeline to a queue consumer.
func (p *Pipeline) Intake(ctx context.Context, in Input) (*models.Upload, error) {
	upload, _, err := p.intake(ctx, in, models.StatusPending)
	return upload, err
}

// Resume picks up a pending upload created by Intake and finishes the
// generation. A row already in a terminal state is left alone.
func (p *Pipeline) Resume(ctx context.Context, uploadID uuid.UUID, params inference.Params) (*Result, error) {
	upload, err := p.records.GetUpload(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if upload.Status.Terminal() {
		p.logger.Info("upload already resolved, skipping",
			zap.String("upload_id", uploadID.String()),
			zap.String("status", string(upload.Status)),
		)
		return nil, nil
	}
	if err := p.records.UpdateUploadStatus(ctx, upload.ID, models.StatusProcessing); err != nil {
		return nil, err
	}
	imagePath, err := p.blobs.ObjectPath(p.cfg.ImageBucket, upload.ImageURL)
	if err != nil {
		p.markFailed(ctx, upload.ID)
		return nil, err
	}
	return p.finish(ctx, upload, imagePath, params)
}

func (p *Pipeline) intake(ctx context.Context, in Input, status models.UploadStatus) (*models.Upload, string, error) {
	if err := p.validate(in); err != nil {
		return nil, "", err
	}

	data, contentType, err := preprocess.Shrink(in.Data, p.cfg.Preprocess)
	if err != nil {
		return nil, "", err
	}

	imagePath := blob.ObjectName(in.Filename)
	imageURL, err := retry.Do(ctx, p.cfg.StorageRetry, p.logger, "store image", func(ctx context.Context) (string, error) {
		return p.blobs.Put(ctx, p.cfg.ImageBucket, imagePath, bytes.NewReader(data), int64(len(data)), contentType)
	})
	if err != nil {
		return nil, "", apperr.Service("failed to store image", err)
	}

	upload := &models.Upload{
		ID:        uuid.New(),
		Owner:     in.Owner,
		ImageURL:  imageURL,
		Status:    status,
		CreatedAt: p.now(),
		ExpiresAt: p.expiry(),
	}
	if err := p.records.CreateUpload(ctx, upload); err != nil {
		return nil, "", apperr.Service("failed to create upload record", err)
	}
	return upload, imagePath, nil
}

// finish runs inference, stores the mesh, records the model, and resolves
// the upload. Any failure here marks the upload failed best-effort before
// surfacing; the image blob stays behind for the expiry sweeper to
// reclaim.
func (p *Pipeline) finish(ctx context.Context, upload *models.Upload, imagePath string, params inference.Params) (*Result, error) {
	meshURL, err := retry.Do(ctx, p.cfg.InferenceRetry, p.logger, "inference", func(ctx context.Context) (string, error) {
		return p.gateway.Generate(ctx, upload.ImageURL, params)
	})
	if err != nil {
		p.markFailed(ctx, upload.ID)
		return nil, err
	}

	meshData, err := retry.Do(ctx, p.cfg.StorageRetry, p.logger, "fetch mesh", func(ctx context.Context) ([]byte, error) {
		return p.fetchMesh(ctx, meshURL)
	})
	if err != nil {
		p.markFailed(ctx, upload.ID)
		return nil, err
	}

	format, contentType := meshKind(meshURL)
	modelPath := blob.ObjectName(upload.ID.String() + "." + string(format))
	modelURL, err := retry.Do(ctx, p.cfg.StorageRetry, p.logger, "store mesh", func(ctx context.Context) (string, error) {
		return p.blobs.Put(ctx, p.cfg.ModelBucket, modelPath, bytes.NewReader(meshData), int64(len(meshData)), contentType)
	})
	if err != nil {
		p.markFailed(ctx, upload.ID)
		return nil, apperr.Service("failed to store mesh", err)
	}

	model := &models.Model{
		ID:        uuid.New(),
		UploadID:  upload.ID,
		ModelURL:  modelURL,
		Format:    format,
		CreatedAt: p.now(),
	}
	if err := p.records.CreateModel(ctx, model); err != nil {
		p.markFailed(ctx, upload.ID)
		return nil, apperr.Service("failed to create model record", err)
	}

	if err := p.records.UpdateUploadStatus(ctx, upload.ID, models.StatusCompleted); err != nil {
		p.markFailed(ctx, upload.ID)
		return nil, apperr.Service("failed to complete upload", err)
	}

	p.logger.Info("generation completed",
		zap.String("upload_id", upload.ID.String()),
		zap.String("model_url", modelURL),
		zap.String("format", string(format)),
	)

	return &Result{
		UploadID:  upload.ID,
		ImageURL:  upload.ImageURL,
		ImagePath: imagePath,
		ModelURL:  modelURL,
		ModelPath: modelPath,
		Format:    format,
		ExpiresAt: upload.ExpiresAt,
	}, nil
}

func (p *Pipeline) validate(in Input) error {
	if len(in.Data) == 0 {
		return apperr.Validation("missing image payload")
	}
	if !strings.HasPrefix(in.ContentType, "image/") {
		return apperr.Validation("invalid content type %q: expected an image", in.ContentType)
	}
	if int64(len(in.Data)) > p.cfg.MaxUploadBytes {
		return apperr.Validation("image exceeds the %d byte limit", p.cfg.MaxUploadBytes)
	}
	return nil
}

func (p *Pipeline) fetchMesh(ctx context.Context, meshURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, meshURL, nil)
	if err != nil {
		return nil, apperr.Service("invalid mesh url", err)
	}
	resp, err := p.httpc.Do(req)
	if err != nil {
		return nil, apperr.Service("mesh download failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.Service(fmt.Sprintf("mesh download failed (status %d)", resp.StatusCode), nil)
	}
	return io.ReadAll(resp.Body)
}

// markFailed is deliberately best-effort: the dominant error is already
// on its way to the caller, a failed status write is only logged.
func (p *Pipeline) markFailed(ctx context.Context, id uuid.UUID) {
	if err := p.records.UpdateUploadStatus(ctx, id, models.StatusFailed); err != nil {
		p.logger.Warn("could not mark upload failed",
			zap.String("upload_id", id.String()),
			zap.Error(err),
		)
	}
}

func (p *Pipeline) expiry() *time.Time {
	if p.cfg.RetentionDays <= 0 {
		return nil
	}
	t := p.now().Add(time.Duration(p.cfg.RetentionDays) * 24 * time.Hour)
	return &t
}

// meshKind infers the stored format and content type from the mesh URL's
// extension, defaulting to binary GLB when the URL gives no hint.
func meshKind(meshURL string) (models.MeshFormat, string) {
	ext := ""
	if u, err := url.Parse(meshURL); err == nil {
		ext = strings.TrimPrefix(strings.ToLower(path.Ext(u.Path)), ".")
	}
	format := models.FormatFromExtension(ext)
	switch format {
	case models.FormatGLTF:
		return format, "model/gltf+json"
	case models.FormatOBJ:
		return format, "text/plain"
	case models.FormatFBX:
		return format, "application/octet-stream"
	case models.FormatUSDZ:
		return format, "model/vnd.usdz+zip"
	default:
		return models.FormatGLB, "model/gltf-binary"
	}
}
