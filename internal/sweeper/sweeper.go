// Package sweeper reclaims expired uploads: their rows, their models, and
// the blobs behind both. The operation is idempotent; a second run over
// the same state deletes nothing.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"photomesh/internal/models"
)

type RecordStore interface {
	ExpiredUploads(ctx context.Context, now time.Time) ([]models.Upload, error)
	ModelsForUploads(ctx context.Context, ids []uuid.UUID) ([]models.Model, error)
	DeleteUploads(ctx context.Context, ids []uuid.UUID) (int64, error)
}

type BlobStore interface {
	Remove(ctx context.Context, bucket, path string) error
	ObjectPath(bucket, url string) (string, error)
}

type Sweeper struct {
	records     RecordStore
	blobs       BlobStore
	imageBucket string
	modelBucket string
	logger      *zap.Logger
	now         func() time.Time
}

func New(records RecordStore, blobs BlobStore, imageBucket, modelBucket string, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		records:     records,
		blobs:       blobs,
		imageBucket: imageBucket,
		modelBucket: modelBucket,
		logger:      logger,
		now:         time.Now,
	}
}

// Report is what one sweep removed.
type Report struct {
	Uploads    int `json:"uploads"`
	Models     int `json:"models"`
	ImageBlobs int `json:"image_blobs"`
	ModelBlobs int `json:"model_blobs"`
}

// Sweep deletes everything past its expiry. Blob deletion is best-effort:
// a blob that cannot be removed is logged and does not block the record
// deletes, and the two stores are not wrapped in a transaction. A record
// delete that fails after blobs are gone just means the next sweep finds
// the same rows and re-deletes already-absent blobs, which is a no-op.
func (s *Sweeper) Sweep(ctx context.Context) (*Report, error) {
	const op = "sweeper.Sweep"

	expired, err := s.records.ExpiredUploads(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	if len(expired) == 0 {
		return &Report{}, nil
	}

	ids := make([]uuid.UUID, 0, len(expired))
	for _, u := range expired {
		ids = append(ids, u.ID)
	}

	expiredModels, err := s.records.ModelsForUploads(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}

	report := &Report{}
	for _, u := range expired {
		if s.removeBlob(ctx, s.imageBucket, u.ImageURL) {
			report.ImageBlobs++
		}
	}
	for _, m := range expiredModels {
		if s.removeBlob(ctx, s.modelBucket, m.ModelURL) {
			report.ModelBlobs++
		}
	}

	deleted, err := s.records.DeleteUploads(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	report.Uploads = int(deleted)
	report.Models = len(expiredModels)

	s.logger.Info("sweep finished",
		zap.Int("uploads", report.Uploads),
		zap.Int("models", report.Models),
		zap.Int("image_blobs", report.ImageBlobs),
		zap.Int("model_blobs", report.ModelBlobs),
	)
	return report, nil
}

// removeBlob maps a stored URL back to an object path and deletes it.
// Malformed URLs are skipped, not fatal; deletion failures are logged and
// swallowed.
func (s *Sweeper) removeBlob(ctx context.Context, bucket, url string) bool {
	path, err := s.blobs.ObjectPath(bucket, url)
	if err != nil {
		s.logger.Warn("skipping malformed blob url",
			zap.String("bucket", bucket),
			zap.String("url", url),
			zap.Error(err),
		)
		return false
	}
	if err := s.blobs.Remove(ctx, bucket, path); err != nil {
		s.logger.Warn("blob delete failed",
			zap.String("bucket", bucket),
			zap.String("path", path),
			zap.Error(err),
		)
		return false
	}
	return true
}
