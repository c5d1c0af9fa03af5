package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"photomesh/internal/apperr"
	"photomesh/internal/inference"
	"photomesh/internal/models"
	"photomesh/internal/pipeline"
	"photomesh/internal/sweeper"
)

// recordStore is the read side the status endpoint needs.
type recordStore interface {
	GetUpload(ctx context.Context, id uuid.UUID) (*models.Upload, error)
	ModelsForUpload(ctx context.Context, uploadID uuid.UUID) ([]models.Model, error)
}

// publisher matches *kafka.Writer.
type publisher interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Server struct {
	cfg      *models.Config
	router   *gin.Engine
	pipe     *pipeline.Pipeline
	records  recordStore
	sweep    *sweeper.Sweeper
	producer publisher
	logger   *zap.Logger
}

func NewServer(cfg *models.Config, pipe *pipeline.Pipeline, records recordStore, sweep *sweeper.Sweeper, producer publisher, logger *zap.Logger) *Server {
	r := gin.Default()

	s := &Server{
		cfg:      cfg,
		router:   r,
		pipe:     pipe,
		records:  records,
		sweep:    sweep,
		producer: producer,
		logger:   logger,
	}

	v1 := r.Group("/api/v1")
	v1.POST("/generate", s.handleGenerate)
	v1.GET("/generate", s.handleGenerateInfo)
	v1.POST("/generate/async", s.handleGenerateAsync)
	v1.GET("/uploads/:id", s.handleGetUpload)
	v1.POST("/cleanup", s.handleCleanup)
	v1.GET("/cleanup", s.handleCleanup)
	r.GET("/healthz", s.handleHealth)

	return s
}

func (s *Server) Start() error {
	return s.router.Run(s.cfg.ServerAddr)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleGenerate(c *gin.Context) {
	in, err := s.parseInput(c)
	if err != nil {
		s.fail(c, err)
		return
	}

	res, err := s.pipe.Generate(c.Request.Context(), in)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"uploadId":  res.UploadID.String(),
		"imageUrl":  res.ImageURL,
		"modelUrl":  res.ModelURL,
		"format":    res.Format,
		"expiresAt": res.ExpiresAt,
	})
}

// handleGenerateAsync persists the image and the pending upload row, then
// hands the expensive half of the pipeline to the queue consumer.
func (s *Server) handleGenerateAsync(c *gin.Context) {
	in, err := s.parseInput(c)
	if err != nil {
		s.fail(c, err)
		return
	}

	upload, err := s.pipe.Intake(c.Request.Context(), in)
	if err != nil {
		s.fail(c, err)
		return
	}

	job, err := json.Marshal(pipeline.Job{UploadID: upload.ID, Params: in.Params})
	if err != nil {
		s.fail(c, apperr.Service("failed to encode job", err))
		return
	}
	err = s.producer.WriteMessages(c.Request.Context(), kafka.Message{
		Key:   []byte(upload.ID.String()),
		Value: job,
	})
	if err != nil {
		s.fail(c, apperr.Service("failed to enqueue job", err))
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success":   true,
		"uploadId":  upload.ID.String(),
		"status":    upload.Status,
		"expiresAt": upload.ExpiresAt,
	})
}

func (s *Server) handleGetUpload(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.fail(c, apperr.Validation("invalid upload id: %v", err))
		return
	}

	upload, err := s.records.GetUpload(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}

	resp := gin.H{
		"uploadId":  upload.ID.String(),
		"status":    upload.Status,
		"imageUrl":  upload.ImageURL,
		"expiresAt": upload.ExpiresAt,
	}
	if upload.Status == models.StatusCompleted {
		uploadModels, err := s.records.ModelsForUpload(c.Request.Context(), id)
		if err != nil {
			s.fail(c, err)
			return
		}
		if len(uploadModels) > 0 {
			resp["modelUrl"] = uploadModels[0].ModelURL
			resp["format"] = uploadModels[0].Format
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCleanup(c *gin.Context) {
	if err := s.authorizeCleanup(c); err != nil {
		s.fail(c, err)
		return
	}

	report, err := s.sweep.Sweep(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "deleted": report})
}

// authorizeCleanup checks the bearer token against the configured secret.
// Running without a secret requires the explicit insecure flag; it is
// never the silent default.
func (s *Server) authorizeCleanup(c *gin.Context) error {
	secret := s.cfg.Cleanup.Secret
	if secret == "" {
		if s.cfg.Cleanup.AllowInsecure {
			return nil
		}
		return apperr.Auth("cleanup secret not configured")
	}
	if c.GetHeader("Authorization") != "Bearer "+secret {
		return apperr.Auth("invalid cleanup token")
	}
	return nil
}

func (s *Server) handleGenerateInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"method": "POST",
		"body": gin.H{
			"image":            "multipart file field, or base64 image_data with content_type in JSON",
			"resolution":       "optional reconstruction resolution, default 256",
			"foreground_ratio": "optional subject framing ratio, default 0.85",
			"owner":            "optional identity reference",
		},
		"limits": gin.H{
			"max_upload_bytes": s.cfg.Limits.MaxUploadBytes,
		},
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok":                   true,
		"inference_configured": s.cfg.Inference.APIKey != "",
	})
}

type jsonInput struct {
	ImageData       string  `json:"image_data"`
	ContentType     string  `json:"content_type"`
	Owner           string  `json:"owner"`
	Resolution      int     `json:"resolution"`
	ForegroundRatio float64 `json:"foreground_ratio"`
}

// parseInput accepts either a multipart form with an "image" file field or
// a JSON body with base64 image data. The transport is capped before any
// body read so an oversized request is refused instead of buffered; the
// extra half covers base64 and multipart framing overhead.
func (s *Server) parseInput(c *gin.Context) (pipeline.Input, error) {
	maxUpload := s.cfg.Limits.MaxUploadBytes
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUpload+maxUpload/2)

	if c.ContentType() == "application/json" {
		var body jsonInput
		if err := c.ShouldBindJSON(&body); err != nil {
			return pipeline.Input{}, apperr.Validation("invalid request body: %v", err)
		}
		data, err := base64.StdEncoding.DecodeString(body.ImageData)
		if err != nil {
			return pipeline.Input{}, apperr.Validation("invalid base64 image data: %v", err)
		}
		return pipeline.Input{
			Data:        data,
			ContentType: body.ContentType,
			Filename:    "upload",
			Owner:       body.Owner,
			Params: inference.Params{
				Resolution:      body.Resolution,
				ForegroundRatio: body.ForegroundRatio,
			},
		}, nil
	}

	file, err := c.FormFile("image")
	if err != nil {
		return pipeline.Input{}, apperr.Validation("missing image file: %v", err)
	}
	if file.Size > maxUpload {
		return pipeline.Input{}, apperr.Validation("image exceeds %d byte limit", maxUpload)
	}
	src, err := file.Open()
	if err != nil {
		return pipeline.Input{}, apperr.Service("failed to open uploaded file", err)
	}
	defer src.Close()
	data, err := io.ReadAll(src)
	if err != nil {
		return pipeline.Input{}, apperr.Service("failed to read uploaded file", err)
	}

	params := inference.Params{}
	if v := c.PostForm("resolution"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			params.Resolution = n
		}
	}
	if v := c.PostForm("foreground_ratio"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			params.ForegroundRatio = f
		}
	}

	contentType := file.Header.Get("Content-Type")
	return pipeline.Input{
		Data:        data,
		ContentType: contentType,
		Filename:    file.Filename,
		Owner:       c.PostForm("owner"),
		Params:      params,
	}, nil
}

func (s *Server) fail(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"success": false, "error": err.Error()})
}
