// Package inference talks to the external image-to-3D service. The
// service accepts an image URL plus generation knobs and eventually
// produces a downloadable mesh.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"photomesh/internal/apperr"
	"photomesh/internal/models"
)

// Params are the generation knobs forwarded to the remote model.
type Params struct {
	// Resolution is the reconstruction grid resolution. Default 256.
	Resolution int `json:"resolution"`
	// ForegroundRatio controls subject framing before reconstruction.
	// Default 0.85.
	ForegroundRatio float64 `json:"foreground_ratio"`
}

func (p Params) WithDefaults() Params {
	if p.Resolution == 0 {
		p.Resolution = 256
	}
	if p.ForegroundRatio == 0 {
		p.ForegroundRatio = 0.85
	}
	return p
}

// Client is the gateway the pipeline depends on.
type Client interface {
	// Generate submits imageURL and returns the URL of the produced mesh.
	Generate(ctx context.Context, imageURL string, p Params) (string, error)
}

// PollPolicy bounds the job-status polling loop in async mode.
type PollPolicy struct {
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
	MaxAttempts     int
}

func DefaultPollPolicy() PollPolicy {
	return PollPolicy{
		InitialInterval: time.Second,
		Multiplier:      1.5,
		MaxInterval:     10 * time.Second,
		MaxAttempts:     60,
	}
}

type HTTPClient struct {
	baseURL string
	apiKey  string
	async   bool
	httpc   *http.Client
	poll    PollPolicy
	logger  *zap.Logger
}

func NewHTTPClient(cfg models.InferenceConfig, logger *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: cfg.URL,
		apiKey:  cfg.APIKey,
		async:   cfg.Async,
		httpc:   &http.Client{Timeout: 5 * time.Minute},
		poll:    DefaultPollPolicy(),
		logger:  logger,
	}
}

type generateRequest struct {
	ImageURL        string  `json:"image_url"`
	Resolution      int     `json:"resolution"`
	ForegroundRatio float64 `json:"foreground_ratio"`
}

type generateResponse struct {
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error"`
}

type jobResponse struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error"`
}

func (c *HTTPClient) Generate(ctx context.Context, imageURL string, p Params) (string, error) {
	if c.apiKey == "" {
		return "", apperr.Auth("missing inference api key")
	}
	if c.async {
		return c.generateAsync(ctx, imageURL, p.WithDefaults())
	}
	return c.generateSync(ctx, imageURL, p.WithDefaults())
}

// generateSync blocks until the remote job completes and the final output
// is in the response body.
func (c *HTTPClient) generateSync(ctx context.Context, imageURL string, p Params) (string, error) {
	var resp generateResponse
	if err := c.post(ctx, c.baseURL+"/generate", imageURL, p, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", apperr.RemoteFailure("inference failed", fmt.Errorf("%s", resp.Error))
	}
	out, err := ParseOutput(resp.Output)
	if err != nil {
		return "", err
	}
	return out.MeshURL()
}

// generateAsync creates a remote job, then polls its status at increasing
// intervals until it reaches a terminal state or the attempt budget runs
// out.
func (c *HTTPClient) generateAsync(ctx context.Context, imageURL string, p Params) (string, error) {
	var job jobResponse
	if err := c.post(ctx, c.baseURL+"/jobs", imageURL, p, &job); err != nil {
		return "", err
	}
	if job.ID == "" {
		return "", apperr.Service("inference job creation returned no id", nil)
	}

	interval := c.poll.InitialInterval
	for attempt := 1; attempt <= c.poll.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(interval):
		}
		interval = time.Duration(float64(interval) * c.poll.Multiplier)
		if interval > c.poll.MaxInterval {
			interval = c.poll.MaxInterval
		}

		if err := c.get(ctx, c.baseURL+"/jobs/"+job.ID, &job); err != nil {
			return "", err
		}
		c.logger.Debug("job polled",
			zap.String("job_id", job.ID),
			zap.String("status", job.Status),
			zap.Int("attempt", attempt),
		)

		switch job.Status {
		case "succeeded":
			out, err := ParseOutput(job.Output)
			if err != nil {
				return "", err
			}
			return out.MeshURL()
		case "failed", "canceled":
			msg := job.Error
			if msg == "" {
				msg = job.Status
			}
			return "", apperr.RemoteFailure("inference job "+job.Status, fmt.Errorf("%s", msg))
		}
	}
	return "", apperr.Service(fmt.Sprintf("inference job %s timed out after %d polls", job.ID, c.poll.MaxAttempts), nil)
}

func (c *HTTPClient) post(ctx context.Context, url, imageURL string, p Params, out any) error {
	body, err := json.Marshal(generateRequest{
		ImageURL:        imageURL,
		Resolution:      p.Resolution,
		ForegroundRatio: p.ForegroundRatio,
	})
	if err != nil {
		return fmt.Errorf("inference: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("inference: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	return c.do(req, out)
}

func (c *HTTPClient) get(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("inference: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	return c.do(req, out)
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	resp, err := c.httpc.Do(req)
	if err != nil {
		return apperr.Service("inference request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classifyStatus(resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.Service("inference response read failed", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperr.Service("inference response decode failed", err)
	}
	return nil
}

// classifyStatus distinguishes auth and rate-limit rejections so callers
// can react; other 4xx codes are treated as invalid requests and never
// retried.
func classifyStatus(code int) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return apperr.Auth("inference credential rejected (status %d)", code)
	case code == http.StatusTooManyRequests:
		return apperr.RateLimit("inference service rate limited (status %d)", code)
	case code >= 400 && code < 500:
		return apperr.Service(fmt.Sprintf("invalid request to inference service (status %d)", code), nil)
	default:
		return apperr.Service(fmt.Sprintf("inference service error (status %d)", code), nil)
	}
}
