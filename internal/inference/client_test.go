package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"photomesh/internal/apperr"
	"photomesh/internal/models"
)

func newTestClient(t *testing.T, url string, async bool) *HTTPClient {
	t.Helper()
	c := NewHTTPClient(models.InferenceConfig{URL: url, APIKey: "test-key", Async: async}, zap.NewNop())
	c.poll = PollPolicy{
		InitialInterval: time.Millisecond,
		Multiplier:      1.5,
		MaxInterval:     5 * time.Millisecond,
		MaxAttempts:     10,
	}
	return c
}

func TestGenerateSync(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/generate", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "https://blobs/images/cat.jpg", req.ImageURL)
		assert.Equal(t, 256, req.Resolution)
		assert.InDelta(t, 0.85, req.ForegroundRatio, 1e-9)

		json.NewEncoder(w).Encode(map[string]any{"output": "https://x/model.glb"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	got, err := c.Generate(context.Background(), "https://blobs/images/cat.jpg", Params{})
	require.NoError(t, err)
	assert.Equal(t, "https://x/model.glb", got)
}

func TestGenerateSyncRemoteError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"error": "mesh reconstruction diverged"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, false)
	_, err := c.Generate(context.Background(), "https://blobs/images/cat.jpg", Params{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mesh reconstruction diverged")
	assert.Equal(t, apperr.KindRemoteFailure, apperr.KindOf(err))
}

func TestGenerateMissingAPIKey(t *testing.T) {
	c := NewHTTPClient(models.InferenceConfig{URL: "http://unused"}, zap.NewNop())
	_, err := c.Generate(context.Background(), "https://blobs/images/cat.jpg", Params{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindAuth, apperr.KindOf(err))
}

func TestGenerateStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		kind   apperr.Kind
	}{
		{http.StatusUnauthorized, apperr.KindAuth},
		{http.StatusForbidden, apperr.KindAuth},
		{http.StatusTooManyRequests, apperr.KindRateLimit},
		{http.StatusInternalServerError, apperr.KindService},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		c := newTestClient(t, srv.URL, false)
		_, err := c.Generate(context.Background(), "https://blobs/images/cat.jpg", Params{})
		require.Error(t, err)
		assert.Equal(t, tt.kind, apperr.KindOf(err), "status %d", tt.status)
		srv.Close()
	}
}

func TestGenerateAsyncPollsUntilSucceeded(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/jobs":
			json.NewEncoder(w).Encode(map[string]any{"id": "job-1", "status": "starting"})
		case r.Method == http.MethodGet && r.URL.Path == "/jobs/job-1":
			if polls.Add(1) < 3 {
				json.NewEncoder(w).Encode(map[string]any{"id": "job-1", "status": "processing"})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"id":     "job-1",
				"status": "succeeded",
				"output": []string{"preview.gif", "mesh.obj"},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, true)
	got, err := c.Generate(context.Background(), "https://blobs/images/cat.jpg", Params{})
	require.NoError(t, err)
	assert.Equal(t, "mesh.obj", got)
	assert.Equal(t, int32(3), polls.Load())
}

func TestGenerateAsyncJobFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			json.NewEncoder(w).Encode(map[string]any{"id": "job-2", "status": "starting"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "job-2", "status": "failed", "error": "NSFW input rejected"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, true)
	_, err := c.Generate(context.Background(), "https://blobs/images/cat.jpg", Params{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inference job failed")
	assert.Contains(t, err.Error(), "NSFW input rejected")
	assert.Equal(t, apperr.KindRemoteFailure, apperr.KindOf(err))
}

func TestGenerateAsyncTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			json.NewEncoder(w).Encode(map[string]any{"id": "job-3", "status": "starting"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "job-3", "status": "processing"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, true)
	c.poll.MaxAttempts = 3
	_, err := c.Generate(context.Background(), "https://blobs/images/cat.jpg", Params{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out after 3 polls")
}

func TestParamsWithDefaults(t *testing.T) {
	p := Params{}.WithDefaults()
	assert.Equal(t, 256, p.Resolution)
	assert.InDelta(t, 0.85, p.ForegroundRatio, 1e-9)

	p = Params{Resolution: 512, ForegroundRatio: 0.5}.WithDefaults()
	assert.Equal(t, 512, p.Resolution)
	assert.InDelta(t, 0.5, p.ForegroundRatio, 1e-9)
}
