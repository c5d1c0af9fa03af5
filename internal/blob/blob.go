// internal/blob/blob.go
package blob

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"photomesh/internal/models"
)

// Store wraps a minio client over two buckets: one for source images and
// one for generated meshes. Objects are public, addressed as
// <base>/<bucket>/<path>.
type Store struct {
	client  *minio.Client
	baseURL string
	logger  *zap.Logger

	ImageBucket string
	ModelBucket string
}

func NewStore(cfg models.BlobConfig, logger *zap.Logger) (*Store, error) {
	const op = "blob.NewStore"

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}

	return &Store{
		client:      client,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		logger:      logger,
		ImageBucket: cfg.ImageBucket,
		ModelBucket: cfg.ModelBucket,
	}, nil
}

// EnsureBuckets creates the two buckets if they do not exist yet.
func (s *Store) EnsureBuckets(ctx context.Context) error {
	const op = "blob.EnsureBuckets"
	for _, bucket := range []string{s.ImageBucket, s.ModelBucket} {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("%s: %v", op, err)
		}
		if !exists {
			if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
				return fmt.Errorf("%s: %v", op, err)
			}
		}
	}
	return nil
}

// Put uploads an object and returns its public URL.
func (s *Store) Put(ctx context.Context, bucket, path string, r io.Reader, size int64, contentType string) (string, error) {
	const op = "blob.Put"
	_, err := s.client.PutObject(ctx, bucket, path, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("%s: %v", op, err)
	}
	return s.PublicURL(bucket, path), nil
}

// Remove deletes an object. A missing object is not an error: the sweeper
// may retry deletions that already succeeded on a previous run.
func (s *Store) Remove(ctx context.Context, bucket, path string) error {
	const op = "blob.Remove"
	err := s.client.RemoveObject(ctx, bucket, path, minio.RemoveObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
			return nil
		}
		return fmt.Errorf("%s: %v", op, err)
	}
	return nil
}

func (s *Store) PublicURL(bucket, path string) string {
	return fmt.Sprintf("%s/%s/%s", s.baseURL, bucket, path)
}

// ObjectPath reverses PublicURL: given a stored URL it returns the object
// path inside bucket, or an error when the URL does not match the
// expected prefix.
func (s *Store) ObjectPath(bucket, url string) (string, error) {
	const op = "blob.ObjectPath"
	prefix := s.baseURL + "/" + bucket + "/"
	if !strings.HasPrefix(url, prefix) {
		return "", fmt.Errorf("%s: url %q does not belong to bucket %q", op, url, bucket)
	}
	path := strings.TrimPrefix(url, prefix)
	if path == "" {
		return "", fmt.Errorf("%s: url %q has an empty object path", op, url)
	}
	return path, nil
}

// ObjectName builds a collision-resistant object name from an original
// filename: unix-nano timestamp, a short random suffix, and the sanitized
// original.
func ObjectName(original string) string {
	name := sanitize(original)
	suffix := uuid.New().String()[:8]
	return fmt.Sprintf("%d_%s_%s", time.Now().UnixNano(), suffix, name)
}

func sanitize(name string) string {
	if name == "" {
		return "upload"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
