// Package offload hands files that are too large for the chat upload limit
// to S3-compatible storage and returns a time-limited download link.
package offload

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/wapuda/uniqbot/internal/config"
	"github.com/wapuda/uniqbot/internal/jobs"
)

// Offloader uploads a local file and returns a link to it.
type Offloader interface {
	Offload(ctx context.Context, path string) (link string, err error)
	LinkTTL() time.Duration
}

// S3 stores offloaded videos in one bucket.
type S3 struct {
	client *minio.Client
	bucket string
	region string
	ttl    time.Duration
	now    func() time.Time
}

// New creates a MinIO client from the Config. It does not touch the
// network; call EnsureBucket before first use.
func New(cfg *config.Config) (*S3, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &S3{
		client: client,
		bucket: cfg.S3Bucket,
		region: cfg.S3Region,
		ttl:    cfg.S3LinkTTL,
		now:    time.Now,
	}, nil
}

// EnsureBucket creates the bucket when it is missing.
func (s *S3) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("make bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *S3) LinkTTL() time.Duration { return s.ttl }

// objectKey is videos/YYYY/MM/DD/<ulid>.<ext>; the local name carries the
// user id and is not reused.
func (s *S3) objectKey(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		ext = ".mp4"
	}
	return fmt.Sprintf("videos/%s/%s%s", s.now().UTC().Format("2006/01/02"), jobs.NewID(), ext)
}

// Offload uploads path and presigns a GET link valid for LinkTTL.
func (s *S3) Offload(ctx context.Context, path string) (string, error) {
	key := s.objectKey(path)
	opts := minio.PutObjectOptions{ContentType: "video/mp4"}
	if _, err := s.client.FPutObject(ctx, s.bucket, key, path, opts); err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), nil
}

// FromConfig returns nil when offloading is disabled. The bucket is
// created on first start.
func FromConfig(ctx context.Context, cfg *config.Config) (Offloader, error) {
	if !cfg.S3Enable {
		return nil, nil
	}
	s, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}
