// Package s3 implements the artifact store on an S3-compatible bucket (MinIO, AWS).
package s3

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/avatar-service/internal/storage"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config locates the bucket.
type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

// Store keeps artifacts as objects keyed by their data-root relative path.
type Store struct {
	client   *minio.Client
	bucket   string
	endpoint string
}

var _ core.ArtifactStore = (*Store)(nil)

// New creates a path-style client for cfg.Endpoint (e.g. "http://localhost:9000").
func New(cfg Config) (*Store, error) {
	parsed, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to parse endpoint '%s': %w", cfg.Endpoint, err)
	}

	if parsed.Host == "" {
		return nil, fmt.Errorf("endpoint '%s' has no host", cfg.Endpoint)
	}

	client, err := minio.New(parsed.Host, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       parsed.Scheme == "https",
		Region:       cfg.Region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}

	return &Store{
		client:   client,
		bucket:   cfg.Bucket,
		endpoint: strings.TrimSuffix(cfg.Endpoint, "/"),
	}, nil
}

// Upload puts localPath at key.
func (s *Store) Upload(ctx context.Context, key, localPath string) (string, error) {
	_, err := s.client.FPutObject(ctx, s.bucket, key, localPath, minio.PutObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to put object '%s' to bucket '%s': %w", key, s.bucket, err)
	}

	return s.URLFor(key), nil
}

// Download writes the object at key to localPath.
func (s *Store) Download(ctx context.Context, key, localPath string) error {
	dirErr := os.MkdirAll(filepath.Dir(localPath), storage.DirPermissions)
	if dirErr != nil {
		return fmt.Errorf("failed to create directory for '%s': %w", localPath, dirErr)
	}

	err := s.client.FGetObject(ctx, s.bucket, key, localPath, minio.GetObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to get object '%s' from bucket '%s': %w", key, s.bucket, err)
	}

	return nil
}

// Delete removes the object at key.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to remove object '%s' from bucket '%s': %w", key, s.bucket, err)
	}

	return nil
}

// URLFor returns the path-style object URL.
func (s *Store) URLFor(key string) string {
	return s.endpoint + "/" + s.bucket + "/" + key
}
