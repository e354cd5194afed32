// Package natsobj implements the artifact store on a NATS JetStream object store bucket.
package natsobj

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/avatar-service/internal/storage"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Store implements core.ArtifactStore using NATS JetStream.
type Store struct {
	bucket string
	store  nats.ObjectStore
}

var _ core.ArtifactStore = (*Store)(nil)

// New creates the bucket, or binds to it when it already exists.
func New(jetstreamContext nats.JetStreamContext, bucketName string) (*Store, error) {
	store, err := jetstreamContext.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("Artifacts for the %s bucket.", bucketName),
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) {
			return nil, fmt.Errorf("failed to create object store bucket '%s': %w", bucketName, err)
		}

		store, err = jetstreamContext.ObjectStore(bucketName)
		if err != nil {
			return nil, fmt.Errorf("failed to bind to existing object store bucket '%s': %w", bucketName, err)
		}
	}

	return &Store{bucket: bucketName, store: store}, nil
}

// Upload streams localPath into the bucket under key.
func (s *Store) Upload(_ context.Context, key, localPath string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open '%s': %w", localPath, err)
	}
	defer file.Close()

	_, err = s.store.Put(&nats.ObjectMeta{Name: key}, file)
	if err != nil {
		return "", fmt.Errorf("failed to put object '%s' to bucket '%s': %w", key, s.bucket, err)
	}

	return s.URLFor(key), nil
}

// Download writes the object at key to localPath.
func (s *Store) Download(_ context.Context, key, localPath string) error {
	obj, err := s.store.Get(key)
	if err != nil {
		return fmt.Errorf("failed to get object '%s' from bucket '%s': %w", key, s.bucket, err)
	}

	writeErr := storage.WriteFrom(obj, localPath)
	closeErr := obj.Close()

	if writeErr != nil {
		return fmt.Errorf("failed to read object '%s': %w", key, writeErr)
	}

	if closeErr != nil {
		return fmt.Errorf("failed to close object '%s': %w", key, closeErr)
	}

	return nil
}

// Delete removes key. A missing object is not an error.
func (s *Store) Delete(_ context.Context, key string) error {
	err := s.store.Delete(key)
	if err != nil && !errors.Is(err, nats.ErrObjectNotFound) {
		return fmt.Errorf("failed to delete object '%s' from bucket '%s': %w", key, s.bucket, err)
	}

	return nil
}

// URLFor returns a nats:// locator for key.
func (s *Store) URLFor(key string) string {
	return "nats://" + s.bucket + "/" + key
}
