// Package storage provides the artifact storage contract helpers: retry
// decoration, backend selection by storage mode and key translation.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/logger"
)

var (
	// ErrNoRemoteBackend indicates that a remote record was accessed while no
	// remote backend is configured.
	ErrNoRemoteBackend = errors.New("remote storage backend is not configured")
	// ErrOutsideDataRoot indicates that a path cannot be expressed as a key.
	ErrOutsideDataRoot = errors.New("path is outside the data root")
)

// RetryingStore applies one RetryPolicy to every I/O operation of a store.
type RetryingStore struct {
	inner  core.ArtifactStore
	policy RetryPolicy
	log    *logger.Logger
}

var _ core.ArtifactStore = (*RetryingStore)(nil)

// WithRetry decorates a store with the given retry policy.
func WithRetry(inner core.ArtifactStore, policy RetryPolicy, log *logger.Logger) *RetryingStore {
	return &RetryingStore{inner: inner, policy: policy, log: log}
}

// Upload retries the inner upload and escalates the final error.
func (r *RetryingStore) Upload(ctx context.Context, key, localPath string) (string, error) {
	var url string

	attempts, err := r.policy.Do(ctx, func() error {
		var uploadErr error

		url, uploadErr = r.inner.Upload(ctx, key, localPath)
		if uploadErr != nil {
			r.log.Warn("Upload of '%s' failed: %v", key, uploadErr)
		}

		return uploadErr
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload '%s' after %d attempts: %w", key, attempts, err)
	}

	return url, nil
}

// Download retries the inner download and escalates the final error.
func (r *RetryingStore) Download(ctx context.Context, key, localPath string) error {
	attempts, err := r.policy.Do(ctx, func() error {
		downloadErr := r.inner.Download(ctx, key, localPath)
		if downloadErr != nil {
			r.log.Warn("Download of '%s' failed: %v", key, downloadErr)
		}

		return downloadErr
	})
	if err != nil {
		return fmt.Errorf("failed to download '%s' after %d attempts: %w", key, attempts, err)
	}

	return nil
}

// Delete retries the inner delete. Callers in cleanup paths use DeleteBestEffort.
func (r *RetryingStore) Delete(ctx context.Context, key string) error {
	attempts, err := r.policy.Do(ctx, func() error {
		deleteErr := r.inner.Delete(ctx, key)
		if deleteErr != nil {
			r.log.Warn("Delete of '%s' failed: %v", key, deleteErr)
		}

		return deleteErr
	})
	if err != nil {
		return fmt.Errorf("failed to delete '%s' after %d attempts: %w", key, attempts, err)
	}

	return nil
}

// URLFor delegates to the inner store.
func (r *RetryingStore) URLFor(key string) string {
	return r.inner.URLFor(key)
}

// DeleteBestEffort deletes key and logs instead of returning on failure.
func DeleteBestEffort(ctx context.Context, store core.ArtifactStore, key string, log *logger.Logger) {
	if key == "" {
		return
	}

	err := store.Delete(ctx, key)
	if err != nil {
		log.Error("Giving up on deleting artifact '%s': %v", key, err)

		return
	}

	log.Info("Deleted artifact '%s'", key)
}

// Backends resolves the store for a record's storage mode.
type Backends struct {
	local    core.ArtifactStore
	remote   core.ArtifactStore
	dataRoot string
}

// NewBackends creates a resolver. remote may be nil when remote storage is disabled.
func NewBackends(local, remote core.ArtifactStore, dataRoot string) *Backends {
	return &Backends{local: local, remote: remote, dataRoot: dataRoot}
}

// RemoteAvailable reports whether a remote backend is configured.
func (b *Backends) RemoteAvailable() bool {
	return b.remote != nil
}

// For returns the store for mode.
func (b *Backends) For(mode core.StorageMode) (core.ArtifactStore, error) {
	if mode != core.StorageRemote {
		return b.local, nil
	}

	if b.remote == nil {
		return nil, ErrNoRemoteBackend
	}

	return b.remote, nil
}

// Key translates an absolute path under the data root into an object key.
func (b *Backends) Key(absPath string) (string, error) {
	return KeyFor(b.dataRoot, absPath)
}

// LocalPath translates an object key back to a path under the data root.
func (b *Backends) LocalPath(key string) string {
	return filepath.Join(b.dataRoot, filepath.FromSlash(key))
}

// KeyFor returns absPath relative to dataRoot using forward slashes.
func KeyFor(dataRoot, absPath string) (string, error) {
	rel, err := filepath.Rel(dataRoot, absPath)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrOutsideDataRoot, absPath, err)
	}

	key := filepath.ToSlash(rel)
	if key == ".." || strings.HasPrefix(key, "../") {
		return "", fmt.Errorf("%w: %s", ErrOutsideDataRoot, absPath)
	}

	return key, nil
}

// SplitKey returns the directory and file name parts of a key.
func SplitKey(key string) (string, string) {
	dir, name := path.Split(key)

	return strings.TrimSuffix(dir, "/"), name
}
