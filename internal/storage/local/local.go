// Package local implements the artifact store on the local filesystem.
package local

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/avatar-service/internal/storage"
)

// Store keeps artifacts under Root using the key as a relative path.
type Store struct {
	root string
}

var _ core.ArtifactStore = (*Store)(nil)

// New creates a local store rooted at root.
func New(root string) *Store {
	return &Store{root: root}
}

// Path returns the filesystem path of key.
func (s *Store) Path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// Upload copies localPath into the store at key.
func (s *Store) Upload(_ context.Context, key, localPath string) (string, error) {
	err := storage.CopyFile(localPath, s.Path(key))
	if err != nil {
		return "", fmt.Errorf("failed to store '%s': %w", key, err)
	}

	return s.URLFor(key), nil
}

// Download copies the stored key to localPath.
func (s *Store) Download(_ context.Context, key, localPath string) error {
	err := storage.CopyFile(s.Path(key), localPath)
	if err != nil {
		return fmt.Errorf("failed to fetch '%s': %w", key, err)
	}

	return nil
}

// Delete removes key. A missing file is not an error.
func (s *Store) Delete(_ context.Context, key string) error {
	return storage.RemoveIfExists(s.Path(key))
}

// URLFor returns a file URL for key.
func (s *Store) URLFor(key string) string {
	return "file://" + filepath.ToSlash(s.Path(key))
}
