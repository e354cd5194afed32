package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// File and directory permissions for artifacts.
const (
	FilePermissions = 0o640
	DirPermissions  = 0o750
)

// CopyFile copies src to dst, creating dst's directory.
func CopyFile(src, dst string) error {
	if filepath.Clean(src) == filepath.Clean(dst) {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open '%s': %w", src, err)
	}
	defer in.Close()

	return WriteFrom(in, dst)
}

// WriteFrom streams reader into dst, creating dst's directory.
func WriteFrom(reader io.Reader, dst string) error {
	dirErr := os.MkdirAll(filepath.Dir(dst), DirPermissions)
	if dirErr != nil {
		return fmt.Errorf("failed to create directory for '%s': %w", dst, dirErr)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, FilePermissions)
	if err != nil {
		return fmt.Errorf("failed to create '%s': %w", dst, err)
	}

	_, copyErr := io.Copy(out, reader)
	closeErr := out.Close()

	if copyErr != nil {
		return fmt.Errorf("failed to write '%s': %w", dst, copyErr)
	}

	if closeErr != nil {
		return fmt.Errorf("failed to close '%s': %w", dst, closeErr)
	}

	return nil
}

// RemoveIfExists removes path, treating a missing file as success.
func RemoveIfExists(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove '%s': %w", path, err)
	}

	return nil
}
