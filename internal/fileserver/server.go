// Package fileserver is the file-manager REST API used as the "api" remote
// artifact backend.
package fileserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/book-expert/avatar-service/internal/storage"
	"github.com/book-expert/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const maxMultipartMemory = 32 << 20

// Response messages.
const (
	msgNoFiles           = "No files were uploaded."
	msgFilenameRequired  = "Filename is required"
	msgDirnameRequired   = "Dirname is required"
	msgFileNotFound      = "File not found"
	msgDirectoryNotFound = "Directory not found"
	msgScanFailed        = "Unable to scan directory"
	msgMalformedRequest  = "Malformed request body"
)

// UploadResponse is returned by POST /upload.
type UploadResponse struct {
	Message  string `json:"message"`
	Filename string `json:"filename"`
	Path     string `json:"path"`
}

// FileRequest is the JSON body of DELETE /delete.
type FileRequest struct {
	Filename string `json:"filename"`
	Path     string `json:"path"`
}

// DirRequest is the JSON body of POST /mkdir.
type DirRequest struct {
	Path string `json:"path"`
}

// SanitizePath strips ".." sequences and converts backslashes to forward
// slashes, then normalises the result into a root-relative path.
// "../../etc" becomes "etc".
func SanitizePath(relative string) string {
	cleaned := strings.ReplaceAll(relative, "..", "")
	cleaned = strings.ReplaceAll(cleaned, "\\", "/")

	return strings.TrimLeft(path.Clean("/"+cleaned), "/")
}

// ErrOutsideRoot is returned by Confine for paths that would leave their root.
var ErrOutsideRoot = errors.New("path must be relative and stay inside its root")

// Confine resolves a client-supplied relative path below root. Empty and
// absolute paths and paths with a ".." segment are rejected rather than
// rewritten.
func Confine(root, relative string) (string, error) {
	normalized := strings.ReplaceAll(relative, "\\", "/")

	if normalized == "" || path.IsAbs(normalized) || filepath.IsAbs(relative) || filepath.VolumeName(relative) != "" {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, relative)
	}

	for _, segment := range strings.Split(normalized, "/") {
		if segment == ".." {
			return "", fmt.Errorf("%w: %q", ErrOutsideRoot, relative)
		}
	}

	cleaned := path.Clean(normalized)
	if cleaned == "." {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, relative)
	}

	return filepath.Join(root, filepath.FromSlash(cleaned)), nil
}

// Server serves files below a storage root.
type Server struct {
	root   string
	log    *logger.Logger
	router *chi.Mux
}

// New creates a server rooted at root and creates the root if needed.
func New(root string, log *logger.Logger) (*Server, error) {
	err := os.MkdirAll(root, storage.DirPermissions)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage root '%s': %w", root, err)
	}

	server := &Server{root: root, log: log, router: chi.NewRouter()}
	server.registerRoutes()

	return server, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	s.router.Post("/upload", s.upload)
	s.router.Get("/download", s.download)
	s.router.Get("/files", s.files)
	s.router.Delete("/delete", s.remove)
	s.router.Post("/mkdir", s.mkdir)
	s.router.Get("/health", s.health)
}

// resolve joins a sanitized relative path to the storage root.
func (s *Server) resolve(relative string) string {
	return filepath.Join(s.root, filepath.FromSlash(SanitizePath(relative)))
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	err := r.ParseMultipartForm(maxMultipartMemory)
	if err != nil {
		http.Error(w, msgNoFiles, http.StatusBadRequest)

		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, msgNoFiles, http.StatusBadRequest)

		return
	}
	defer file.Close()

	relative := SanitizePath(r.URL.Query().Get("path"))
	name := filepath.Base(SanitizePath(header.Filename))
	target := filepath.Join(s.resolve(relative), name)

	err = storage.WriteFrom(file, target)
	if err != nil {
		s.log.Error("Upload to '%s' failed: %v", target, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)

		return
	}

	s.log.Info("Stored upload '%s'", target)
	writeJSON(w, http.StatusOK, UploadResponse{Message: "File uploaded!", Filename: name, Path: relative})
}

func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		http.Error(w, msgFilenameRequired, http.StatusBadRequest)

		return
	}

	target := filepath.Join(s.resolve(r.URL.Query().Get("path")), filepath.Base(SanitizePath(filename)))

	info, err := os.Stat(target)
	if err != nil || info.IsDir() {
		http.Error(w, msgFileNotFound, http.StatusNotFound)

		return
	}

	file, err := os.Open(target)
	if err != nil {
		http.Error(w, msgFileNotFound, http.StatusNotFound)

		return
	}
	defer file.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(target)))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)

	_, copyErr := io.Copy(w, file)
	if copyErr != nil {
		s.log.Warn("Streaming '%s' failed: %v", target, copyErr)
	}
}

func (s *Server) files(w http.ResponseWriter, r *http.Request) {
	target := s.resolve(r.URL.Query().Get("path"))

	entries, err := os.ReadDir(target)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			http.Error(w, msgDirectoryNotFound, http.StatusNotFound)

			return
		}

		http.Error(w, msgScanFailed, http.StatusInternalServerError)

		return
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}

	writeJSON(w, http.StatusOK, names)
}

func (s *Server) remove(w http.ResponseWriter, r *http.Request) {
	var req FileRequest

	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		http.Error(w, msgMalformedRequest, http.StatusBadRequest)

		return
	}

	if req.Filename == "" {
		http.Error(w, msgFilenameRequired, http.StatusBadRequest)

		return
	}

	target := filepath.Join(s.resolve(req.Path), filepath.Base(SanitizePath(req.Filename)))

	err = os.Remove(target)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			http.Error(w, msgFileNotFound, http.StatusNotFound)

			return
		}

		s.log.Error("Delete of '%s' failed: %v", target, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)

		return
	}

	s.log.Info("Deleted '%s'", target)
	writeJSON(w, http.StatusOK, map[string]string{"message": "File deleted!"})
}

func (s *Server) mkdir(w http.ResponseWriter, r *http.Request) {
	var req DirRequest

	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		http.Error(w, msgMalformedRequest, http.StatusBadRequest)

		return
	}

	relative := SanitizePath(req.Path)
	if relative == "" {
		http.Error(w, msgDirnameRequired, http.StatusBadRequest)

		return
	}

	err = os.MkdirAll(s.resolve(relative), storage.DirPermissions)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Directory created!", "path": relative})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
