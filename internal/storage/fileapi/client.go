// Package fileapi implements the artifact store against the file-manager REST API.
package fileapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/avatar-service/internal/storage"
)

// API endpoints and paths.
const (
	apiUpload   = "/upload"
	apiDownload = "/download"
	apiDelete   = "/delete"
	apiHealth   = "/health"
)

const (
	formFieldFile   = "file"
	queryPath       = "path"
	queryFilename   = "filename"
	contentTypeJSON = "application/json"
)

// DeleteRequest is the JSON body of DELETE /delete.
type DeleteRequest struct {
	Filename string `json:"filename"`
	Path     string `json:"path"`
}

// Client talks to a file-manager instance.
type Client struct {
	httpClient *http.Client
	endpoint   string
}

var _ core.ArtifactStore = (*Client)(nil)

// NewClient creates a client for the file-manager at endpoint.
func NewClient(endpoint string, timeout time.Duration) *Client {
	return &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Upload posts localPath as a multipart file under the key's directory.
func (c *Client) Upload(ctx context.Context, key, localPath string) (string, error) {
	dir, name := storage.SplitKey(key)

	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open '%s': %w", localPath, err)
	}
	defer file.Close()

	var body bytes.Buffer

	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile(formFieldFile, name)
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}

	_, err = io.Copy(part, file)
	if err != nil {
		return "", fmt.Errorf("failed to copy file data: %w", err)
	}

	err = writer.Close()
	if err != nil {
		return "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	query := url.Values{}
	query.Set(queryPath, dir)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint+apiUpload+"?"+query.Encode(), &body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", writer.FormDataContentType())

	err = c.do(req, nil)
	if err != nil {
		return "", fmt.Errorf("failed to upload '%s': %w", key, err)
	}

	return c.URLFor(key), nil
}

// Download fetches key into localPath.
func (c *Client) Download(ctx context.Context, key, localPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URLFor(key), http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	err = c.do(req, func(body io.Reader) error {
		return storage.WriteFrom(body, localPath)
	})
	if err != nil {
		return fmt.Errorf("failed to download '%s': %w", key, err)
	}

	return nil
}

// Delete removes key from the file-manager.
func (c *Client) Delete(ctx context.Context, key string) error {
	dir, name := storage.SplitKey(key)

	payload, err := json.Marshal(DeleteRequest{Filename: name, Path: dir})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.endpoint+apiDelete, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)

	err = c.do(req, nil)
	if err != nil {
		return fmt.Errorf("failed to delete '%s': %w", key, err)
	}

	return nil
}

// URLFor returns the download URL of key. No I/O.
func (c *Client) URLFor(key string) string {
	dir, name := storage.SplitKey(key)

	query := url.Values{}
	query.Set(queryFilename, name)
	query.Set(queryPath, dir)

	return c.endpoint + apiDownload + "?" + query.Encode()
}

// HealthCheck verifies that the file-manager is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+apiHealth, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	return c.do(req, nil)
}

func (c *Client) do(req *http.Request, consume func(io.Reader) error) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", c.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)

		return fmt.Errorf("file-manager returned %s: %s", resp.Status, bytes.TrimSpace(body))
	}

	if consume == nil {
		_, _ = io.Copy(io.Discard, resp.Body)

		return nil
	}

	return consume(resp.Body)
}
