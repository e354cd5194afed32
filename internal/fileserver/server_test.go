package fileserver_test

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/book-expert/avatar-service/internal/fileserver"
	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()

	root := t.TempDir()

	log, err := logger.New(t.TempDir(), "fileserver-test.log")
	require.NoError(t, err)

	server, err := fileserver.New(root, log)
	require.NoError(t, err)

	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(httpServer.Close)

	return httpServer, root
}

func multipartBody(t *testing.T, filename, content string) (*bytes.Buffer, string) {
	t.Helper()

	var body bytes.Buffer

	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	return &body, writer.FormDataContentType()
}

func TestSanitizePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"../../etc", "etc"},
		{"a/../b", "a/b"},
		{`models\video`, "models/video"},
		{"", ""},
		{"/abs/dir/", "abs/dir"},
		{"....//x", "x"},
	}

	for _, testCase := range tests {
		assert.Equal(t, testCase.want, fileserver.SanitizePath(testCase.in), testCase.in)
	}
}

func TestConfine(t *testing.T) {
	t.Parallel()

	root := filepath.Join("srv", "import")

	resolved, err := fileserver.Confine(root, "clips/intro.mp4")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "clips", "intro.mp4"), resolved)

	resolved, err = fileserver.Confine(root, `clips\a..b.wav`)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "clips", "a..b.wav"), resolved)

	for _, rejected := range []string{"", ".", "../secret", "clips/../../etc/passwd", `..\x`, "/etc/passwd"} {
		_, err = fileserver.Confine(root, rejected)
		require.ErrorIs(t, err, fileserver.ErrOutsideRoot, rejected)
	}
}

func TestUploadDownloadListDelete(t *testing.T) {
	t.Parallel()

	server, root := newTestServer(t)

	body, contentType := multipartBody(t, "clip.wav", "RIFF....WAVE")

	resp, err := http.Post(server.URL+"/upload?path=heygem_data/temp", contentType, body)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stored, err := os.ReadFile(filepath.Join(root, "heygem_data", "temp", "clip.wav"))
	require.NoError(t, err)
	assert.Equal(t, "RIFF....WAVE", string(stored))

	resp, err = http.Get(server.URL + "/download?filename=clip.wav&path=heygem_data/temp")
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "RIFF....WAVE", string(data))

	resp, err = http.Get(server.URL + "/files?path=heygem_data/temp")
	require.NoError(t, err)

	var names []string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&names))
	resp.Body.Close()
	assert.Equal(t, []string{"clip.wav"}, names)

	req, err := http.NewRequest(http.MethodDelete, server.URL+"/delete",
		strings.NewReader(`{"filename":"clip.wav","path":"heygem_data/temp"}`))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, statErr := os.Stat(filepath.Join(root, "heygem_data", "temp", "clip.wav"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestUpload_TraversalStaysInsideRoot(t *testing.T) {
	t.Parallel()

	server, root := newTestServer(t)

	body, contentType := multipartBody(t, "passwd", "x")

	resp, err := http.Post(server.URL+"/upload?path=../../etc", contentType, body)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, statErr := os.Stat(filepath.Join(root, "etc", "passwd"))
	require.NoError(t, statErr)
}

func TestValidationErrors(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/download?path=x")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(server.URL + "/download?filename=missing.mp4")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(server.URL + "/files?path=nowhere")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(server.URL+"/mkdir", "application/json", strings.NewReader(`{"path":""}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(server.URL+"/upload", "text/plain", strings.NewReader("nope"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMkdirAndHealth(t *testing.T) {
	t.Parallel()

	server, root := newTestServer(t)

	resp, err := http.Post(server.URL+"/mkdir", "application/json", strings.NewReader(`{"path":"a/b/c"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	info, err := os.Stat(filepath.Join(root, "a", "b", "c"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	resp, err = http.Get(server.URL + "/health")
	require.NoError(t, err)
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "OK", string(data))
}
