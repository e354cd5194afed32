package facade_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/book-expert/avatar-service/internal/facade"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmit_SendsFixedFlags(t *testing.T) {
	t.Parallel()

	var received map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/easy/submit", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		_, _ = w.Write([]byte(`{"code":10000,"msg":"ok"}`))
	}))
	defer server.Close()

	client := facade.NewHTTPClient(server.URL+"/easy/", time.Second)

	resp, err := client.Submit(context.Background(), facade.NewSubmitRequest("a.wav", "v.mp4", "token-1"))

	require.NoError(t, err)
	assert.True(t, resp.Accepted())
	assert.Equal(t, map[string]any{
		"audio_url":        "a.wav",
		"video_url":        "v.mp4",
		"code":             "token-1",
		"chaofen":          float64(0),
		"watermark_switch": float64(0),
		"pn":               float64(1),
	}, received)
}

func TestSubmit_Rejected(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"code":10001,"msg":"busy"}`))
	}))
	defer server.Close()

	resp, err := facade.NewHTTPClient(server.URL, time.Second).
		Submit(context.Background(), facade.NewSubmitRequest("a", "v", "t"))

	require.NoError(t, err)
	assert.False(t, resp.Accepted())
	assert.Equal(t, "busy", resp.Msg)
}

func TestQuery_DecodesTaskData(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/query", r.URL.Path)
		assert.Equal(t, "token 1", r.URL.Query().Get("code"))

		_, _ = w.Write([]byte(`{"code":10000,"data":{"status":2,"progress":100,"msg":"done","result":"out.mp4"}}`))
	}))
	defer server.Close()

	resp, err := facade.NewHTTPClient(server.URL, time.Second).Query(context.Background(), "token 1")

	require.NoError(t, err)
	assert.False(t, resp.Fatal())
	assert.Equal(t, facade.TaskSucceeded, resp.Data.Status)
	assert.Equal(t, "out.mp4", resp.Data.Result)
	assert.InDelta(t, 100, resp.Data.Progress, 1e-9)
}

func TestStatusResponse_Fatal(t *testing.T) {
	t.Parallel()

	for _, code := range []int{9999, 10002, 10003} {
		assert.True(t, facade.StatusResponse{Code: code}.Fatal(), code)
	}

	assert.False(t, facade.StatusResponse{Code: facade.CodeAccepted}.Fatal())
}

func TestQuery_HTTPErrorIsAnError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gateway", http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := facade.NewHTTPClient(server.URL, time.Second).Query(context.Background(), "t")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
