package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/book-expert/avatar-service/internal/api"
	"github.com/book-expert/avatar-service/internal/config"
	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/avatar-service/internal/job"
	"github.com/book-expert/avatar-service/internal/model"
	"github.com/book-expert/avatar-service/internal/notify"
	"github.com/book-expert/avatar-service/internal/registry/memstore"
	"github.com/book-expert/avatar-service/internal/speech"
	"github.com/book-expert/avatar-service/internal/storage"
	"github.com/book-expert/avatar-service/internal/storage/local"
	"github.com/book-expert/avatar-service/internal/testsupport"
	"github.com/book-expert/avatar-service/internal/voice"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	server *httptest.Server
	store  *memstore.Store
	hub    *api.Hub
	layout config.Layout
	roots  api.Roots
	source string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	layout := config.NewLayout(t.TempDir())
	store := memstore.New()
	backends := storage.NewBackends(local.New(layout.DataRoot), nil, layout.DataRoot)
	log := testsupport.Logger(t)
	client := &testsupport.Speech{TrainResult: speech.TrainResult{Accepted: true, ReferenceAudioText: "ref"}}

	hub := api.NewHub(log)
	voices := voice.NewService(store, client, backends, layout, log).WithTempDir(t.TempDir())
	models := model.NewService(store, &testsupport.Media{}, voices, backends, layout, "zh", log)
	jobs := job.NewService(store, store, backends, layout, notify.Fanout{hub}, log)

	roots := api.Roots{Import: t.TempDir(), Export: t.TempDir()}

	server := httptest.NewServer(api.NewServer(jobs, models, voices, hub, roots, log).Handler())
	t.Cleanup(server.Close)

	require.NoError(t, os.WriteFile(filepath.Join(roots.Import, "source.mp4"), []byte("video"), 0o600))

	return &fixture{server: server, store: store, hub: hub, layout: layout, roots: roots, source: "source.mp4"}
}

func (fx *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader *bytes.Reader

	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		data, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, fx.server.URL+path, reader)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)

	return resp, buf.Bytes()
}

func (fx *fixture) createModel(t *testing.T) core.SourceModel {
	t.Helper()

	resp, body := fx.do(t, http.MethodPost, "/models", api.AddModelRequest{Name: "anchor", VideoPath: fx.source})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var created core.SourceModel
	require.NoError(t, json.Unmarshal(body, &created))

	return created
}

func (fx *fixture) createJob(t *testing.T, modelID int64) core.SynthesisJob {
	t.Helper()

	resp, body := fx.do(t, http.MethodPost, "/jobs", job.Draft{ModelID: modelID, Name: "intro", TextContent: "hello"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var created core.SynthesisJob
	require.NoError(t, json.Unmarshal(body, &created))

	return created
}

func jobPath(id int64, suffix string) string {
	return "/jobs/" + strconv.FormatInt(id, 10) + suffix
}

func TestHealth(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)

	resp, body := fx.do(t, http.MethodGet, "/healthz", nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"ok"`)
}

func TestModels_CreateListGetDelete(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	created := fx.createModel(t)

	assert.Equal(t, core.StorageLocal, created.Storage)
	assert.NotZero(t, created.VoiceID)

	resp, body := fx.do(t, http.MethodGet, "/models?page=1&size=5&name=anc", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var page model.Page
	require.NoError(t, json.Unmarshal(body, &page))
	assert.Equal(t, 1, page.Total)
	require.Len(t, page.List, 1)
	assert.Equal(t, fx.layout.ModelFile(created.VideoPath), page.List[0].VideoPath)

	resp, _ = fx.do(t, http.MethodGet, "/models/"+strconv.FormatInt(created.ID, 10), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = fx.do(t, http.MethodDelete, "/models/"+strconv.FormatInt(created.ID, 10), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = fx.do(t, http.MethodGet, "/models/"+strconv.FormatInt(created.ID, 10), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestModels_Validation(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)

	resp, _ := fx.do(t, http.MethodPost, "/models", api.AddModelRequest{Name: "", VideoPath: fx.source})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = fx.do(t, http.MethodPost, "/models", api.AddModelRequest{Name: "x", VideoPath: "missing.mp4"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = fx.do(t, http.MethodGet, "/models/abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestVoices_ListAndAudition(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	created := fx.createModel(t)

	resp, body := fx.do(t, http.MethodGet, "/voices", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var voices []core.VoiceProfile
	require.NoError(t, json.Unmarshal(body, &voices))
	require.Len(t, voices, 1)

	path := "/voices/" + strconv.FormatInt(created.VoiceID, 10) + "/audition"

	resp, body = fx.do(t, http.MethodPost, path, api.AuditionRequest{Text: "preview"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Contains(t, string(body), ".wav")

	resp, _ = fx.do(t, http.MethodPost, path, api.AuditionRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestJobs_Lifecycle(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	created := fx.createJob(t, fx.createModel(t).ID)
	assert.Equal(t, core.JobDraft, created.Status)

	name := "renamed"
	resp, body := fx.do(t, http.MethodPatch, jobPath(created.ID, ""), job.Patch{Name: &name})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Contains(t, string(body), `"name":"renamed"`)

	resp, body = fx.do(t, http.MethodPut, jobPath(created.ID, ""),
		job.Draft{ModelID: created.ModelID, Name: "replaced", TextContent: "new text"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Contains(t, string(body), `"text_content":"new text"`)

	resp, body = fx.do(t, http.MethodPost, jobPath(created.ID, "/submit"), nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"waiting"`)

	resp, body = fx.do(t, http.MethodGet, "/jobs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var page job.Page
	require.NoError(t, json.Unmarshal(body, &page))
	require.Len(t, page.List, 1)
	assert.Equal(t, "1 / 1", page.List[0].Message)

	resp, _ = fx.do(t, http.MethodPost, jobPath(created.ID, "/export"), api.ExportRequest{OutPath: "o.mp4"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = fx.do(t, http.MethodDelete, jobPath(created.ID, ""), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = fx.do(t, http.MethodGet, jobPath(created.ID, ""), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJobs_ErrorMapping(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	modelID := fx.createModel(t).ID
	created := fx.createJob(t, modelID)

	resp, _ := fx.do(t, http.MethodPost, "/jobs", job.Draft{ModelID: modelID})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = fx.do(t, http.MethodPost, "/jobs", job.Draft{ModelID: 999, Name: "x", TextContent: "y"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, fx.server.URL+"/jobs", strings.NewReader("{"))
	require.NoError(t, err)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)

	stored, err := fx.store.GetJob(context.Background(), created.ID)
	require.NoError(t, err)
	stored.Status = core.JobPending
	stored.Code = "token"
	require.NoError(t, fx.store.UpdateJob(context.Background(), stored))

	name := "late edit"
	resp, body := fx.do(t, http.MethodPatch, jobPath(created.ID, ""), job.Patch{Name: &name})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var failure api.ErrorResponse
	require.NoError(t, json.Unmarshal(body, &failure))
	assert.Contains(t, failure.Error, "locked")

	resp, _ = fx.do(t, http.MethodPost, jobPath(created.ID, "/submit"), nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestPaths_ConfinedToRoots(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	outside := filepath.Join(t.TempDir(), "secret.wav")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o600))

	for _, videoPath := range []string{"../source.mp4", outside, "clips/../../source.mp4"} {
		resp, body := fx.do(t, http.MethodPost, "/models", api.AddModelRequest{Name: "anchor", VideoPath: videoPath})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, videoPath)
		assert.Contains(t, string(body), "inside its root")
	}

	created := fx.createModel(t)

	resp, _ := fx.do(t, http.MethodPost, "/jobs", job.Draft{ModelID: created.ID, Name: "x", AudioPath: outside})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = fx.do(t, http.MethodPost, "/jobs", job.Draft{ModelID: created.ID, Name: "x", AudioPath: "../../secret.wav"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	draft := fx.createJob(t, created.ID)

	resp, _ = fx.do(t, http.MethodPut, jobPath(draft.ID, ""), job.Draft{ModelID: created.ID, Name: "x", AudioPath: "../x.wav"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = fx.do(t, http.MethodPost, jobPath(draft.ID, "/export"), api.ExportRequest{OutPath: "../../etc/cron.d/x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	jobs, err := fx.store.CountJobs(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, jobs)
}

func TestJobs_AudioOverrideFromImportRoot(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	created := fx.createModel(t)
	require.NoError(t, os.MkdirAll(filepath.Join(fx.roots.Import, "voice"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(fx.roots.Import, "voice", "take1.wav"), []byte("wav"), 0o600))

	resp, body := fx.do(t, http.MethodPost, "/jobs", job.Draft{ModelID: created.ID, Name: "dub", AudioPath: "voice/take1.wav"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var saved core.SynthesisJob
	require.NoError(t, json.Unmarshal(body, &saved))
	assert.FileExists(t, fx.layout.ProductFile(saved.AudioPath))
}

func TestWebsocket_StreamsJobEvents(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	modelID := fx.createModel(t).ID

	wsURL := "ws" + strings.TrimPrefix(fx.server.URL, "http") + "/ws"

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool { return fx.hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	created := fx.createJob(t, modelID)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var event core.JobEvent
	require.NoError(t, conn.ReadJSON(&event))

	assert.Equal(t, created.ID, event.JobID)
	assert.Equal(t, core.JobDraft, event.Status)
}

func TestWebsocket_FiltersByJob(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	modelID := fx.createModel(t).ID
	first := fx.createJob(t, modelID)
	second := fx.createJob(t, modelID)

	wsURL := "ws" + strings.TrimPrefix(fx.server.URL, "http") + "/ws?job=" + strconv.FormatInt(second.ID, 10)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool { return fx.hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	resp, _ = fx.do(t, http.MethodPost, jobPath(first.ID, "/submit"), nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, _ = fx.do(t, http.MethodPost, jobPath(second.ID, "/submit"), nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var event core.JobEvent
	require.NoError(t, conn.ReadJSON(&event))

	assert.Equal(t, second.ID, event.JobID)
	assert.Equal(t, core.JobWaiting, event.Status)

	badResp, _ := fx.do(t, http.MethodGet, "/ws?job=abc", nil)
	assert.Equal(t, http.StatusBadRequest, badResp.StatusCode)
}

func TestWebsocket_SilentClientDoesNotStallPublisher(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	ctx := context.Background()
	baseURL := "ws" + strings.TrimPrefix(fx.server.URL, "http") + "/ws"

	// never reads, so the server's writes back up once the socket buffers fill
	silent, resp, err := websocket.DefaultDialer.Dial(baseURL, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { _ = silent.Close() })

	watcher, resp, err := websocket.DefaultDialer.Dial(baseURL+"?job=99", nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { _ = watcher.Close() })

	require.Eventually(t, func() bool { return fx.hub.Clients() == 2 }, time.Second, 5*time.Millisecond)

	flood := core.JobEvent{JobID: 1, Status: core.JobPending, Message: strings.Repeat("x", 8192)}
	published := make(chan struct{})

	go func() {
		defer close(published)

		for range 2000 {
			_ = fx.hub.PublishJobEvent(ctx, flood)
		}
	}()

	select {
	case <-published:
	case <-time.After(3 * time.Second):
		t.Fatal("publishing blocked on a client that is not reading")
	}

	require.NoError(t, fx.hub.PublishJobEvent(ctx, core.JobEvent{JobID: 99, Status: core.JobSuccess}))

	require.NoError(t, watcher.SetReadDeadline(time.Now().Add(2*time.Second)))

	var event core.JobEvent
	require.NoError(t, watcher.ReadJSON(&event))

	assert.Equal(t, int64(99), event.JobID)
	assert.Equal(t, core.JobSuccess, event.Status)
}
