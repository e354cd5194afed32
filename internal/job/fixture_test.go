package job_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/book-expert/avatar-service/internal/config"
	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/avatar-service/internal/facade"
	"github.com/book-expert/avatar-service/internal/job"
	"github.com/book-expert/avatar-service/internal/registry/memstore"
	"github.com/book-expert/avatar-service/internal/speech"
	"github.com/book-expert/avatar-service/internal/storage"
	"github.com/book-expert/avatar-service/internal/storage/local"
	"github.com/book-expert/avatar-service/internal/testsupport"
	"github.com/book-expert/avatar-service/internal/voice"
	"github.com/stretchr/testify/require"
)

const modelVideo = "v.mp4"

type fixture struct {
	t          *testing.T
	layout     config.Layout
	remoteRoot string
	store      *memstore.Store
	backends   *storage.Backends
	speech     *testsupport.Speech
	video      *testsupport.Video
	media      *testsupport.Media
	events     *testsupport.Publisher
	service    *job.Service
	voices     *voice.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	layout := config.NewLayout(t.TempDir())
	remoteRoot := t.TempDir()
	store := memstore.New()
	backends := storage.NewBackends(local.New(layout.DataRoot), local.New(remoteRoot), layout.DataRoot)
	log := testsupport.Logger(t)
	client := &testsupport.Speech{TrainResult: speech.TrainResult{Accepted: true, ReferenceAudioText: "ref"}}
	events := &testsupport.Publisher{}

	return &fixture{
		t:          t,
		layout:     layout,
		remoteRoot: remoteRoot,
		store:      store,
		backends:   backends,
		speech:     client,
		video:      &testsupport.Video{SubmitResult: facade.SubmitResponse{Code: facade.CodeAccepted, Msg: "ok"}},
		media:      &testsupport.Media{Duration: 12.5},
		events:     events,
		service:    job.NewService(store, store, backends, layout, events, log),
		voices:     voice.NewService(store, client, backends, layout, log),
	}
}

func (fx *fixture) scheduler(opts job.Options) *job.Scheduler {
	fx.t.Helper()

	if opts.ReconcileMode == "" {
		opts.ReconcileMode = config.ReconcileKeepLocal
	}

	return job.NewScheduler(
		fx.store, fx.store, fx.voices, fx.video, fx.media,
		fx.backends, fx.layout, fx.events, testsupport.Logger(fx.t), opts,
	)
}

// addModel stores a model with a trained voice and writes its video in both backends.
func (fx *fixture) addModel(mode core.StorageMode) *core.SourceModel {
	fx.t.Helper()

	ctx := context.Background()

	voiceID, err := fx.store.InsertVoice(ctx, &core.VoiceProfile{Lang: "zh", ASRFormatAudioURL: "format.wav"})
	require.NoError(fx.t, err)

	m := &core.SourceModel{Name: "anchor", VideoPath: modelVideo, AudioPath: "origin_audio/v.wav", VoiceID: voiceID, Storage: mode}
	_, err = fx.store.InsertModel(ctx, m)
	require.NoError(fx.t, err)

	fx.writeLocal(fx.layout.ModelFile(modelVideo), "video")
	fx.writeRemote(fx.layout.ModelFile(modelVideo), "video")

	return m
}

func (fx *fixture) addJob(modelID int64, name string) *core.SynthesisJob {
	fx.t.Helper()

	saved, err := fx.service.Save(context.Background(), job.Draft{ModelID: modelID, Name: name, TextContent: "hello"})
	require.NoError(fx.t, err)

	return saved
}

func (fx *fixture) enqueue(modelID int64, name string) *core.SynthesisJob {
	fx.t.Helper()

	saved := fx.addJob(modelID, name)

	queued, err := fx.service.Submit(context.Background(), saved.ID)
	require.NoError(fx.t, err)

	return queued
}

func (fx *fixture) get(id int64) *core.SynthesisJob {
	fx.t.Helper()

	stored, err := fx.store.GetJob(context.Background(), id)
	require.NoError(fx.t, err)

	return stored
}

func (fx *fixture) writeLocal(path, content string) {
	fx.t.Helper()

	require.NoError(fx.t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(fx.t, os.WriteFile(path, []byte(content), 0o600))
}

// remotePath maps a path under the data root onto the remote backend.
func (fx *fixture) remotePath(path string) string {
	fx.t.Helper()

	key, err := fx.backends.Key(path)
	require.NoError(fx.t, err)

	return filepath.Join(fx.remoteRoot, filepath.FromSlash(key))
}

func (fx *fixture) writeRemote(path, content string) {
	fx.t.Helper()

	fx.writeLocal(fx.remotePath(path), content)
}

func succeeded(result string) facade.StatusResponse {
	return facade.StatusResponse{
		Code: facade.CodeAccepted,
		Data: facade.TaskData{Status: facade.TaskSucceeded, Progress: 100, Result: result},
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)

	return err == nil
}
