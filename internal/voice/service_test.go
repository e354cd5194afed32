package voice_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/book-expert/avatar-service/internal/config"
	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/avatar-service/internal/registry/memstore"
	"github.com/book-expert/avatar-service/internal/speech"
	"github.com/book-expert/avatar-service/internal/storage"
	"github.com/book-expert/avatar-service/internal/storage/local"
	"github.com/book-expert/avatar-service/internal/testsupport"
	"github.com/book-expert/avatar-service/internal/voice"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	service    *voice.Service
	store      *memstore.Store
	speech     *testsupport.Speech
	layout     config.Layout
	remoteRoot string
}

func newFixture(t *testing.T, result speech.TrainResult) fixture {
	t.Helper()

	layout := config.NewLayout(t.TempDir())
	remoteRoot := t.TempDir()
	backends := storage.NewBackends(local.New(layout.DataRoot), local.New(remoteRoot), layout.DataRoot)
	store := memstore.New()
	client := &testsupport.Speech{TrainResult: result}

	service := voice.NewService(store, client, backends, layout, testsupport.Logger(t)).WithTempDir(t.TempDir())

	return fixture{service: service, store: store, speech: client, layout: layout, remoteRoot: remoteRoot}
}

func clip(fx fixture) string {
	return filepath.Join(fx.layout.TTSTrain, "a.wav")
}

func accepted() speech.TrainResult {
	return speech.TrainResult{
		Accepted:           true,
		ASRFormatAudioURL:  "/code/data/origin_audio/format_a.wav",
		ReferenceAudioText: "reference",
	}
}

func TestTrain_StoresProfile(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, accepted())

	training, err := fx.service.Train(context.Background(), clip(fx), "zh", core.StorageLocal)

	require.NoError(t, err)
	require.True(t, training.Accepted)

	profile, err := fx.store.GetVoice(context.Background(), training.VoiceID)
	require.NoError(t, err)
	assert.Equal(t, "origin_audio/a.wav", profile.OriginAudioPath)
	assert.Equal(t, "zh", profile.Lang)
	assert.Equal(t, "reference", profile.ReferenceAudioText)
}

func TestTrain_RejectionIsAValue(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, speech.TrainResult{Accepted: false, Code: 1, Message: "too short"})

	training, err := fx.service.Train(context.Background(), clip(fx), "zh", core.StorageLocal)

	require.NoError(t, err)
	assert.False(t, training.Accepted)
	assert.Zero(t, training.VoiceID)
	assert.Equal(t, "too short", training.Message)

	voices, err := fx.service.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, voices)
}

func TestTrain_TransportFailureIsAnError(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, accepted())
	fx.speech.ShouldFail = true

	_, err := fx.service.Train(context.Background(), clip(fx), "zh", core.StorageLocal)

	require.ErrorIs(t, err, testsupport.ErrInjected)
}

func TestTrain_RemoteFetchesPreprocessedArtifacts(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, accepted())

	relTrain, err := filepath.Rel(fx.layout.DataRoot, fx.layout.TTSTrain)
	require.NoError(t, err)

	for _, name := range []string{"format_a.wav", "format_denoise_a.wav"} {
		remote := filepath.Join(fx.remoteRoot, relTrain, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(remote), 0o750))
		require.NoError(t, os.WriteFile(remote, []byte(name), 0o600))
	}

	training, err := fx.service.Train(context.Background(), clip(fx), "zh", core.StorageRemote)
	require.NoError(t, err)
	require.True(t, training.Accepted)
	require.Len(t, fx.speech.TrainCalls, 1)
	assert.Equal(t, "file://"+filepath.ToSlash(filepath.Join(fx.remoteRoot, relTrain, "a.wav")), fx.speech.TrainCalls[0])

	for _, name := range []string{"format_a.wav", "format_denoise_a.wav"} {
		data, readErr := os.ReadFile(filepath.Join(fx.layout.TTSTrain, name))
		require.NoError(t, readErr)
		assert.Equal(t, name, string(data))
	}
}

func TestMakeAudio_WritesUUIDNamedWAV(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, accepted())
	ctx := context.Background()

	training, err := fx.service.Train(ctx, clip(fx), "zh", core.StorageLocal)
	require.NoError(t, err)

	name, err := fx.service.MakeJobAudio(ctx, training.VoiceID, "hello")
	require.NoError(t, err)
	assert.Equal(t, ".wav", filepath.Ext(name))

	data, err := os.ReadFile(filepath.Join(fx.layout.TTSProduct, name))
	require.NoError(t, err)
	assert.Equal(t, "RIFF....WAVE", string(data))

	require.Len(t, fx.speech.RenderCalls, 1)
	request := fx.speech.RenderCalls[0]
	assert.Equal(t, name, request.Speaker+".wav")
	assert.Equal(t, "/code/data/origin_audio/format_a.wav", request.ReferenceAudio)
	assert.Equal(t, "reference", request.ReferenceText)
}

func TestAudition_RendersIntoTempDir(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, accepted())
	ctx := context.Background()

	training, err := fx.service.Train(ctx, clip(fx), "zh", core.StorageLocal)
	require.NoError(t, err)

	preview, err := fx.service.Audition(ctx, training.VoiceID, "preview")
	require.NoError(t, err)

	_, err = os.Stat(preview)
	require.NoError(t, err)
}

func TestMakeAudio_UnknownVoice(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, accepted())

	_, err := fx.service.MakeJobAudio(context.Background(), 99, "hello")

	require.ErrorIs(t, err, core.ErrNotFound)
}
