// Package registrytest is a behavioural test suite run against every
// core.Registry implementation.
package registrytest

import (
	"context"
	"testing"
	"time"

	"github.com/book-expert/avatar-service/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty registry for one subtest.
type Factory func(t *testing.T) core.Registry

// Run executes the suite.
func Run(t *testing.T, newRegistry Factory) {
	t.Helper()

	t.Run("voices", func(t *testing.T) { testVoices(t, newRegistry(t)) })
	t.Run("models", func(t *testing.T) { testModels(t, newRegistry(t)) })
	t.Run("jobs", func(t *testing.T) { testJobs(t, newRegistry(t)) })
	t.Run("jobs by status keeps insertion order", func(t *testing.T) { testJobsByStatus(t, newRegistry(t)) })
	t.Run("missing records", func(t *testing.T) { testMissing(t, newRegistry(t)) })
	t.Run("draft updates are conditional", func(t *testing.T) { testUpdateDraft(t, newRegistry(t)) })
	t.Run("name filter is literal", func(t *testing.T) { testLiteralNameFilter(t, newRegistry(t)) })
}

func testVoices(t *testing.T, reg core.Registry) {
	t.Helper()

	ctx := context.Background()

	id, err := reg.InsertVoice(ctx, &core.VoiceProfile{
		OriginAudioPath:    "origin_audio/a.wav",
		Lang:               "zh",
		ASRFormatAudioURL:  "/code/data/origin_audio/format_a.wav",
		ReferenceAudioText: "hello",
	})
	require.NoError(t, err)
	require.NotZero(t, id)

	voice, err := reg.GetVoice(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "origin_audio/a.wav", voice.OriginAudioPath)
	assert.Equal(t, "hello", voice.ReferenceAudioText)
	assert.False(t, voice.CreatedAt.IsZero())

	_, err = reg.InsertVoice(ctx, &core.VoiceProfile{OriginAudioPath: "origin_audio/b.wav", Lang: "en"})
	require.NoError(t, err)

	voices, err := reg.ListVoices(ctx)
	require.NoError(t, err)
	assert.Len(t, voices, 2)
}

func testModels(t *testing.T, reg core.Registry) {
	t.Helper()

	ctx := context.Background()

	for _, name := range []string{"alice", "bob", "alice-2"} {
		_, err := reg.InsertModel(ctx, &core.SourceModel{
			Name:      name,
			VideoPath: name + ".mp4",
			AudioPath: "origin_audio/" + name + ".wav",
			VoiceID:   7,
			Storage:   core.StorageRemote,
		})
		require.NoError(t, err)
	}

	total, err := reg.CountModels(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	filtered, err := reg.CountModels(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, filtered)

	page, err := reg.ListModels(ctx, core.ListQuery{Page: 1, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "alice-2", page[0].Name)
	assert.Equal(t, core.StorageRemote, page[0].Storage)

	second, err := reg.ListModels(ctx, core.ListQuery{Page: 2, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "alice", second[0].Name)

	require.NoError(t, reg.DeleteModel(ctx, second[0].ID))

	_, err = reg.GetModel(ctx, second[0].ID)
	require.ErrorIs(t, err, core.ErrNotFound)
}

func testJobs(t *testing.T, reg core.Registry) {
	t.Helper()

	ctx := context.Background()

	id, err := reg.InsertJob(ctx, &core.SynthesisJob{ModelID: 1, Name: "intro", TextContent: "hello"})
	require.NoError(t, err)

	job, err := reg.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.JobDraft, job.Status)
	assert.Equal(t, core.StorageLocal, job.Storage)
	assert.Nil(t, job.SubmittedAt)

	submitted := time.Now().UTC().Truncate(time.Millisecond)
	job.Status = core.JobPending
	job.Code = "token-1"
	job.Param = `{"code":"token-1"}`
	job.Progress = 40
	job.SubmittedAt = &submitted
	require.NoError(t, reg.UpdateJob(ctx, job))

	reloaded, err := reg.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.JobPending, reloaded.Status)
	assert.Equal(t, "token-1", reloaded.Code)
	assert.Equal(t, 40, reloaded.Progress)
	require.NotNil(t, reloaded.SubmittedAt)
	assert.True(t, submitted.Equal(*reloaded.SubmittedAt))

	count, err := reg.CountJobs(ctx, "int")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	jobs, err := reg.ListJobs(ctx, core.ListQuery{Page: 1, PageSize: 10, Name: "nothing"})
	require.NoError(t, err)
	assert.Empty(t, jobs)

	require.NoError(t, reg.DeleteJob(ctx, id))

	_, err = reg.GetJob(ctx, id)
	require.ErrorIs(t, err, core.ErrNotFound)
}

func testJobsByStatus(t *testing.T, reg core.Registry) {
	t.Helper()

	ctx := context.Background()

	var ids []int64

	for _, name := range []string{"first", "second", "third"} {
		id, err := reg.InsertJob(ctx, &core.SynthesisJob{ModelID: 1, Name: name, Status: core.JobWaiting})
		require.NoError(t, err)

		ids = append(ids, id)
	}

	_, err := reg.InsertJob(ctx, &core.SynthesisJob{ModelID: 1, Name: "draft"})
	require.NoError(t, err)

	waiting, err := reg.JobsByStatus(ctx, core.JobWaiting)
	require.NoError(t, err)
	require.Len(t, waiting, 3)

	for i, job := range waiting {
		assert.Equal(t, ids[i], job.ID)
	}

	pending, err := reg.JobsByStatus(ctx, core.JobPending)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func testMissing(t *testing.T, reg core.Registry) {
	t.Helper()

	ctx := context.Background()

	_, err := reg.GetVoice(ctx, 404)
	require.ErrorIs(t, err, core.ErrNotFound)

	_, err = reg.GetModel(ctx, 404)
	require.ErrorIs(t, err, core.ErrNotFound)

	_, err = reg.GetJob(ctx, 404)
	require.ErrorIs(t, err, core.ErrNotFound)

	err = reg.UpdateJob(ctx, &core.SynthesisJob{ID: 404, ModelID: 1})
	require.ErrorIs(t, err, core.ErrNotFound)

	require.ErrorIs(t, reg.DeleteJob(ctx, 404), core.ErrNotFound)
	require.ErrorIs(t, reg.DeleteModel(ctx, 404), core.ErrNotFound)
}

func testUpdateDraft(t *testing.T, reg core.Registry) {
	t.Helper()

	ctx := context.Background()

	id, err := reg.InsertJob(ctx, &core.SynthesisJob{ModelID: 1, Name: "intro", TextContent: "hello"})
	require.NoError(t, err)

	job, err := reg.GetJob(ctx, id)
	require.NoError(t, err)

	job.Status = core.JobWaiting
	require.NoError(t, reg.UpdateDraft(ctx, job))

	stale := *job
	stale.Name = "late edit"

	job.Status = core.JobPending
	job.Code = "token-1"
	require.NoError(t, reg.UpdateJob(ctx, job))

	err = reg.UpdateDraft(ctx, &stale)
	require.ErrorIs(t, err, core.ErrNotEditable)

	stored, err := reg.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.JobPending, stored.Status)
	assert.Equal(t, "intro", stored.Name)
	assert.Equal(t, "token-1", stored.Code)

	err = reg.UpdateDraft(ctx, &core.SynthesisJob{ID: 404, ModelID: 1})
	require.ErrorIs(t, err, core.ErrNotFound)
}

func testLiteralNameFilter(t *testing.T, reg core.Registry) {
	t.Helper()

	ctx := context.Background()

	for _, name := range []string{"100% done", "plain", "snake_case", "snakeXcase"} {
		_, err := reg.InsertJob(ctx, &core.SynthesisJob{ModelID: 1, Name: name})
		require.NoError(t, err)

		_, err = reg.InsertModel(ctx, &core.SourceModel{Name: name, VideoPath: name + ".mp4"})
		require.NoError(t, err)
	}

	count, err := reg.CountJobs(ctx, "%")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	jobs, err := reg.ListJobs(ctx, core.ListQuery{Page: 1, PageSize: 10, Name: "e_c"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "snake_case", jobs[0].Name)

	count, err = reg.CountModels(ctx, "_")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	models, err := reg.ListModels(ctx, core.ListQuery{Page: 1, PageSize: 10, Name: "%"})
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "100% done", models[0].Name)
}
