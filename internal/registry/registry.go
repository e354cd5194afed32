// Package registry holds helpers shared by the record store implementations.
// Listings are newest first; JobsByStatus is oldest first.
package registry

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/book-expert/avatar-service/internal/core"
)

// ErrInvalidRecord is returned when a record cannot be persisted as given.
var ErrInvalidRecord = errors.New("invalid record")

// Record kinds, also used as key prefixes by stores that need them.
const (
	KindVoice = "voice"
	KindModel = "model"
	KindJob   = "job"
)

// NameMatches reports whether name passes a substring filter. An empty filter matches all.
func NameMatches(name, filter string) bool {
	return filter == "" || strings.Contains(name, filter)
}

// Page slices one page out of an already ordered listing.
func Page[T any](items []T, query core.ListQuery) []T {
	offset := query.Offset()
	if offset >= len(items) {
		return []T{}
	}

	end := min(offset+query.Limit(), len(items))

	return items[offset:end]
}

// SortVoicesByID orders voices by ascending id.
func SortVoicesByID(voices []core.VoiceProfile) {
	sort.Slice(voices, func(i, j int) bool { return voices[i].ID < voices[j].ID })
}

// SortModelsNewestFirst orders models by descending id.
func SortModelsNewestFirst(models []core.SourceModel) {
	sort.Slice(models, func(i, j int) bool { return models[i].ID > models[j].ID })
}

// SortJobsNewestFirst orders jobs by descending id.
func SortJobsNewestFirst(jobs []core.SynthesisJob) {
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID > jobs[j].ID })
}

// SortJobsInsertionOrder orders jobs by ascending id.
func SortJobsInsertionOrder(jobs []core.SynthesisJob) {
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
}

// StampJobForInsert fills the defaults of a new job row.
func StampJobForInsert(job *core.SynthesisJob, now time.Time) error {
	if job.ModelID == 0 {
		return errors.Join(ErrInvalidRecord, errors.New("job has no model"))
	}

	if job.Status == "" {
		job.Status = core.JobDraft
	}

	if job.Storage == "" {
		job.Storage = core.StorageLocal
	}

	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}

	job.UpdatedAt = now

	return nil
}

// StampModelForInsert fills the defaults of a new model row.
func StampModelForInsert(model *core.SourceModel, now time.Time) {
	if model.Storage == "" {
		model.Storage = core.StorageLocal
	}

	if model.CreatedAt.IsZero() {
		model.CreatedAt = now
	}
}

// StampVoiceForInsert fills the defaults of a new voice row.
func StampVoiceForInsert(voice *core.VoiceProfile, now time.Time) {
	if voice.CreatedAt.IsZero() {
		voice.CreatedAt = now
	}
}
