// Package memstore is an in-process registry used by tests and by the
// "memory" database driver.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/avatar-service/internal/registry"
)

// Store keeps all records in maps guarded by one mutex.
type Store struct {
	mu     sync.Mutex
	nextID int64
	voices map[int64]core.VoiceProfile
	models map[int64]core.SourceModel
	jobs   map[int64]core.SynthesisJob
}

var _ core.Registry = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		voices: make(map[int64]core.VoiceProfile),
		models: make(map[int64]core.SourceModel),
		jobs:   make(map[int64]core.SynthesisJob),
	}
}

func (s *Store) allocate() int64 {
	s.nextID++

	return s.nextID
}

func (s *Store) InsertVoice(_ context.Context, voice *core.VoiceProfile) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	registry.StampVoiceForInsert(voice, time.Now().UTC())
	voice.ID = s.allocate()
	s.voices[voice.ID] = *voice

	return voice.ID, nil
}

func (s *Store) GetVoice(_ context.Context, id int64) (*core.VoiceProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	voice, ok := s.voices[id]
	if !ok {
		return nil, fmt.Errorf("voice %d: %w", id, core.ErrNotFound)
	}

	return &voice, nil
}

func (s *Store) ListVoices(_ context.Context) ([]core.VoiceProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	voices := make([]core.VoiceProfile, 0, len(s.voices))
	for _, voice := range s.voices {
		voices = append(voices, voice)
	}

	registry.SortVoicesByID(voices)

	return voices, nil
}

func (s *Store) InsertModel(_ context.Context, model *core.SourceModel) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	registry.StampModelForInsert(model, time.Now().UTC())
	model.ID = s.allocate()
	s.models[model.ID] = *model

	return model.ID, nil
}

func (s *Store) GetModel(_ context.Context, id int64) (*core.SourceModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	model, ok := s.models[id]
	if !ok {
		return nil, fmt.Errorf("model %d: %w", id, core.ErrNotFound)
	}

	return &model, nil
}

func (s *Store) ListModels(_ context.Context, query core.ListQuery) ([]core.SourceModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	models := s.filterModels(query.Name)
	registry.SortModelsNewestFirst(models)

	return registry.Page(models, query), nil
}

func (s *Store) CountModels(_ context.Context, name string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.filterModels(name)), nil
}

func (s *Store) DeleteModel(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.models[id]; !ok {
		return fmt.Errorf("model %d: %w", id, core.ErrNotFound)
	}

	delete(s.models, id)

	return nil
}

func (s *Store) filterModels(name string) []core.SourceModel {
	models := make([]core.SourceModel, 0, len(s.models))

	for _, model := range s.models {
		if registry.NameMatches(model.Name, name) {
			models = append(models, model)
		}
	}

	return models
}

func (s *Store) InsertJob(_ context.Context, job *core.SynthesisJob) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := registry.StampJobForInsert(job, time.Now().UTC())
	if err != nil {
		return 0, err
	}

	job.ID = s.allocate()
	s.jobs[job.ID] = cloneJob(*job)

	return job.ID, nil
}

func (s *Store) GetJob(_ context.Context, id int64) (*core.SynthesisJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %d: %w", id, core.ErrNotFound)
	}

	job = cloneJob(job)

	return &job, nil
}

func (s *Store) UpdateJob(_ context.Context, job *core.SynthesisJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.jobs[job.ID]
	if !ok {
		return fmt.Errorf("job %d: %w", job.ID, core.ErrNotFound)
	}

	job.CreatedAt = existing.CreatedAt
	job.UpdatedAt = time.Now().UTC()
	s.jobs[job.ID] = cloneJob(*job)

	return nil
}

func (s *Store) UpdateDraft(_ context.Context, job *core.SynthesisJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.jobs[job.ID]
	if !ok {
		return fmt.Errorf("job %d: %w", job.ID, core.ErrNotFound)
	}

	if !existing.Status.Editable() {
		return fmt.Errorf("job %d is %s: %w", job.ID, existing.Status, core.ErrNotEditable)
	}

	job.CreatedAt = existing.CreatedAt
	job.UpdatedAt = time.Now().UTC()
	s.jobs[job.ID] = cloneJob(*job)

	return nil
}

func (s *Store) ListJobs(_ context.Context, query core.ListQuery) ([]core.SynthesisJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := s.filterJobs(func(job core.SynthesisJob) bool { return registry.NameMatches(job.Name, query.Name) })
	registry.SortJobsNewestFirst(jobs)

	return registry.Page(jobs, query), nil
}

func (s *Store) CountJobs(_ context.Context, name string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.filterJobs(func(job core.SynthesisJob) bool { return registry.NameMatches(job.Name, name) })), nil
}

func (s *Store) JobsByStatus(_ context.Context, status core.JobStatus) ([]core.SynthesisJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := s.filterJobs(func(job core.SynthesisJob) bool { return job.Status == status })
	registry.SortJobsInsertionOrder(jobs)

	return jobs, nil
}

func (s *Store) DeleteJob(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("job %d: %w", id, core.ErrNotFound)
	}

	delete(s.jobs, id)

	return nil
}

func (s *Store) filterJobs(keep func(core.SynthesisJob) bool) []core.SynthesisJob {
	jobs := make([]core.SynthesisJob, 0, len(s.jobs))

	for _, job := range s.jobs {
		if keep(job) {
			jobs = append(jobs, cloneJob(job))
		}
	}

	return jobs
}

// cloneJob detaches the SubmittedAt pointer from the stored row.
func cloneJob(job core.SynthesisJob) core.SynthesisJob {
	if job.SubmittedAt != nil {
		submitted := *job.SubmittedAt
		job.SubmittedAt = &submitted
	}

	return job
}
