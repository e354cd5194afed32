// Package job owns synthesis jobs: the user-facing operations that create,
// edit, enqueue and remove them, and the scheduler that drives them through
// the video generation service.
package job

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/avatar-service/internal/config"
	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/avatar-service/internal/storage"
	"github.com/book-expert/logger"
)

var (
	// ErrJobLocked is returned when a job is changed outside draft or waiting.
	ErrJobLocked = errors.New("job is locked")
	// ErrValidation is the parent of every input validation error.
	ErrValidation = errors.New("invalid job")
	// ErrNameRequired is returned when a job has no name.
	ErrNameRequired = fmt.Errorf("%w: name is required", ErrValidation)
	// ErrModelRequired is returned when a job has no model.
	ErrModelRequired = fmt.Errorf("%w: model is required", ErrValidation)
	// ErrScriptRequired is returned when a job has neither text nor audio.
	ErrScriptRequired = fmt.Errorf("%w: text or audio is required", ErrValidation)
	// ErrNotFinished is returned when exporting a job that has not succeeded.
	ErrNotFinished = errors.New("job has not finished successfully")
)

// Draft holds the user-editable fields of a job. A zero ID creates a job.
// AudioPath, when set, names a local file that is copied in as the audio
// override.
type Draft struct {
	ID          int64  `json:"id,omitempty"`
	ModelID     int64  `json:"model_id"`
	Name        string `json:"name"`
	AudioPath   string `json:"audio_path,omitempty"`
	TextContent string `json:"text_content,omitempty"`
	VoiceID     int64  `json:"voice_id,omitempty"`
}

// Patch changes a subset of a job's draft fields. Nil fields are kept.
type Patch struct {
	Name        *string `json:"name,omitempty"`
	TextContent *string `json:"text_content,omitempty"`
	VoiceID     *int64  `json:"voice_id,omitempty"`
}

// Page is one page of jobs plus the filtered total.
type Page struct {
	Total int                 `json:"total"`
	List  []core.SynthesisJob `json:"list"`
}

// Service implements the job operations invoked by users.
type Service struct {
	jobs      core.JobStore
	models    core.ModelStore
	backends  *storage.Backends
	layout    config.Layout
	publisher core.JobEventPublisher
	log       *logger.Logger
	now       func() time.Time
}

// NewService creates a job service. publisher may be nil.
func NewService(
	jobs core.JobStore,
	models core.ModelStore,
	backends *storage.Backends,
	layout config.Layout,
	publisher core.JobEventPublisher,
	log *logger.Logger,
) *Service {
	return &Service{
		jobs:      jobs,
		models:    models,
		backends:  backends,
		layout:    layout,
		publisher: publisher,
		log:       log,
		now:       time.Now,
	}
}

// Save creates a draft job or updates the draft fields of an existing one.
// The job always takes its model's storage mode.
func (s *Service) Save(ctx context.Context, draft Draft) (*core.SynthesisJob, error) {
	err := validateDraft(draft)
	if err != nil {
		return nil, err
	}

	model, err := s.models.GetModel(ctx, draft.ModelID)
	if err != nil {
		return nil, fmt.Errorf("failed to load model %d: %w", draft.ModelID, err)
	}

	job := &core.SynthesisJob{Status: core.JobDraft}

	if draft.ID != 0 {
		job, err = s.jobs.GetJob(ctx, draft.ID)
		if err != nil {
			return nil, err
		}

		if !job.Status.Editable() {
			return nil, fmt.Errorf("%w: job %d is %s", ErrJobLocked, job.ID, job.Status)
		}
	}

	if strings.TrimSpace(draft.TextContent) == "" && draft.AudioPath == "" && job.AudioPath == "" {
		return nil, ErrScriptRequired
	}

	// nothing is uploaded before pending, so switching model is safe
	job.Storage = model.Storage
	job.ModelID = draft.ModelID
	job.Name = draft.Name
	job.TextContent = draft.TextContent
	job.VoiceID = draft.VoiceID

	if draft.AudioPath != "" {
		job.AudioPath, err = s.importAudio(draft.AudioPath)
		if err != nil {
			return nil, err
		}
	}

	if job.ID == 0 {
		_, err = s.jobs.InsertJob(ctx, job)
		if err != nil {
			return nil, fmt.Errorf("failed to create job '%s': %w", job.Name, err)
		}

		s.log.Info("Created job %d '%s' for model %d", job.ID, job.Name, job.ModelID)
	} else {
		err = s.writeDraft(ctx, job)
		if err != nil {
			return nil, fmt.Errorf("failed to save job %d: %w", job.ID, err)
		}
	}

	s.publish(ctx, job)

	return job, nil
}

func validateDraft(draft Draft) error {
	if strings.TrimSpace(draft.Name) == "" {
		return ErrNameRequired
	}

	if draft.ModelID == 0 {
		return ErrModelRequired
	}

	return nil
}

// importAudio copies an override file into the TTS product directory under
// a timestamped name and returns that name.
func (s *Service) importAudio(src string) (string, error) {
	name := timestampName(s.now()) + filepath.Ext(src)

	err := storage.CopyFile(src, s.layout.ProductFile(name))
	if err != nil {
		return "", fmt.Errorf("failed to import audio '%s': %w", src, err)
	}

	return name, nil
}

// timestampName formats t as YYYYMMDDHHmmssSSS.
func timestampName(t time.Time) string {
	return strings.Replace(t.Format("20060102150405.000"), ".", "", 1)
}

// Modify patches the draft fields of a job in draft or waiting.
func (s *Service) Modify(ctx context.Context, id int64, patch Patch) (*core.SynthesisJob, error) {
	job, err := s.editable(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Name != nil {
		if strings.TrimSpace(*patch.Name) == "" {
			return nil, ErrNameRequired
		}

		job.Name = *patch.Name
	}

	if patch.TextContent != nil {
		if strings.TrimSpace(*patch.TextContent) == "" && job.AudioPath == "" {
			return nil, ErrScriptRequired
		}

		job.TextContent = *patch.TextContent
	}

	if patch.VoiceID != nil {
		job.VoiceID = *patch.VoiceID
	}

	err = s.writeDraft(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("failed to modify job %d: %w", id, err)
	}

	s.publish(ctx, job)

	return job, nil
}

// Submit enqueues a job for synthesis. Submitting a waiting job is a no-op.
func (s *Service) Submit(ctx context.Context, id int64) (*core.SynthesisJob, error) {
	job, err := s.editable(ctx, id)
	if err != nil {
		return nil, err
	}

	if job.Status == core.JobWaiting {
		return job, nil
	}

	job.Status = core.JobWaiting
	job.Message = ""
	job.Progress = 0

	err = s.writeDraft(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job %d: %w", id, err)
	}

	s.log.Info("Job %d is waiting for synthesis", id)
	s.publish(ctx, job)

	return job, nil
}

// writeDraft stores job only if the scheduler has not picked it up since it
// was read.
func (s *Service) writeDraft(ctx context.Context, job *core.SynthesisJob) error {
	err := s.jobs.UpdateDraft(ctx, job)
	if errors.Is(err, core.ErrNotEditable) {
		return fmt.Errorf("%w: %w", ErrJobLocked, err)
	}

	return err
}

func (s *Service) editable(ctx context.Context, id int64) (*core.SynthesisJob, error) {
	job, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	if !job.Status.Editable() {
		return nil, fmt.Errorf("%w: job %d is %s", ErrJobLocked, id, job.Status)
	}

	return job, nil
}

// Find returns one job with its result path resolved.
func (s *Service) Find(ctx context.Context, id int64) (*core.SynthesisJob, error) {
	job, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	resolved := s.resolve(*job)

	return &resolved, nil
}

// Count returns the number of jobs whose name contains name.
func (s *Service) Count(ctx context.Context, name string) (int, error) {
	return s.jobs.CountJobs(ctx, name)
}

// Page lists jobs newest first. Waiting jobs carry their queue position as
// "<position> / <waiting total>" in the message.
func (s *Service) Page(ctx context.Context, query core.ListQuery) (Page, error) {
	total, err := s.jobs.CountJobs(ctx, query.Name)
	if err != nil {
		return Page{}, fmt.Errorf("failed to count jobs: %w", err)
	}

	jobs, err := s.jobs.ListJobs(ctx, query)
	if err != nil {
		return Page{}, fmt.Errorf("failed to list jobs: %w", err)
	}

	waiting, err := s.jobs.JobsByStatus(ctx, core.JobWaiting)
	if err != nil {
		return Page{}, fmt.Errorf("failed to list waiting jobs: %w", err)
	}

	positions := make(map[int64]int, len(waiting))
	for i, w := range waiting {
		positions[w.ID] = i + 1
	}

	for i := range jobs {
		if position, ok := positions[jobs[i].ID]; ok {
			jobs[i].Message = fmt.Sprintf("%d / %d", position, len(waiting))
		}

		jobs[i] = s.resolve(jobs[i])
	}

	return Page{Total: total, List: jobs}, nil
}

// resolve turns a local job's result into an absolute path. Remote results
// stay keys relative to the model directory.
func (s *Service) resolve(job core.SynthesisJob) core.SynthesisJob {
	if job.FilePath != "" && !job.Remote() {
		job.FilePath = s.layout.ModelFile(job.FilePath)
	}

	return job
}

// Remove deletes a job's result and audio on a best-effort basis, then the
// record. The video generation service is not notified.
func (s *Service) Remove(ctx context.Context, id int64) error {
	job, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		return err
	}

	artifacts := make([]string, 0, 2)
	if job.FilePath != "" {
		artifacts = append(artifacts, s.layout.ModelFile(job.FilePath))
	}

	if job.AudioPath != "" {
		artifacts = append(artifacts, s.layout.ProductFile(job.AudioPath))
	}

	stores := make([]core.ArtifactStore, 0, 2)

	localStore, _ := s.backends.For(core.StorageLocal)
	stores = append(stores, localStore)

	if job.Remote() {
		remoteStore, remoteErr := s.backends.For(core.StorageRemote)
		if remoteErr != nil {
			s.log.Error("Job %d is remote but no remote backend is configured, its remote artifacts are kept", id)
		} else {
			stores = append(stores, remoteStore)
		}
	}

	for _, artifact := range artifacts {
		key, keyErr := s.backends.Key(artifact)
		if keyErr != nil {
			s.log.Warn("Skipping artifact '%s' of job %d: %v", artifact, id, keyErr)

			continue
		}

		for _, store := range stores {
			storage.DeleteBestEffort(ctx, store, key, s.log)
		}
	}

	err = s.jobs.DeleteJob(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to delete job %d: %w", id, err)
	}

	s.log.Info("Removed job %d", id)

	return nil
}

// Export copies a finished job's video to outPath.
func (s *Service) Export(ctx context.Context, id int64, outPath string) error {
	job, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		return err
	}

	if job.Status != core.JobSuccess {
		return fmt.Errorf("%w: job %d is %s", ErrNotFinished, id, job.Status)
	}

	source := s.layout.ModelFile(job.FilePath)

	if !job.Remote() {
		err = storage.CopyFile(source, outPath)
		if err != nil {
			return fmt.Errorf("failed to export job %d: %w", id, err)
		}

		return nil
	}

	store, err := s.backends.For(job.Storage)
	if err != nil {
		return err
	}

	key, err := s.backends.Key(source)
	if err != nil {
		return err
	}

	err = store.Download(ctx, key, outPath)
	if err != nil {
		return fmt.Errorf("failed to export job %d: %w", id, err)
	}

	return nil
}

func (s *Service) publish(ctx context.Context, job *core.SynthesisJob) {
	publishEvent(ctx, s.publisher, job, s.log)
}

func publishEvent(ctx context.Context, publisher core.JobEventPublisher, job *core.SynthesisJob, log *logger.Logger) {
	if publisher == nil {
		return
	}

	err := publisher.PublishJobEvent(ctx, core.EventFromJob(job))
	if err != nil {
		log.Warn("Failed to publish status of job %d: %v", job.ID, err)
	}
}
