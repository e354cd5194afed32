package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path"
	"strings"
	"time"

	"github.com/book-expert/avatar-service/internal/config"
	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/avatar-service/internal/facade"
	"github.com/book-expert/avatar-service/internal/storage"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
)

// Status messages written by the scheduler.
const (
	msgSubmitting   = "submitting"
	msgSynthesizing = "synthesizing speech"
	msgSubmitted    = "submitted"
	msgSucceeded    = "success"
)

// resultsDir holds re-uploaded results under the model directory.
const resultsDir = "results"

var (
	// ErrNoVoice is returned when a text job has no voice to render with.
	ErrNoVoice = errors.New("job has no voice profile")
	// ErrEmptyResult is returned when the service reports success without a result.
	ErrEmptyResult = errors.New("service reported success without a result")
)

// AudioRenderer renders a job script into the TTS product directory.
type AudioRenderer interface {
	MakeJobAudio(ctx context.Context, voiceID int64, text string) (string, error)
}

// Options tunes the scheduler.
type Options struct {
	Interval         time.Duration
	Development      bool
	MockDuration     float64
	ReconcileMode    string
	StalePendingWarn time.Duration
}

// OptionsFromConfig maps the orchestrator configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Interval:         cfg.PollInterval(),
		Development:      cfg.Orchestrator.Development,
		MockDuration:     cfg.Orchestrator.MockDuration,
		ReconcileMode:    cfg.Orchestrator.ReconcileMode,
		StalePendingWarn: cfg.StalePendingWarn(),
	}
}

// Scheduler is the single advancement point for jobs. Each tick either polls
// the pending job or, when none is pending, submits the oldest waiting job.
type Scheduler struct {
	jobs      core.JobStore
	models    core.ModelStore
	audio     AudioRenderer
	video     facade.Service
	media     core.MediaProcessor
	backends  *storage.Backends
	layout    config.Layout
	publisher core.JobEventPublisher
	log       *logger.Logger
	opts      Options
	now       func() time.Time
	warned    map[int64]bool
}

// NewScheduler creates a scheduler. publisher may be nil.
func NewScheduler(
	jobs core.JobStore,
	models core.ModelStore,
	audio AudioRenderer,
	video facade.Service,
	media core.MediaProcessor,
	backends *storage.Backends,
	layout config.Layout,
	publisher core.JobEventPublisher,
	log *logger.Logger,
	opts Options,
) *Scheduler {
	return &Scheduler{
		jobs:      jobs,
		models:    models,
		audio:     audio,
		video:     video,
		media:     media,
		backends:  backends,
		layout:    layout,
		publisher: publisher,
		log:       log,
		opts:      opts,
		now:       time.Now,
		warned:    make(map[int64]bool),
	}
}

// Run ticks every interval until ctx is cancelled. A tick always finishes
// before the next delay starts.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("Job scheduler started (interval=%s, reconcile=%s)", s.opts.Interval, s.opts.ReconcileMode)

	timer := time.NewTimer(s.opts.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Job scheduler stopped")

			return nil
		case <-timer.C:
			s.Tick(ctx)
			timer.Reset(s.opts.Interval)
		}
	}
}

// Tick performs one scheduling step.
func (s *Scheduler) Tick(ctx context.Context) {
	pending, err := s.jobs.JobsByStatus(ctx, core.JobPending)
	if err != nil {
		s.log.Error("Failed to load pending jobs: %v", err)

		return
	}

	if len(pending) > 0 {
		if len(pending) > 1 {
			s.log.Warn("%d jobs are pending, polling job %d first", len(pending), pending[0].ID)
		}

		s.step(ctx, &pending[0], s.poll)

		return
	}

	waiting, err := s.jobs.JobsByStatus(ctx, core.JobWaiting)
	if err != nil {
		s.log.Error("Failed to load waiting jobs: %v", err)

		return
	}

	if len(waiting) == 0 {
		return
	}

	s.step(ctx, &waiting[0], s.advance)
}

// step runs fn for job and fails the job on any error or panic.
func (s *Scheduler) step(ctx context.Context, job *core.SynthesisJob, fn func(context.Context, *core.SynthesisJob) error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Recovered from panic while driving job %d: %v", job.ID, r)
			s.fail(ctx, job, fmt.Sprint(r))
		}
	}()

	err := fn(ctx, job)
	if err != nil {
		s.log.Error("Job %d failed: %v", job.ID, err)
		s.fail(ctx, job, err.Error())
	}
}

// advance moves a waiting job to pending and submits it.
func (s *Scheduler) advance(ctx context.Context, job *core.SynthesisJob) error {
	submittedAt := s.now().UTC()

	job.Status = core.JobPending
	job.Message = msgSubmitting
	job.Progress = 0
	job.Code = uuid.NewString()
	job.SubmittedAt = &submittedAt

	err := s.save(ctx, job)
	if err != nil {
		return err
	}

	s.log.Info("Submitting job %d with token %s", job.ID, job.Code)

	model, err := s.models.GetModel(ctx, job.ModelID)
	if err != nil {
		return fmt.Errorf("failed to load model %d: %w", job.ModelID, err)
	}

	if job.AudioPath == "" {
		err = s.renderAudio(ctx, job, model)
		if err != nil {
			return err
		}
	}

	audioRef, videoRef, err := s.references(ctx, job, model)
	if err != nil {
		return err
	}

	request := facade.NewSubmitRequest(audioRef, videoRef, job.Code)

	param, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to encode submission: %w", err)
	}

	job.Param = string(param)

	response, err := s.video.Submit(ctx, request)
	if err != nil {
		return fmt.Errorf("failed to submit job %d: %w", job.ID, err)
	}

	if !response.Accepted() {
		s.log.Warn("Video service rejected job %d with code %d: %s", job.ID, response.Code, response.Msg)
		s.fail(ctx, job, response.Msg)

		return nil
	}

	job.Message = msgSubmitted

	return s.save(ctx, job)
}

func (s *Scheduler) renderAudio(ctx context.Context, job *core.SynthesisJob, model *core.SourceModel) error {
	voiceID := job.VoiceID
	if voiceID == 0 {
		voiceID = model.VoiceID
	}

	if voiceID == 0 {
		return fmt.Errorf("%w: job %d, model %d", ErrNoVoice, job.ID, model.ID)
	}

	job.Message = msgSynthesizing

	err := s.save(ctx, job)
	if err != nil {
		return err
	}

	fileName, err := s.audio.MakeJobAudio(ctx, voiceID, job.TextContent)
	if err != nil {
		return fmt.Errorf("failed to synthesize speech for job %d: %w", job.ID, err)
	}

	job.AudioPath = fileName

	return s.save(ctx, job)
}

// references returns the audio and video addresses the video service
// expects: file names in its working directory for local jobs, object keys
// for remote jobs. Remote audio is uploaded first.
func (s *Scheduler) references(ctx context.Context, job *core.SynthesisJob, model *core.SourceModel) (string, string, error) {
	if !job.Remote() {
		return job.AudioPath, model.VideoPath, nil
	}

	store, err := s.backends.For(job.Storage)
	if err != nil {
		return "", "", err
	}

	audioPath := s.layout.ProductFile(job.AudioPath)

	audioKey, err := s.backends.Key(audioPath)
	if err != nil {
		return "", "", err
	}

	_, err = store.Upload(ctx, audioKey, audioPath)
	if err != nil {
		return "", "", fmt.Errorf("failed to upload audio of job %d: %w", job.ID, err)
	}

	videoKey, err := s.backends.Key(s.layout.ModelFile(model.VideoPath))
	if err != nil {
		return "", "", err
	}

	return audioKey, videoKey, nil
}

// poll queries the service for a pending job and applies the answer.
func (s *Scheduler) poll(ctx context.Context, job *core.SynthesisJob) error {
	s.warnIfStale(job)

	status, err := s.video.Query(ctx, job.Code)
	if err != nil {
		return fmt.Errorf("failed to query job %d: %w", job.ID, err)
	}

	if status.Fatal() {
		s.fail(ctx, job, status.Msg)

		return nil
	}

	if status.Code != facade.CodeAccepted {
		s.log.Warn("Unexpected status code %d for job %d: %s", status.Code, job.ID, status.Msg)

		return nil
	}

	switch status.Data.Status {
	case facade.TaskInProgress:
		progress := int(math.Round(status.Data.Progress))
		message := job.Message

		if status.Data.Msg != "" {
			message = status.Data.Msg
		}

		if progress == job.Progress && message == job.Message {
			return nil
		}

		job.Progress = progress
		job.Message = message

		return s.save(ctx, job)
	case facade.TaskSucceeded:
		return s.finish(ctx, job, status.Data)
	case facade.TaskFailed:
		s.fail(ctx, job, status.Data.Msg)

		return nil
	default:
		s.log.Warn("Unknown task status %d for job %d", status.Data.Status, job.ID)

		return nil
	}
}

func (s *Scheduler) warnIfStale(job *core.SynthesisJob) {
	if s.opts.StalePendingWarn <= 0 || job.SubmittedAt == nil || s.warned[job.ID] {
		return
	}

	age := s.now().Sub(*job.SubmittedAt)
	if age > s.opts.StalePendingWarn {
		s.log.Warn("Job %d has been pending for %s and blocks the queue", job.ID, age.Round(time.Second))
		s.warned[job.ID] = true
	}
}

// finish reconciles the result artifact, measures it and marks the job done.
func (s *Scheduler) finish(ctx context.Context, job *core.SynthesisJob, data facade.TaskData) error {
	result := strings.TrimLeft(path.Clean("/"+data.Result), "/")
	if data.Result == "" || result == "" {
		return fmt.Errorf("%w: job %d", ErrEmptyResult, job.ID)
	}

	filePath := result
	localPath := s.layout.ModelFile(result)

	if job.Remote() {
		var (
			cleanup func()
			err     error
		)

		filePath, cleanup, err = s.reconcile(ctx, job, result)
		if err != nil {
			return err
		}

		defer cleanup()
	}

	duration, err := s.duration(ctx, localPath)
	if err != nil {
		return err
	}

	job.Status = core.JobSuccess
	job.FilePath = filePath
	job.Duration = duration
	job.Progress = 100
	job.Message = msgSucceeded

	if data.Msg != "" {
		job.Message = data.Msg
	}

	delete(s.warned, job.ID)

	err = s.save(ctx, job)
	if err != nil {
		return err
	}

	s.log.Info("Job %d succeeded: %s (%.2fs)", job.ID, filePath, duration)

	return nil
}

// reconcile pulls a remote result next to the model videos and applies the
// configured mode. It returns the file path to record and a cleanup that
// finish defers once the download is in place.
func (s *Scheduler) reconcile(ctx context.Context, job *core.SynthesisJob, result string) (string, func(), error) {
	noop := func() {}

	store, err := s.backends.For(job.Storage)
	if err != nil {
		return "", noop, err
	}

	localPath := s.layout.ModelFile(result)

	key, err := s.backends.Key(localPath)
	if err != nil {
		return "", noop, err
	}

	err = store.Download(ctx, key, localPath)
	if err != nil {
		return "", noop, fmt.Errorf("failed to fetch result of job %d: %w", job.ID, err)
	}

	localStore, _ := s.backends.For(core.StorageLocal)
	dropLocal := func() { storage.DeleteBestEffort(ctx, localStore, key, s.log) }

	switch s.opts.ReconcileMode {
	case config.ReconcileTransient:
		return result, dropLocal, nil
	case config.ReconcileReupload:
		canonical := path.Join(resultsDir, fmt.Sprintf("%d%s", job.ID, path.Ext(result)))

		canonicalKey, keyErr := s.backends.Key(s.layout.ModelFile(canonical))
		if keyErr != nil {
			return "", noop, keyErr
		}

		_, err = store.Upload(ctx, canonicalKey, localPath)
		if err != nil {
			return "", noop, fmt.Errorf("failed to store result of job %d: %w", job.ID, err)
		}

		return canonical, func() {
			dropLocal()
			storage.DeleteBestEffort(ctx, store, key, s.log)
		}, nil
	default:
		return result, noop, nil
	}
}

func (s *Scheduler) duration(ctx context.Context, videoPath string) (float64, error) {
	if s.opts.Development {
		return s.opts.MockDuration, nil
	}

	seconds, err := s.media.ProbeDuration(ctx, videoPath)
	if err != nil {
		return 0, fmt.Errorf("failed to measure '%s': %w", videoPath, err)
	}

	return seconds, nil
}

// fail marks job failed with message. The token is kept for diagnostics.
func (s *Scheduler) fail(ctx context.Context, job *core.SynthesisJob, message string) {
	job.Status = core.JobFailed
	job.Message = message
	job.FilePath = ""
	delete(s.warned, job.ID)

	err := s.save(ctx, job)
	if err != nil {
		s.log.Error("Failed to record failure of job %d: %v", job.ID, err)
	}
}

func (s *Scheduler) save(ctx context.Context, job *core.SynthesisJob) error {
	err := s.jobs.UpdateJob(ctx, job)
	if err != nil {
		return fmt.Errorf("failed to update job %d: %w", job.ID, err)
	}

	publishEvent(ctx, s.publisher, job, s.log)

	return nil
}
