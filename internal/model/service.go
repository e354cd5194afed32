// Package model imports source videos as models and manages their artifacts.
package model

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/avatar-service/internal/config"
	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/avatar-service/internal/storage"
	"github.com/book-expert/avatar-service/internal/voice"
	"github.com/book-expert/logger"
)

// modelVideoExt is the container every imported model is transcoded to.
const modelVideoExt = ".mp4"

var (
	// ErrNameRequired is returned when a model has no display name.
	ErrNameRequired = errors.New("model name is required")
	// ErrSourceMissing is returned when the source video cannot be read.
	ErrSourceMissing = errors.New("source video does not exist")
)

// VoiceTrainer trains a voice from a clip under the training directory.
type VoiceTrainer interface {
	Train(ctx context.Context, clipPath, lang string, mode core.StorageMode) (voice.Training, error)
}

// Page is one page of models plus the filtered total.
type Page struct {
	Total int                `json:"total"`
	List  []core.SourceModel `json:"list"`
}

// Service owns the model lifecycle.
type Service struct {
	models   core.ModelStore
	media    core.MediaProcessor
	voices   VoiceTrainer
	backends *storage.Backends
	layout   config.Layout
	lang     string
	log      *logger.Logger
	now      func() time.Time
}

// NewService creates a model service that trains voices in lang.
func NewService(
	models core.ModelStore,
	media core.MediaProcessor,
	voices VoiceTrainer,
	backends *storage.Backends,
	layout config.Layout,
	lang string,
	log *logger.Logger,
) *Service {
	return &Service{
		models:   models,
		media:    media,
		voices:   voices,
		backends: backends,
		layout:   layout,
		lang:     lang,
		log:      log,
		now:      time.Now,
	}
}

// timestampName formats t as YYYYMMDDHHmmssSSS.
func timestampName(t time.Time) string {
	return strings.Replace(t.Format("20060102150405.000"), ".", "", 1)
}

// AddModel imports videoPath: it is transcoded into the model directory
// under a timestamped name, its audio is extracted into the training
// directory, both are uploaded when mode is remote and a voice is trained
// from the audio. A failed upload falls back to local storage; a rejected
// training stores the model without a voice.
func (s *Service) AddModel(ctx context.Context, name, videoPath string, mode core.StorageMode) (*core.SourceModel, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrNameRequired
	}

	_, err := os.Stat(videoPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSourceMissing, videoPath)
	}

	if mode == core.StorageRemote && !s.backends.RemoteAvailable() {
		s.log.Warn("Remote storage requested for model '%s' but not configured, storing locally", name)

		mode = core.StorageLocal
	}

	stamp := timestampName(s.now())
	modelPath := filepath.Join(s.layout.Model, stamp+modelVideoExt)
	audioPath := filepath.Join(s.layout.TTSTrain, stamp+".wav")

	err = s.media.TranscodeToCompatible(ctx, videoPath, modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare model video: %w", err)
	}

	err = s.media.ExtractAudio(ctx, modelPath, audioPath)
	if err != nil {
		return nil, fmt.Errorf("failed to extract model audio: %w", err)
	}

	if mode == core.StorageRemote {
		uploadErr := s.upload(ctx, modelPath, audioPath)
		if uploadErr != nil {
			s.log.Error("Uploading model '%s' failed, storing locally: %v", name, uploadErr)

			mode = core.StorageLocal
		}
	}

	training, err := s.voices.Train(ctx, audioPath, s.lang, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to train voice for model '%s': %w", name, err)
	}

	if !training.Accepted {
		s.log.Warn("Voice training rejected for model '%s': %s", name, training.Message)
	}

	audioRel, err := filepath.Rel(s.layout.TTSRoot, audioPath)
	if err != nil {
		return nil, fmt.Errorf("failed to relativize '%s': %w", audioPath, err)
	}

	record := &core.SourceModel{
		Name:      name,
		VideoPath: filepath.Base(modelPath),
		AudioPath: filepath.ToSlash(audioRel),
		VoiceID:   training.VoiceID,
		Storage:   mode,
	}

	_, err = s.models.InsertModel(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("failed to store model '%s': %w", name, err)
	}

	s.log.Info("Added model %d '%s' (storage=%s, voice=%d)", record.ID, name, mode, record.VoiceID)

	return record, nil
}

func (s *Service) upload(ctx context.Context, paths ...string) error {
	store, err := s.backends.For(core.StorageRemote)
	if err != nil {
		return err
	}

	for _, localPath := range paths {
		key, keyErr := s.backends.Key(localPath)
		if keyErr != nil {
			return keyErr
		}

		_, uploadErr := store.Upload(ctx, key, localPath)
		if uploadErr != nil {
			return uploadErr
		}
	}

	return nil
}

// Resolve returns a copy of m whose paths point at the artifacts: absolute
// local paths for local models, store URLs for remote ones.
func (s *Service) Resolve(m core.SourceModel) core.SourceModel {
	videoPath := s.layout.ModelFile(m.VideoPath)
	audioPath := s.layout.VoiceFile(m.AudioPath)

	if !m.Remote() {
		m.VideoPath = videoPath
		m.AudioPath = audioPath

		return m
	}

	store, err := s.backends.For(m.Storage)
	if err != nil {
		return m
	}

	if key, keyErr := s.backends.Key(videoPath); keyErr == nil {
		m.VideoPath = store.URLFor(key)
	}

	if key, keyErr := s.backends.Key(audioPath); keyErr == nil {
		m.AudioPath = store.URLFor(key)
	}

	return m
}

// Page lists models newest first with resolved paths.
func (s *Service) Page(ctx context.Context, query core.ListQuery) (Page, error) {
	total, err := s.models.CountModels(ctx, query.Name)
	if err != nil {
		return Page{}, fmt.Errorf("failed to count models: %w", err)
	}

	models, err := s.models.ListModels(ctx, query)
	if err != nil {
		return Page{}, fmt.Errorf("failed to list models: %w", err)
	}

	for i := range models {
		models[i] = s.Resolve(models[i])
	}

	return Page{Total: total, List: models}, nil
}

// Find returns one model with resolved paths.
func (s *Service) Find(ctx context.Context, id int64) (*core.SourceModel, error) {
	m, err := s.models.GetModel(ctx, id)
	if err != nil {
		return nil, err
	}

	resolved := s.Resolve(*m)

	return &resolved, nil
}

// Count returns the number of models whose name contains name.
func (s *Service) Count(ctx context.Context, name string) (int, error) {
	return s.models.CountModels(ctx, name)
}

// Remove deletes the model's artifacts on a best-effort basis, then the record.
func (s *Service) Remove(ctx context.Context, id int64) error {
	m, err := s.models.GetModel(ctx, id)
	if err != nil {
		return err
	}

	paths := []string{s.layout.ModelFile(m.VideoPath), s.layout.VoiceFile(m.AudioPath)}

	stores := []core.ArtifactStore{}

	local, _ := s.backends.For(core.StorageLocal)
	stores = append(stores, local)

	if m.Remote() {
		remote, remoteErr := s.backends.For(core.StorageRemote)
		if remoteErr != nil {
			s.log.Error("Model %d is remote but no remote backend is configured, its remote artifacts are kept", id)
		} else {
			stores = append(stores, remote)
		}
	}

	for _, artifact := range paths {
		key, keyErr := s.backends.Key(artifact)
		if keyErr != nil {
			s.log.Warn("Skipping artifact '%s' of model %d: %v", artifact, id, keyErr)

			continue
		}

		for _, store := range stores {
			storage.DeleteBestEffort(ctx, store, key, s.log)
		}
	}

	err = s.models.DeleteModel(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to delete model %d: %w", id, err)
	}

	s.log.Info("Removed model %d", id)

	return nil
}
