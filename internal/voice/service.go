// Package voice trains voice profiles and renders speech with them.
package voice

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/book-expert/avatar-service/internal/config"
	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/avatar-service/internal/speech"
	"github.com/book-expert/avatar-service/internal/storage"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
)

// Artifact name prefixes the speech service writes next to a training clip.
const (
	formatPrefix        = "format_"
	formatDenoisePrefix = "format_denoise_"
)

// Training is the outcome of Train. A rejected clip has Accepted == false,
// VoiceID == 0 and the service's message.
type Training struct {
	VoiceID  int64
	Accepted bool
	Message  string
}

// Service owns the voice profile lifecycle.
type Service struct {
	voices   core.VoiceStore
	client   speech.Client
	backends *storage.Backends
	layout   config.Layout
	log      *logger.Logger
	tempDir  string
}

// NewService creates a voice service.
func NewService(
	voices core.VoiceStore,
	client speech.Client,
	backends *storage.Backends,
	layout config.Layout,
	log *logger.Logger,
) *Service {
	return &Service{
		voices:   voices,
		client:   client,
		backends: backends,
		layout:   layout,
		log:      log,
		tempDir:  os.TempDir(),
	}
}

// WithTempDir sets the directory Audition renders into.
func (s *Service) WithTempDir(dir string) *Service {
	s.tempDir = dir

	return s
}

// Train registers the training clip at clipPath, an absolute path under the
// training directory, with the speech service and stores the resulting
// profile. Local clips are referenced relative to the TTS root, remote clips
// by their store URL. For remote storage the service's preprocessed
// artifacts are pulled into the local training directory.
func (s *Service) Train(ctx context.Context, clipPath, lang string, mode core.StorageMode) (Training, error) {
	reference, err := s.reference(clipPath, mode)
	if err != nil {
		return Training{}, err
	}

	result, err := s.client.Train(ctx, reference, lang)
	if err != nil {
		return Training{}, fmt.Errorf("failed to train voice from '%s': %w", reference, err)
	}

	if !result.Accepted {
		s.log.Warn("Speech service rejected clip '%s' with code %d: %s", reference, result.Code, result.Message)

		return Training{Accepted: false, Message: result.Message}, nil
	}

	if mode == core.StorageRemote {
		err = s.fetchTrainingArtifacts(ctx, filepath.Base(clipPath), mode)
		if err != nil {
			return Training{}, err
		}
	}

	id, err := s.voices.InsertVoice(ctx, &core.VoiceProfile{
		OriginAudioPath:    reference,
		Lang:               lang,
		ASRFormatAudioURL:  result.ASRFormatAudioURL,
		ReferenceAudioText: result.ReferenceAudioText,
	})
	if err != nil {
		return Training{}, fmt.Errorf("failed to store voice for '%s': %w", reference, err)
	}

	s.log.Info("Trained voice %d from '%s'", id, reference)

	return Training{VoiceID: id, Accepted: true}, nil
}

func (s *Service) reference(clipPath string, mode core.StorageMode) (string, error) {
	if mode != core.StorageRemote {
		rel, err := filepath.Rel(s.layout.TTSRoot, clipPath)
		if err != nil {
			return "", fmt.Errorf("clip '%s' is outside the TTS root: %w", clipPath, err)
		}

		return filepath.ToSlash(rel), nil
	}

	store, err := s.backends.For(mode)
	if err != nil {
		return "", err
	}

	key, err := s.backends.Key(clipPath)
	if err != nil {
		return "", err
	}

	return store.URLFor(key), nil
}

func (s *Service) fetchTrainingArtifacts(ctx context.Context, base string, mode core.StorageMode) error {
	store, err := s.backends.For(mode)
	if err != nil {
		return err
	}

	for _, prefix := range []string{formatPrefix, formatDenoisePrefix} {
		localPath := filepath.Join(s.layout.TTSTrain, prefix+base)

		key, keyErr := s.backends.Key(localPath)
		if keyErr != nil {
			return keyErr
		}

		downloadErr := store.Download(ctx, key, localPath)
		if downloadErr != nil {
			return fmt.Errorf("failed to fetch training artifact '%s': %w", key, downloadErr)
		}
	}

	return nil
}

// MakeAudio renders text with the voice into targetDir and returns the new
// file's name.
func (s *Service) MakeAudio(ctx context.Context, voiceID int64, text, targetDir string) (string, error) {
	profile, err := s.voices.GetVoice(ctx, voiceID)
	if err != nil {
		return "", fmt.Errorf("failed to load voice %d: %w", voiceID, err)
	}

	token := uuid.NewString()
	request := speech.NewRenderRequest(token, text, profile.ASRFormatAudioURL, profile.ReferenceAudioText)

	audio, err := s.client.Render(ctx, request)
	if err != nil {
		return "", fmt.Errorf("failed to render speech with voice %d: %w", voiceID, err)
	}

	fileName := token + ".wav"

	err = storage.WriteFrom(bytes.NewReader(audio), filepath.Join(targetDir, fileName))
	if err != nil {
		return "", fmt.Errorf("failed to write rendered speech: %w", err)
	}

	s.log.Info("Rendered %d bytes of speech with voice %d into '%s'", len(audio), voiceID, fileName)

	return fileName, nil
}

// MakeJobAudio renders a job script into the TTS product directory.
func (s *Service) MakeJobAudio(ctx context.Context, voiceID int64, text string) (string, error) {
	return s.MakeAudio(ctx, voiceID, text, s.layout.TTSProduct)
}

// Audition renders a preview clip into the temp directory and returns its path.
func (s *Service) Audition(ctx context.Context, voiceID int64, text string) (string, error) {
	fileName, err := s.MakeAudio(ctx, voiceID, text, s.tempDir)
	if err != nil {
		return "", err
	}

	return filepath.Join(s.tempDir, fileName), nil
}

// List returns every voice profile.
func (s *Service) List(ctx context.Context) ([]core.VoiceProfile, error) {
	voices, err := s.voices.ListVoices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list voices: %w", err)
	}

	return voices, nil
}
