// Package testsupport holds the hand-written collaborators shared by the
// service and scheduler tests.
package testsupport

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/avatar-service/internal/facade"
	"github.com/book-expert/avatar-service/internal/speech"
	"github.com/book-expert/logger"
	"github.com/stretchr/testify/require"
)

// ErrInjected is returned by fakes configured to fail.
var ErrInjected = errors.New("injected failure")

// Logger returns a file logger under a test temp dir.
func Logger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	return log
}

// Speech is a scripted speech.Client.
type Speech struct {
	mu          sync.Mutex
	TrainResult speech.TrainResult
	Audio       []byte
	ShouldFail  bool
	TrainCalls  []string
	RenderCalls []speech.RenderRequest
}

var _ speech.Client = (*Speech)(nil)

func (s *Speech) Train(_ context.Context, referenceAudio, _ string) (speech.TrainResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.TrainCalls = append(s.TrainCalls, referenceAudio)

	if s.ShouldFail {
		return speech.TrainResult{}, ErrInjected
	}

	return s.TrainResult, nil
}

func (s *Speech) Render(_ context.Context, req speech.RenderRequest) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.RenderCalls = append(s.RenderCalls, req)

	if s.ShouldFail {
		return nil, ErrInjected
	}

	if s.Audio == nil {
		return []byte("RIFF....WAVE"), nil
	}

	return s.Audio, nil
}

// Video is a scripted facade.Service. Statuses are consumed in order; the
// last one repeats.
type Video struct {
	mu           sync.Mutex
	SubmitResult facade.SubmitResponse
	SubmitFail   bool
	Statuses     []facade.StatusResponse
	QueryFail    bool
	QueryPanic   bool
	Submitted    []facade.SubmitRequest
	Queried      []string
}

var _ facade.Service = (*Video)(nil)

func (v *Video) Submit(_ context.Context, req facade.SubmitRequest) (facade.SubmitResponse, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.Submitted = append(v.Submitted, req)

	if v.SubmitFail {
		return facade.SubmitResponse{}, ErrInjected
	}

	return v.SubmitResult, nil
}

func (v *Video) Query(_ context.Context, token string) (facade.StatusResponse, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.Queried = append(v.Queried, token)

	if v.QueryPanic {
		panic("status decoder exploded")
	}

	if v.QueryFail {
		return facade.StatusResponse{}, ErrInjected
	}

	if len(v.Statuses) == 0 {
		return facade.StatusResponse{Code: facade.CodeAccepted, Data: facade.TaskData{Status: facade.TaskInProgress}}, nil
	}

	status := v.Statuses[0]
	if len(v.Statuses) > 1 {
		v.Statuses = v.Statuses[1:]
	}

	return status, nil
}

// Media is a core.MediaProcessor that writes placeholder outputs.
type Media struct {
	mu            sync.Mutex
	Duration      float64
	ExtractFail   bool
	TranscodeFail bool
	DurationFail  bool
	Probed        []string
}

var _ core.MediaProcessor = (*Media)(nil)

func (m *Media) ExtractAudio(_ context.Context, _, audioPath string) error {
	if m.ExtractFail {
		return ErrInjected
	}

	return writePlaceholder(audioPath, "RIFF....WAVE")
}

func (m *Media) TranscodeToCompatible(_ context.Context, videoPath, outPath string) error {
	if m.TranscodeFail {
		return ErrInjected
	}

	data, err := os.ReadFile(videoPath)
	if err != nil {
		return err
	}

	return writePlaceholder(outPath, string(data))
}

func (m *Media) ProbeDuration(_ context.Context, videoPath string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Probed = append(m.Probed, videoPath)

	if m.DurationFail {
		return 0, ErrInjected
	}

	_, err := os.Stat(videoPath)
	if err != nil {
		return 0, err
	}

	return m.Duration, nil
}

func writePlaceholder(path, content string) error {
	err := os.MkdirAll(filepath.Dir(path), 0o750)
	if err != nil {
		return err
	}

	return os.WriteFile(path, []byte(content), 0o600)
}

// Publisher records job events.
type Publisher struct {
	mu     sync.Mutex
	Events []core.JobEvent
}

var _ core.JobEventPublisher = (*Publisher)(nil)

func (p *Publisher) PublishJobEvent(_ context.Context, event core.JobEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Events = append(p.Events, event)

	return nil
}

// Snapshot returns a copy of the recorded events.
func (p *Publisher) Snapshot() []core.JobEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]core.JobEvent(nil), p.Events...)
}
