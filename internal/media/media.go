// Package media wraps ffmpeg and ffprobe for source video preparation and
// result probing.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/avatar-service/internal/storage"
)

// Default executables.
const (
	DefaultFFmpeg  = "ffmpeg"
	DefaultFFprobe = "ffprobe"
)

var (
	// ErrInvalidDuration is returned when ffprobe reports no usable duration.
	ErrInvalidDuration = errors.New("invalid media duration")
	// ErrMissingInput is returned when the input file does not exist.
	ErrMissingInput = errors.New("media input does not exist")
)

// Result is the captured output of one process run.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes one external command.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes the command and captures its output and exit code.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	if err != nil {
		result.ExitCode = -1

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}

		return result, err
	}

	return result, nil
}

// Processor implements core.MediaProcessor.
type Processor struct {
	ffmpeg  string
	ffprobe string
	runner  Runner
}

var _ core.MediaProcessor = (*Processor)(nil)

// NewProcessor creates a processor using the given executables. Empty names
// fall back to the defaults; a nil runner uses ExecRunner.
func NewProcessor(ffmpegPath, ffprobePath string, runner Runner) *Processor {
	if ffmpegPath == "" {
		ffmpegPath = DefaultFFmpeg
	}

	if ffprobePath == "" {
		ffprobePath = DefaultFFprobe
	}

	if runner == nil {
		runner = ExecRunner{}
	}

	return &Processor{ffmpeg: ffmpegPath, ffprobe: ffprobePath, runner: runner}
}

// ExtractAudio writes the audio track of videoPath as 16 kHz mono PCM WAV.
func (p *Processor) ExtractAudio(ctx context.Context, videoPath, audioPath string) error {
	return p.ffmpegTo(ctx, videoPath, audioPath,
		"-vn", "-ac", "1", "-ar", "16000", "-acodec", "pcm_s16le")
}

// TranscodeToCompatible re-encodes videoPath to H.264/AAC in an MP4 container.
func (p *Processor) TranscodeToCompatible(ctx context.Context, videoPath, outPath string) error {
	return p.ffmpegTo(ctx, videoPath, outPath,
		"-c:v", "libx264", "-pix_fmt", "yuv420p", "-preset", "veryfast",
		"-c:a", "aac", "-movflags", "+faststart")
}

func (p *Processor) ffmpegTo(ctx context.Context, input, output string, codecArgs ...string) error {
	_, err := os.Stat(input)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrMissingInput, input)
	}

	err = os.MkdirAll(filepath.Dir(output), storage.DirPermissions)
	if err != nil {
		return fmt.Errorf("failed to create output directory for '%s': %w", output, err)
	}

	args := append([]string{"-y", "-i", input}, codecArgs...)
	args = append(args, output)

	result, err := p.runner.Run(ctx, p.ffmpeg, args...)
	if err != nil {
		return fmt.Errorf("ffmpeg failed on '%s': %s: %w", input, lastLine(result.Stderr), err)
	}

	return nil
}

// ProbeDuration returns the container duration of videoPath in seconds.
func (p *Processor) ProbeDuration(ctx context.Context, videoPath string) (float64, error) {
	result, err := p.runner.Run(ctx, p.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		videoPath,
	)
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed on '%s': %s: %w", videoPath, lastLine(result.Stderr), err)
	}

	value := strings.TrimSpace(result.Stdout)
	if value == "" || value == "N/A" {
		return 0, fmt.Errorf("%w: empty ffprobe output for '%s'", ErrInvalidDuration, videoPath)
	}

	duration, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %w", ErrInvalidDuration, value, err)
	}

	return duration, nil
}

func lastLine(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")

	return strings.TrimSpace(lines[len(lines)-1])
}
