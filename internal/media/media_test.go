package media_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/book-expert/avatar-service/internal/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	name string
	args []string
}

// fakeRunner records calls and returns a canned result.
type fakeRunner struct {
	calls      []call
	result     media.Result
	shouldFail bool
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (media.Result, error) {
	f.calls = append(f.calls, call{name: name, args: args})

	if f.shouldFail {
		return f.result, errors.New("exit status 1")
	}

	return f.result, nil
}

func writeInput(t *testing.T) string {
	t.Helper()

	input := filepath.Join(t.TempDir(), "source.mov")
	require.NoError(t, os.WriteFile(input, []byte("mov"), 0o600))

	return input
}

func TestExtractAudio_MonoWAV(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	processor := media.NewProcessor("", "", runner)
	input := writeInput(t)
	output := filepath.Join(t.TempDir(), "origin_audio", "x.wav")

	require.NoError(t, processor.ExtractAudio(context.Background(), input, output))

	require.Len(t, runner.calls, 1)
	assert.Equal(t, media.DefaultFFmpeg, runner.calls[0].name)
	assert.Equal(t, []string{
		"-y", "-i", input, "-vn", "-ac", "1", "-ar", "16000", "-acodec", "pcm_s16le", output,
	}, runner.calls[0].args)

	info, err := os.Stat(filepath.Dir(output))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestTranscodeToCompatible_UsesH264(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	processor := media.NewProcessor("/opt/ffmpeg", "", runner)
	input := writeInput(t)
	output := filepath.Join(t.TempDir(), "out.mp4")

	require.NoError(t, processor.TranscodeToCompatible(context.Background(), input, output))

	require.Len(t, runner.calls, 1)
	assert.Equal(t, "/opt/ffmpeg", runner.calls[0].name)
	assert.Contains(t, runner.calls[0].args, "libx264")
	assert.Equal(t, output, runner.calls[0].args[len(runner.calls[0].args)-1])
}

func TestExtractAudio_FailurePropagates(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{
		shouldFail: true,
		result:     media.Result{Stderr: "frame=0\nInvalid data found when processing input\n", ExitCode: 1},
	}
	processor := media.NewProcessor("", "", runner)

	err := processor.ExtractAudio(context.Background(), writeInput(t), filepath.Join(t.TempDir(), "x.wav"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid data found when processing input")
}

func TestExtractAudio_MissingInput(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	processor := media.NewProcessor("", "", runner)

	err := processor.ExtractAudio(context.Background(), "/does/not/exist.mp4", filepath.Join(t.TempDir(), "x.wav"))

	require.ErrorIs(t, err, media.ErrMissingInput)
	assert.Empty(t, runner.calls)
}

func TestProbeDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		stdout  string
		want    float64
		wantErr bool
	}{
		{name: "seconds", stdout: "12.480000\n", want: 12.48},
		{name: "empty", stdout: "\n", wantErr: true},
		{name: "not available", stdout: "N/A\n", wantErr: true},
		{name: "garbage", stdout: "abc", wantErr: true},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			runner := &fakeRunner{result: media.Result{Stdout: testCase.stdout}}
			processor := media.NewProcessor("", "", runner)

			duration, err := processor.ProbeDuration(context.Background(), "out.mp4")
			if testCase.wantErr {
				require.ErrorIs(t, err, media.ErrInvalidDuration)

				return
			}

			require.NoError(t, err)
			assert.InDelta(t, testCase.want, duration, 1e-9)
			assert.Equal(t, media.DefaultFFprobe, runner.calls[0].name)
		})
	}
}
