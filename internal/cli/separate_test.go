package cli

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tbeaumont/demix/internal/audio"
	"github.com/tbeaumont/demix/internal/ensemble"
)

type fakeSeparator struct {
	calls  int
	closed bool
	err    error
}

func (f *fakeSeparator) Separate(_ context.Context, mix audio.Stereo, progress ensemble.ProgressFunc, _, _ int) (ensemble.Stems, error) {
	f.calls++
	if f.err != nil {
		return ensemble.Stems{}, f.err
	}
	if progress != nil {
		progress(95)
	}
	return ensemble.Stems{
		Vocals: mix.Scale(0.4),
		Drums:  mix.Scale(0.3),
		Bass:   mix.Scale(0.2),
		Other:  mix.Scale(0.1),
	}, nil
}

func (f *fakeSeparator) Close() error {
	f.closed = true
	return nil
}

func newTestApp(t *testing.T, separator stemSeparator) *appState {
	t.Helper()

	return &appState{
		outputDir:    t.TempDir(),
		overlapLarge: 0.6,
		overlapSmall: 0.5,
		chunkSize:    1000000,
		silenceGate:  true,
		silenceDBFS:  -65,
		noProgress:   true,
		out:          &bytes.Buffer{},
		preflightFn:  func(context.Context) error { return nil },
		newSeparatorFn: func() (stemSeparator, error) {
			return separator, nil
		},
	}
}

func writeToneWAV(t *testing.T, sampleRate, frames int) string {
	t.Helper()

	samples := audio.NewStereo(frames)
	for i := 0; i < frames; i++ {
		v := float32(0.5 * math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate)))
		samples[0][i] = v
		samples[1][i] = v
	}

	path := filepath.Join(t.TempDir(), "song.wav")
	require.NoError(t, audio.WriteFloat32WAV(path, audio.Clip{SampleRate: sampleRate, Samples: samples}))
	return path
}

func writeSilentWAV(t *testing.T, frames int) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "quiet.wav")
	require.NoError(t, audio.WriteFloat32WAV(path, audio.Clip{SampleRate: 44100, Samples: audio.NewStereo(frames)}))
	return path
}

func TestRunSeparateWritesAllStems(t *testing.T) {
	t.Parallel()

	separator := &fakeSeparator{}
	app := newTestApp(t, separator)
	input := writeToneWAV(t, 44100, 1000)

	require.NoError(t, app.runSeparate(context.Background(), []string{input}))
	require.Equal(t, 1, separator.calls)
	require.True(t, separator.closed)

	for _, suffix := range []string{"bass", "drums", "other", "vocals", "instrum", "instrum2"} {
		path := filepath.Join(app.outputDir, "song_"+suffix+".wav")
		require.FileExists(t, path)
		require.Contains(t, app.out.(*bytes.Buffer).String(), path)
	}

	mix, err := audio.ReadWAV(input)
	require.NoError(t, err)
	vocals, err := audio.ReadWAV(filepath.Join(app.outputDir, "song_vocals.wav"))
	require.NoError(t, err)
	instrum, err := audio.ReadWAV(filepath.Join(app.outputDir, "song_instrum.wav"))
	require.NoError(t, err)

	require.Equal(t, 44100, instrum.SampleRate)
	for i := 0; i < 100; i++ {
		require.InDelta(t, mix.Samples[0][i]-vocals.Samples[0][i], instrum.Samples[0][i], 1e-6)
	}
}

func TestRunSeparateOnlyVocalsWritesSubset(t *testing.T) {
	t.Parallel()

	app := newTestApp(t, &onlyVocalsSeparator{})
	app.onlyVocals = true
	input := writeToneWAV(t, 44100, 500)

	require.NoError(t, app.runSeparate(context.Background(), []string{input}))

	require.FileExists(t, filepath.Join(app.outputDir, "song_vocals.wav"))
	require.FileExists(t, filepath.Join(app.outputDir, "song_instrum.wav"))
	require.NoFileExists(t, filepath.Join(app.outputDir, "song_drums.wav"))
	require.NoFileExists(t, filepath.Join(app.outputDir, "song_instrum2.wav"))
}

type onlyVocalsSeparator struct{}

func (s *onlyVocalsSeparator) Separate(_ context.Context, mix audio.Stereo, _ ensemble.ProgressFunc, _, _ int) (ensemble.Stems, error) {
	return ensemble.Stems{Vocals: mix.Scale(0.5)}, nil
}

func (s *onlyVocalsSeparator) Close() error { return nil }

func TestRunSeparatePCM16Output(t *testing.T) {
	t.Parallel()

	separator := &fakeSeparator{}
	app := newTestApp(t, separator)
	app.pcm16Output = true
	input := writeToneWAV(t, 44100, 800)

	require.NoError(t, app.runSeparate(context.Background(), []string{input}))

	path := filepath.Join(app.outputDir, "song_vocals.wav")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// PCM format tag and 16-bit sample size in the fmt chunk.
	require.EqualValues(t, 1, binary.LittleEndian.Uint16(data[20:]))
	require.EqualValues(t, 16, binary.LittleEndian.Uint16(data[34:]))

	mix, err := audio.ReadWAV(input)
	require.NoError(t, err)
	vocals, err := audio.ReadWAV(path)
	require.NoError(t, err)
	require.Equal(t, mix.Samples.Len(), vocals.Samples.Len())
	for i := 0; i < 100; i++ {
		require.InDelta(t, mix.Samples[0][i]*0.4, vocals.Samples[0][i], 1e-3)
	}
}

func TestRunSeparateFullModeEmptyInputWritesAllStems(t *testing.T) {
	t.Parallel()

	separator := &fakeSeparator{}
	app := newTestApp(t, separator)
	input := writeSilentWAV(t, 0)

	require.NoError(t, app.runSeparate(context.Background(), []string{input}))
	require.Equal(t, 0, separator.calls)

	for _, suffix := range []string{"bass", "drums", "other", "vocals", "instrum", "instrum2"} {
		require.FileExists(t, filepath.Join(app.outputDir, "quiet_"+suffix+".wav"))
	}
}

func TestRunSeparateRejectsWrongSampleRate(t *testing.T) {
	t.Parallel()

	separator := &fakeSeparator{}
	app := newTestApp(t, separator)
	input := writeToneWAV(t, 48000, 500)

	err := app.runSeparate(context.Background(), []string{input})
	require.Error(t, err)
	require.Contains(t, err.Error(), "44100")
	require.Contains(t, err.Error(), "ffmpeg")
	require.Equal(t, 0, separator.calls)
}

func TestRunSeparateSilenceGateSkipsInference(t *testing.T) {
	t.Parallel()

	separator := &fakeSeparator{}
	app := newTestApp(t, separator)
	input := writeSilentWAV(t, 2000)

	require.NoError(t, app.runSeparate(context.Background(), []string{input}))
	require.Equal(t, 0, separator.calls)

	vocals, err := audio.ReadWAV(filepath.Join(app.outputDir, "quiet_vocals.wav"))
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		require.Zero(t, vocals.Samples[0][i])
	}
}

func TestRunSeparateSilenceGateDisabled(t *testing.T) {
	t.Parallel()

	separator := &fakeSeparator{}
	app := newTestApp(t, separator)
	app.silenceGate = false
	input := writeSilentWAV(t, 2000)

	require.NoError(t, app.runSeparate(context.Background(), []string{input}))
	require.Equal(t, 1, separator.calls)
}

func TestRunSeparateRequiresInputs(t *testing.T) {
	t.Parallel()

	app := newTestApp(t, &fakeSeparator{})
	err := app.runSeparate(context.Background(), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no input files")
}

func TestRunSeparatePropagatesPreflightErrors(t *testing.T) {
	t.Parallel()

	app := newTestApp(t, &fakeSeparator{})
	app.preflightFn = func(context.Context) error {
		return errors.New("model download failed")
	}

	err := app.runSeparate(context.Background(), []string{"whatever.wav"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "model download failed")
}

func TestRunSeparatePropagatesSeparationErrors(t *testing.T) {
	t.Parallel()

	separator := &fakeSeparator{err: errors.New("inference blew up")}
	app := newTestApp(t, separator)
	input := writeToneWAV(t, 44100, 500)

	err := app.runSeparate(context.Background(), []string{input})
	require.Error(t, err)
	require.Contains(t, err.Error(), "inference blew up")
	require.True(t, separator.closed)
}

func TestRunSeparateBatchProcessesEveryFile(t *testing.T) {
	t.Parallel()

	separator := &fakeSeparator{}
	app := newTestApp(t, separator)

	first := writeToneWAV(t, 44100, 400)
	dir := t.TempDir()
	second := filepath.Join(dir, "other-song.wav")
	data, err := os.ReadFile(first)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(second, data, 0o644))

	require.NoError(t, app.runSeparate(context.Background(), []string{first, second}))
	require.Equal(t, 2, separator.calls)
	require.FileExists(t, filepath.Join(app.outputDir, "song_vocals.wav"))
	require.FileExists(t, filepath.Join(app.outputDir, "other-song_vocals.wav"))
}
