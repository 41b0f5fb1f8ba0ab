package ensemble

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tbeaumont/demix/internal/audio"
	"github.com/tbeaumont/demix/internal/inference"
	"github.com/tbeaumont/demix/internal/models"
)

func constant(frames int, v float32) audio.Stereo {
	s := audio.NewStereo(frames)
	for c := 0; c < 2; c++ {
		for i := range s[c] {
			s[c][i] = v
		}
	}
	return s
}

func newTestSeparator(opts Options) *Separator {
	return New(func(context.Context, string) (inference.Session, error) {
		return nil, errors.New("loader should not be called when seams are injected")
	}, opts)
}

func TestSeparateVocalsFullBlend(t *testing.T) {
	t.Parallel()

	const frames = 64
	mix := constant(frames, 0.5)

	s := newTestSeparator(Options{})
	s.vocalsWaveFn = func(_ context.Context, _ audio.Stereo, _ float64, tick func()) (audio.Stereo, error) {
		tick()
		return constant(frames, 0.1), nil
	}
	s.spectralFn = func(_ context.Context, name string, in audio.Stereo, _ float64) (audio.Stereo, error) {
		switch name {
		case models.KimVocal2:
			return constant(frames, 0.2), nil
		case models.KimInst:
			// Called with the inverted mixture; answer in kind.
			require.InDelta(t, -0.5, float64(in[0][0]), 1e-6)
			return constant(frames, -0.3), nil
		default:
			t.Fatalf("unexpected spectral model %s", name)
			return audio.Stereo{}, nil
		}
	}

	vocals, err := s.separateVocals(context.Background(), mix, func(float64) {})
	require.NoError(t, err)

	// (12*0.2 + 8*(0.5-0.3) + 3*0.1) / 23
	want := float32((12*0.2 + 8*0.2 + 3*0.1) / 23.0)
	for c := 0; c < 2; c++ {
		for i := 0; i < frames; i++ {
			require.InDelta(t, want, vocals[c][i], 1e-6)
		}
	}
}

func TestSeparateVocalsSingleModelBlend(t *testing.T) {
	t.Parallel()

	const frames = 16
	mix := constant(frames, 0.5)

	s := newTestSeparator(Options{SingleModel: true})
	s.vocalsWaveFn = func(_ context.Context, _ audio.Stereo, _ float64, tick func()) (audio.Stereo, error) {
		tick()
		return constant(frames, 0.7), nil
	}
	s.spectralFn = func(_ context.Context, name string, _ audio.Stereo, _ float64) (audio.Stereo, error) {
		require.Equal(t, models.KimVocal2, name)
		return constant(frames, 0.35), nil
	}

	vocals, err := s.separateVocals(context.Background(), mix, func(float64) {})
	require.NoError(t, err)

	want := float32((6*0.35 + 1*0.7) / 7.0)
	require.InDelta(t, want, vocals[0][0], 1e-6)
}

func TestSeparateVocalsKimModel1Flag(t *testing.T) {
	t.Parallel()

	s := newTestSeparator(Options{SingleModel: true, UseKimModel1: true})
	s.vocalsWaveFn = func(_ context.Context, _ audio.Stereo, _ float64, _ func()) (audio.Stereo, error) {
		return constant(4, 0), nil
	}

	var used string
	s.spectralFn = func(_ context.Context, name string, _ audio.Stereo, _ float64) (audio.Stereo, error) {
		used = name
		return constant(4, 0), nil
	}

	_, err := s.separateVocals(context.Background(), constant(4, 0.1), func(float64) {})
	require.NoError(t, err)
	require.Equal(t, models.KimVocal1, used)
}

func TestSeparateResidualReconstruction(t *testing.T) {
	t.Parallel()

	const frames = 128
	mix := audio.NewStereo(frames)
	for c := 0; c < 2; c++ {
		for i := range mix[c] {
			mix[c][i] = float32(c+1) * 0.03 * float32(i%7)
		}
	}

	s := newTestSeparator(Options{})
	s.vocalsWaveFn = func(_ context.Context, _ audio.Stereo, _ float64, tick func()) (audio.Stereo, error) {
		tick()
		return constant(frames, 0.05), nil
	}
	s.spectralFn = func(_ context.Context, _ string, _ audio.Stereo, _ float64) (audio.Stereo, error) {
		return constant(frames, 0.1), nil
	}
	// Same stems from every model, so the weighted blend collapses to
	// the raw values and the residual arithmetic can be checked directly.
	s.instModelFn = func(_ context.Context, _ string, _ audio.Stereo, _ float64) ([]audio.Stereo, error) {
		return []audio.Stereo{
			constant(frames, 0.03),
			constant(frames, 0.02),
			constant(frames, 0.04),
			constant(frames, 0.01),
		}, nil
	}

	stems, err := s.Separate(context.Background(), mix, nil, 0, 1)
	require.NoError(t, err)

	const d, b, o = 0.03, 0.02, 0.04
	for c := 0; c < 2; c++ {
		for i := range mix[c] {
			m := float64(mix[c][i])
			v := (12*0.1 + 8*(m+0.1) + 3*0.05) / 23

			other := (2*(m-v-d-b) + o) / 3
			drums := ((m - v - b - o) + 2*d) / 3
			bass := ((m - v - d - o) + 2*b) / 3

			require.InDelta(t, v, stems.Vocals[c][i], 1e-5)
			require.InDelta(t, m-v-bass-drums, stems.Other[c][i], 1e-5)
			require.InDelta(t, m-v-bass-other, stems.Drums[c][i], 1e-5)
			require.InDelta(t, m-v-drums-other, stems.Bass[c][i], 1e-5)
		}
	}
}

func TestSeparateOnlyVocalsSkipsInstrumentalModels(t *testing.T) {
	t.Parallel()

	const frames = 32
	s := newTestSeparator(Options{OnlyVocals: true, SingleModel: true})
	s.vocalsWaveFn = func(_ context.Context, _ audio.Stereo, _ float64, _ func()) (audio.Stereo, error) {
		return constant(frames, 0.1), nil
	}
	s.spectralFn = func(_ context.Context, _ string, _ audio.Stereo, _ float64) (audio.Stereo, error) {
		return constant(frames, 0.2), nil
	}
	s.instModelFn = func(_ context.Context, _ string, _ audio.Stereo, _ float64) ([]audio.Stereo, error) {
		t.Fatal("instrumental models must not run in vocals-only mode")
		return nil, nil
	}

	stems, err := s.Separate(context.Background(), constant(frames, 0.5), nil, 0, 1)
	require.NoError(t, err)
	require.Equal(t, frames, stems.Vocals.Len())
	require.Equal(t, 0, stems.Drums.Len())
	require.Equal(t, 0, stems.Bass.Len())
	require.Equal(t, 0, stems.Other.Len())
}

func TestSeparateProgressSequence(t *testing.T) {
	t.Parallel()

	const frames = 8
	s := newTestSeparator(Options{})
	s.vocalsWaveFn = func(_ context.Context, _ audio.Stereo, _ float64, tick func()) (audio.Stereo, error) {
		tick()
		return constant(frames, 0), nil
	}
	s.spectralFn = func(_ context.Context, _ string, _ audio.Stereo, _ float64) (audio.Stereo, error) {
		return constant(frames, 0), nil
	}
	s.instModelFn = func(_ context.Context, _ string, _ audio.Stereo, _ float64) ([]audio.Stereo, error) {
		return []audio.Stereo{
			constant(frames, 0), constant(frames, 0), constant(frames, 0), constant(frames, 0),
		}, nil
	}

	var seen []int
	_, err := s.Separate(context.Background(), constant(frames, 0.2), func(p int) {
		seen = append(seen, p)
	}, 0, 1)
	require.NoError(t, err)
	require.Equal(t, []int{10, 20, 30, 40, 50, 60, 70, 80, 95}, seen)
}

func TestSeparateProgressScalesAcrossBatch(t *testing.T) {
	t.Parallel()

	const frames = 8
	s := newTestSeparator(Options{OnlyVocals: true, SingleModel: true})
	s.vocalsWaveFn = func(_ context.Context, _ audio.Stereo, _ float64, tick func()) (audio.Stereo, error) {
		tick()
		return constant(frames, 0), nil
	}
	s.spectralFn = func(_ context.Context, _ string, _ audio.Stereo, _ float64) (audio.Stereo, error) {
		return constant(frames, 0), nil
	}

	var seen []int
	_, err := s.Separate(context.Background(), constant(frames, 0.2), func(p int) {
		seen = append(seen, p)
	}, 1, 2)
	require.NoError(t, err)
	// Second file of two: fractions land in the upper half.
	require.Equal(t, []int{55, 60, 65, 70, 97}, seen)
}

func TestRequiredModels(t *testing.T) {
	t.Parallel()

	full := RequiredModels(Options{})
	require.Equal(t, []string{
		models.DemucsVocals, models.KimVocal2, models.KimInst,
		models.HTDemucsFT, models.HTDemucs, models.HTDemucs6S, models.HDemucsMMI,
	}, full)

	minimal := RequiredModels(Options{SingleModel: true, OnlyVocals: true, UseKimModel1: true})
	require.Equal(t, []string{models.DemucsVocals, models.KimVocal1}, minimal)
}

func TestNewClampsOverlaps(t *testing.T) {
	t.Parallel()

	s := newTestSeparator(Options{OverlapLarge: 1.5, OverlapSmall: -0.3})
	require.Equal(t, 0.99, s.opts.OverlapLarge)
	require.Equal(t, 0.0, s.opts.OverlapSmall)
	require.Equal(t, defaultChunkSize, s.opts.ChunkSize)
}

type trackedSession struct {
	closed bool
}

func (s *trackedSession) Run(_ inference.Tensor, shape []int64) (inference.Tensor, error) {
	return inference.Tensor{Shape: shape}, nil
}

func (s *trackedSession) Close() error {
	s.closed = true
	return nil
}

func TestSessionLargeMemoryKeepsSessionsResident(t *testing.T) {
	t.Parallel()

	loads := 0
	opened := map[string]*trackedSession{}
	loader := func(_ context.Context, name string) (inference.Session, error) {
		loads++
		session := &trackedSession{}
		opened[name] = session
		return session, nil
	}

	s := New(loader, Options{LargeMemory: true})

	for i := 0; i < 3; i++ {
		session, release, err := s.session(context.Background(), models.HTDemucs)
		require.NoError(t, err)
		require.NotNil(t, session)
		release()
	}
	require.Equal(t, 1, loads)
	require.False(t, opened[models.HTDemucs].closed)

	require.NoError(t, s.Close())
	require.True(t, opened[models.HTDemucs].closed)
}

func TestSessionLowMemoryClosesOnRelease(t *testing.T) {
	t.Parallel()

	var sessions []*trackedSession
	loader := func(_ context.Context, _ string) (inference.Session, error) {
		session := &trackedSession{}
		sessions = append(sessions, session)
		return session, nil
	}

	s := New(loader, Options{})

	for i := 0; i < 2; i++ {
		_, release, err := s.session(context.Background(), models.KimVocal2)
		require.NoError(t, err)
		release()
	}
	require.Len(t, sessions, 2)
	for _, session := range sessions {
		require.True(t, session.closed)
	}
}

func TestSeparatePropagatesLoaderErrors(t *testing.T) {
	t.Parallel()

	s := New(func(context.Context, string) (inference.Session, error) {
		return nil, errors.New("model missing")
	}, Options{})

	_, err := s.Separate(context.Background(), constant(8, 0.1), nil, 0, 1)
	require.Error(t, err)
	require.Contains(t, err.Error(), "model missing")
}
