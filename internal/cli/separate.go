package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/tbeaumont/demix/internal/audio"
	"github.com/tbeaumont/demix/internal/ensemble"
	"go.uber.org/zap"
)

const requiredSampleRate = 44100

// stemSeparator is the part of ensemble.Separator the command flow needs.
type stemSeparator interface {
	Separate(ctx context.Context, mix audio.Stereo, progress ensemble.ProgressFunc, fileIndex, totalFiles int) (ensemble.Stems, error)
	Close() error
}

func newSeparateCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "separate <audio-file>...",
		Short: "Separate one or more mixtures into stems",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runSeparate(cmd.Context(), args)
		},
	}

	bindLoggingFlags(cmd, app)
	bindProgressFlag(cmd, app)
	bindModelFlags(cmd, app)
	bindOutputFlags(cmd, app)
	bindSeparationFlags(cmd, app)
	bindComputeFlags(cmd, app)
	bindSilenceFlags(cmd, app)

	return cmd
}

func (a *appState) runSeparate(ctx context.Context, inputs []string) error {
	if len(inputs) == 0 {
		return errors.New("no input files given; pass one or more WAV files")
	}

	preflightFn := a.preflightFn
	if preflightFn == nil {
		preflightFn = a.ensureModelsAvailable
	}

	newSeparatorFn := a.newSeparatorFn
	if newSeparatorFn == nil {
		newSeparatorFn = a.newSeparator
	}

	if err := preflightFn(ctx); err != nil {
		return err
	}

	if err := os.MkdirAll(a.outputDir, 0o755); err != nil {
		return fmt.Errorf("create output directory %s: %w", a.outputDir, err)
	}

	separator, err := newSeparatorFn()
	if err != nil {
		return err
	}
	defer func() {
		if err := separator.Close(); err != nil {
			a.log().Warn("failed to release model sessions", zap.Error(err))
		}
	}()

	update, stopBar := startPercentBar(a.progressEnabled(), "Separating")
	defer stopBar()

	for i, input := range inputs {
		if err := a.separateOne(ctx, separator, input, i, len(inputs), update); err != nil {
			return fmt.Errorf("separate %s: %w", input, err)
		}
	}
	update(100)
	return nil
}

func (a *appState) separateOne(ctx context.Context, separator stemSeparator, input string, index, total int, update func(int)) error {
	clip, err := audio.ReadWAV(input)
	if err != nil {
		return err
	}
	if clip.SampleRate != requiredSampleRate {
		return fmt.Errorf("unsupported sample rate %d Hz (expected %d); resample first, e.g. `ffmpeg -i %s -ar %d resampled.wav`",
			clip.SampleRate, requiredSampleRate, input, requiredSampleRate)
	}

	a.log().Info("separating", zap.String("input", input), zap.Int("frames", clip.Samples.Len()))
	started := time.Now()

	var stems ensemble.Stems
	if a.silentInput(clip.Samples) {
		stems = a.silentStems(clip.Samples.Len())
	} else {
		stems, err = separator.Separate(ctx, clip.Samples, update, index, total)
		if err != nil {
			return err
		}
	}

	if err := a.writeStems(input, clip, stems); err != nil {
		return err
	}

	a.log().Info("separation finished", zap.Duration("elapsed", time.Since(started)))
	return nil
}

func (a *appState) silentInput(mix audio.Stereo) bool {
	if !a.silenceGate {
		return false
	}

	silent, metrics := audio.IsNearSilent(mix, a.silenceDBFS)
	if !silent {
		return false
	}

	a.log().Info(
		"input considered silent; writing silent stems",
		zap.Float64("rms_dbfs", metrics.RMSdBFS),
		zap.Float64("peak_dbfs", metrics.PeakdBFS),
		zap.Float64("threshold_dbfs", a.silenceDBFS),
	)
	return true
}

func (a *appState) silentStems(frames int) ensemble.Stems {
	stems := ensemble.Stems{Vocals: audio.NewStereo(frames)}
	if !a.onlyVocals {
		stems.Drums = audio.NewStereo(frames)
		stems.Bass = audio.NewStereo(frames)
		stems.Other = audio.NewStereo(frames)
	}
	return stems
}

func (a *appState) writeStems(input string, clip audio.Clip, stems ensemble.Stems) error {
	base := filepath.Base(input)
	base = base[:len(base)-len(filepath.Ext(base))]

	encode := audio.WriteFloat32WAV
	if a.pcm16Output {
		encode = audio.WritePCM16WAV
	}

	write := func(suffix string, samples audio.Stereo) error {
		path := filepath.Join(a.outputDir, fmt.Sprintf("%s_%s.wav", base, suffix))
		out := audio.Clip{SampleRate: clip.SampleRate, Samples: samples}
		if err := encode(path, out); err != nil {
			return fmt.Errorf("write stem %s: %w", path, err)
		}
		fmt.Fprintln(a.outWriter(), path)
		return nil
	}

	fullMix := !a.onlyVocals

	if fullMix {
		if err := write("bass", stems.Bass); err != nil {
			return err
		}
		if err := write("drums", stems.Drums); err != nil {
			return err
		}
		if err := write("other", stems.Other); err != nil {
			return err
		}
	}
	if err := write("vocals", stems.Vocals); err != nil {
		return err
	}

	if err := write("instrum", clip.Samples.Sub(stems.Vocals)); err != nil {
		return err
	}
	if fullMix {
		if err := write("instrum2", stems.Bass.Add(stems.Drums).Add(stems.Other)); err != nil {
			return err
		}
	}
	return nil
}
