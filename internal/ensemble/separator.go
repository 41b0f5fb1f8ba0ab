// Package ensemble blends several pretrained separation models into the
// final stem estimates. Vocals come from a weighted average of two
// spectrogram models and a waveform model; the remaining stems come from
// four waveform models applied to the instrumental residual, combined with
// per-stem weights and a clipped-residual reconstruction.
package ensemble

import (
	"context"
	"fmt"

	"github.com/tbeaumont/demix/internal/audio"
	"github.com/tbeaumont/demix/internal/demucs"
	"github.com/tbeaumont/demix/internal/inference"
	"github.com/tbeaumont/demix/internal/mdx"
	"github.com/tbeaumont/demix/internal/models"
	"go.uber.org/zap"
)

// Stems holds the separated outputs. Drums, Bass, and Other are empty when
// the separation ran in vocals-only mode.
type Stems struct {
	Vocals audio.Stereo
	Drums  audio.Stereo
	Bass   audio.Stereo
	Other  audio.Stereo
}

// ProgressFunc receives overall progress in percent across all files of a
// batch.
type ProgressFunc func(percent int)

// Loader opens an inference session for a named registry asset, ensuring
// the asset is present locally first.
type Loader func(ctx context.Context, name string) (inference.Session, error)

// Ensemble weights, one entry per instrumental model in pipeline order
// (htdemucs_ft, htdemucs, htdemucs_6s, hdemucs_mmi).
var (
	weightsDrums  = [4]float32{18, 2, 4, 9}
	weightsBass   = [4]float32{19, 4, 5, 8}
	weightsOther  = [4]float32{14, 2, 5, 10}
	weightsVocals = [4]float32{10, 1, 8, 9}
)

// Vocal blend weights: spectral vocal model, inverted spectral
// instrumental model, waveform vocals model.
var (
	vocalWeightsFull   = [3]float32{12, 8, 3}
	vocalWeightsSingle = [2]float32{6, 1}
)

var instrumentalModels = [4]string{
	models.HTDemucsFT,
	models.HTDemucs,
	models.HTDemucs6S,
	models.HDemucsMMI,
}

// RequiredModels lists the registry assets a Separator with these options
// will load, in the order the pipeline runs them.
func RequiredModels(opts Options) []string {
	names := []string{models.DemucsVocals}
	if opts.UseKimModel1 {
		names = append(names, models.KimVocal1)
	} else {
		names = append(names, models.KimVocal2)
	}
	if !opts.SingleModel {
		names = append(names, models.KimInst)
	}
	if !opts.OnlyVocals {
		names = append(names, instrumentalModels[:]...)
	}
	return names
}

const defaultChunkSize = 1000000

type Options struct {
	OverlapLarge float64
	OverlapSmall float64
	ChunkSize    int
	SingleModel  bool
	UseKimModel1 bool
	OnlyVocals   bool
	LargeMemory  bool
	Logger       *zap.Logger
}

type Separator struct {
	opts   Options
	load   Loader
	logger *zap.Logger

	resident map[string]inference.Session

	// test seams; defaults run the real models
	vocalsWaveFn func(ctx context.Context, mix audio.Stereo, overlap float64, tick func()) (audio.Stereo, error)
	spectralFn   func(ctx context.Context, name string, mix audio.Stereo, overlap float64) (audio.Stereo, error)
	instModelFn  func(ctx context.Context, name string, mix audio.Stereo, overlap float64) ([]audio.Stereo, error)
}

func New(load Loader, opts Options) *Separator {
	opts.OverlapLarge = clampOverlap(opts.OverlapLarge)
	opts.OverlapSmall = clampOverlap(opts.OverlapSmall)
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	s := &Separator{
		opts:     opts,
		load:     load,
		logger:   opts.Logger,
		resident: make(map[string]inference.Session),
	}
	s.vocalsWaveFn = s.runVocalsWave
	s.spectralFn = s.runSpectral
	s.instModelFn = s.runInstrumentalModel
	return s
}

// Close releases any sessions kept resident in large-memory mode.
func (s *Separator) Close() error {
	var firstErr error
	for name, session := range s.resident {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close session %s: %w", name, err)
		}
		delete(s.resident, name)
	}
	return firstErr
}

// Separate splits one mixture into stems. fileIndex and totalFiles scale
// the progress callback across a batch.
func (s *Separator) Separate(ctx context.Context, mix audio.Stereo, progress ProgressFunc, fileIndex, totalFiles int) (Stems, error) {
	if totalFiles <= 0 {
		totalFiles = 1
		fileIndex = 0
	}
	report := func(frac float64) {
		if progress != nil {
			progress(int(100 * (float64(fileIndex) + frac) / float64(totalFiles)))
		}
	}

	vocals, err := s.separateVocals(ctx, mix, report)
	if err != nil {
		return Stems{}, err
	}

	if s.opts.OnlyVocals {
		report(0.95)
		return Stems{Vocals: vocals}, nil
	}

	stems, err := s.separateInstrumental(ctx, mix, vocals, report)
	if err != nil {
		return Stems{}, err
	}
	report(0.95)
	return stems, nil
}

func (s *Separator) separateVocals(ctx context.Context, mix audio.Stereo, report func(float64)) (audio.Stereo, error) {
	vocalsWave, err := s.vocalsWaveFn(ctx, mix, s.opts.OverlapLarge, func() { report(0.10) })
	if err != nil {
		return audio.Stereo{}, fmt.Errorf("waveform vocals model: %w", err)
	}
	report(0.20)

	kimVocal := models.KimVocal2
	if s.opts.UseKimModel1 {
		kimVocal = models.KimVocal1
	}
	vocalsSpec, err := s.spectralFn(ctx, kimVocal, mix, s.opts.OverlapLarge)
	if err != nil {
		return audio.Stereo{}, fmt.Errorf("spectral vocals model: %w", err)
	}
	report(0.30)

	if s.opts.SingleModel {
		report(0.40)
		w := vocalWeightsSingle
		total := w[0] + w[1]
		return vocalsSpec.Scale(w[0] / total).Add(vocalsWave.Scale(w[1] / total)), nil
	}

	// The instrumental model estimates everything but vocals, so it runs
	// on the inverted mixture and vocals fall out as the residual.
	instSpec, err := s.spectralFn(ctx, models.KimInst, mix.Neg(), s.opts.OverlapLarge)
	if err != nil {
		return audio.Stereo{}, fmt.Errorf("spectral instrumental model: %w", err)
	}
	vocalsSpec2 := mix.Sub(instSpec.Neg())
	report(0.40)

	w := vocalWeightsFull
	total := w[0] + w[1] + w[2]
	return vocalsSpec.Scale(w[0] / total).
		Add(vocalsSpec2.Scale(w[1] / total)).
		Add(vocalsWave.Scale(w[2] / total)), nil
}

func (s *Separator) separateInstrumental(ctx context.Context, mix, vocals audio.Stereo, report func(float64)) (Stems, error) {
	instrum := mix.Sub(vocals)

	length := mix.Len()
	var ens [4]audio.Stereo
	for i := range ens {
		ens[i] = audio.NewStereo(length)
	}

	for i, name := range instrumentalModels {
		overlap := s.opts.OverlapLarge
		if i == 0 {
			overlap = s.opts.OverlapSmall
		}

		stems, err := s.instModelFn(ctx, name, instrum, overlap)
		if err != nil {
			return Stems{}, fmt.Errorf("instrumental model %s: %w", name, err)
		}
		report(0.50 + float64(i)*0.10)

		ens[demucs.Drums] = ens[demucs.Drums].Add(stems[demucs.Drums].Scale(weightsDrums[i]))
		ens[demucs.Bass] = ens[demucs.Bass].Add(stems[demucs.Bass].Scale(weightsBass[i]))
		ens[demucs.Other] = ens[demucs.Other].Add(stems[demucs.Other].Scale(weightsOther[i]))
		ens[demucs.Vocals] = ens[demucs.Vocals].Add(stems[demucs.Vocals].Scale(weightsVocals[i]))
	}

	ens[demucs.Drums] = ens[demucs.Drums].Scale(1 / sum(weightsDrums))
	ens[demucs.Bass] = ens[demucs.Bass].Scale(1 / sum(weightsBass))
	ens[demucs.Other] = ens[demucs.Other].Scale(1 / sum(weightsOther))
	ens[demucs.Vocals] = ens[demucs.Vocals].Scale(1 / sum(weightsVocals))

	// Clipped-residual reconstruction: each stem is pulled toward what is
	// left of the mixture once the other stems are removed.
	res := mix.Sub(vocals).Sub(ens[demucs.Drums]).Sub(ens[demucs.Bass]).Clip()
	other := res.Scale(2).Add(ens[demucs.Other]).Scale(1.0 / 3.0)

	res = mix.Sub(vocals).Sub(ens[demucs.Bass]).Sub(ens[demucs.Other]).Clip()
	drums := res.Add(ens[demucs.Drums].Scale(2)).Scale(1.0 / 3.0)

	res = mix.Sub(vocals).Sub(ens[demucs.Drums]).Sub(ens[demucs.Other]).Clip()
	bass := res.Add(ens[demucs.Bass].Scale(2)).Scale(1.0 / 3.0)

	// Final pass makes the stems sum to the mixture exactly.
	return Stems{
		Vocals: vocals,
		Other:  mix.Sub(vocals).Sub(bass).Sub(drums),
		Drums:  mix.Sub(vocals).Sub(bass).Sub(other),
		Bass:   mix.Sub(vocals).Sub(drums).Sub(other),
	}, nil
}

func (s *Separator) runVocalsWave(ctx context.Context, mix audio.Stereo, overlap float64, tick func()) (audio.Stereo, error) {
	session, release, err := s.session(ctx, models.DemucsVocals)
	if err != nil {
		return audio.Stereo{}, err
	}
	defer release()

	asset, _ := models.Lookup(models.DemucsVocals)
	model := &demucs.Model{
		Name:    asset.Name,
		Sources: asset.Sources,
		Segment: asset.Segment,
		Session: session,
		Logger:  s.logger,
	}

	straight, err := model.Apply(mix, overlap)
	if err != nil {
		return audio.Stereo{}, err
	}
	tick()

	flipped, err := model.Apply(mix.Neg(), overlap)
	if err != nil {
		return audio.Stereo{}, err
	}

	return straight[demucs.Vocals].Scale(0.5).Add(flipped[demucs.Vocals].Scale(-0.5)), nil
}

func (s *Separator) runSpectral(ctx context.Context, name string, mix audio.Stereo, overlap float64) (audio.Stereo, error) {
	session, release, err := s.session(ctx, name)
	if err != nil {
		return audio.Stereo{}, err
	}
	defer release()

	asset, _ := models.Lookup(name)
	d := &mdx.Demixer{
		Net:     mdx.NewNet(asset.NFFT),
		Session: session,
		Logger:  s.logger,
	}
	return d.Demix(mix, s.opts.ChunkSize, overlap)
}

func (s *Separator) runInstrumentalModel(ctx context.Context, name string, mix audio.Stereo, overlap float64) ([]audio.Stereo, error) {
	session, release, err := s.session(ctx, name)
	if err != nil {
		return nil, err
	}
	defer release()

	asset, _ := models.Lookup(name)
	model := &demucs.Model{
		Name:    asset.Name,
		Sources: asset.Sources,
		Segment: asset.Segment,
		Session: session,
		Logger:  s.logger,
	}

	stems, err := model.ApplyWithFlip(mix, overlap)
	if err != nil {
		return nil, err
	}
	return demucs.FoldExtraStems(stems), nil
}

// session hands out an inference session for the named asset. In
// large-memory mode sessions stay resident for the whole batch; otherwise
// the release func closes the session once the stage is done.
func (s *Separator) session(ctx context.Context, name string) (inference.Session, func(), error) {
	if s.opts.LargeMemory {
		if session, ok := s.resident[name]; ok {
			return session, func() {}, nil
		}
		session, err := s.load(ctx, name)
		if err != nil {
			return nil, nil, err
		}
		s.resident[name] = session
		return session, func() {}, nil
	}

	session, err := s.load(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	release := func() {
		if err := session.Close(); err != nil {
			s.logger.Warn("failed to close model session", zap.String("model", name), zap.Error(err))
		}
	}
	return session, release, nil
}

func clampOverlap(v float64) float64 {
	if v > 0.99 {
		return 0.99
	}
	if v < 0 {
		return 0
	}
	return v
}

func sum(w [4]float32) float32 {
	return w[0] + w[1] + w[2] + w[3]
}
