// Package demucs applies waveform-domain separation models of the hybrid
// transformer family. A model consumes fixed-length stereo segments and
// returns one waveform per source; long tracks are covered by overlapping
// segments blended with a triangular transition weight.
package demucs

import (
	"fmt"

	"github.com/tbeaumont/demix/internal/audio"
	"github.com/tbeaumont/demix/internal/inference"
	"go.uber.org/zap"
)

// Source indices shared by the four-stem models. Six-stem models append
// guitar and piano.
const (
	Drums = iota
	Bass
	Other
	Vocals
)

type Model struct {
	Name    string
	Sources int
	Segment int
	Session inference.Session
	Logger  *zap.Logger

	// test seam; Apply uses runSegment when nil
	run func(audio.Stereo) ([]audio.Stereo, error)
}

// Apply separates the track into Sources stems of the same length as the
// input. overlap is the fraction of a segment shared with its neighbor.
func (m *Model) Apply(mix audio.Stereo, overlap float64) ([]audio.Stereo, error) {
	length := mix.Len()
	if m.Segment <= 0 {
		return nil, fmt.Errorf("model %s has no segment length", m.Name)
	}
	if m.Sources < 4 {
		return nil, fmt.Errorf("model %s declares %d sources", m.Name, m.Sources)
	}

	run := m.run
	if run == nil {
		run = m.runSegment
	}

	stride := int(float64(m.Segment) * (1 - overlap))
	if stride < 1 {
		stride = 1
	}

	weight := transitionWeight(m.Segment)
	outs := make([]audio.Stereo, m.Sources)
	for s := range outs {
		outs[s] = audio.NewStereo(length)
	}
	sumWeight := make([]float64, length)

	segments := 0
	for offset := 0; offset < length; offset += stride {
		chunkLen := m.Segment
		if offset+chunkLen > length {
			chunkLen = length - offset
		}
		segments++

		padded := audio.NewStereo(m.Segment)
		for c := 0; c < 2; c++ {
			copy(padded[c], mix[c][offset:offset+chunkLen])
		}

		stems, err := run(padded)
		if err != nil {
			return nil, fmt.Errorf("model %s segment at %d: %w", m.Name, offset, err)
		}
		if len(stems) != m.Sources {
			return nil, fmt.Errorf("model %s returned %d stems, want %d", m.Name, len(stems), m.Sources)
		}

		for s := range stems {
			for c := 0; c < 2; c++ {
				for i := 0; i < chunkLen; i++ {
					outs[s][c][offset+i] += stems[s][c][i] * float32(weight[i])
				}
			}
		}
		for i := 0; i < chunkLen; i++ {
			sumWeight[offset+i] += weight[i]
		}
	}

	for s := range outs {
		for c := 0; c < 2; c++ {
			for i := range outs[s][c] {
				outs[s][c][i] /= float32(sumWeight[i])
			}
		}
	}

	m.log().Debug("model applied",
		zap.String("model", m.Name),
		zap.Int("samples", length),
		zap.Int("segments", segments),
		zap.Int("stride", stride),
	)
	return outs, nil
}

// ApplyWithFlip averages a normal pass with a polarity-inverted pass:
// 0.5*f(x) + 0.5*(-f(-x)). The augmentation cancels polarity bias in the
// trained weights.
func (m *Model) ApplyWithFlip(mix audio.Stereo, overlap float64) ([]audio.Stereo, error) {
	straight, err := m.Apply(mix, overlap)
	if err != nil {
		return nil, err
	}
	flipped, err := m.Apply(mix.Neg(), overlap)
	if err != nil {
		return nil, err
	}

	out := make([]audio.Stereo, len(straight))
	for s := range straight {
		out[s] = straight[s].Scale(0.5).Add(flipped[s].Scale(-0.5))
	}
	return out, nil
}

func (m *Model) runSegment(segment audio.Stereo) ([]audio.Stereo, error) {
	data := make([]float32, 2*m.Segment)
	copy(data, segment[0])
	copy(data[m.Segment:], segment[1])

	input := inference.Tensor{
		Shape: []int64{1, 2, int64(m.Segment)},
		Data:  data,
	}
	output, err := m.Session.Run(input, []int64{1, int64(m.Sources), 2, int64(m.Segment)})
	if err != nil {
		return nil, err
	}

	stems := make([]audio.Stereo, m.Sources)
	for s := 0; s < m.Sources; s++ {
		var stem audio.Stereo
		for c := 0; c < 2; c++ {
			base := (s*2 + c) * m.Segment
			stem[c] = append([]float32(nil), output.Data[base:base+m.Segment]...)
		}
		stems[s] = stem
	}
	return stems, nil
}

// FoldExtraStems adds any sources past the standard four into "other",
// collapsing six-stem model output (guitar, piano) to the ensemble layout.
func FoldExtraStems(stems []audio.Stereo) []audio.Stereo {
	if len(stems) <= 4 {
		return stems
	}
	folded := stems[Other]
	for _, extra := range stems[4:] {
		folded = folded.Add(extra)
	}
	out := make([]audio.Stereo, 4)
	copy(out, stems[:4])
	out[Other] = folded
	return out
}

// transitionWeight is a triangle peaking mid-segment so overlapping
// segments cross-fade instead of averaging hard edges.
func transitionWeight(segment int) []float64 {
	weight := make([]float64, segment)
	half := segment / 2
	var max float64
	for i := 0; i < half; i++ {
		weight[i] = float64(i + 1)
		if weight[i] > max {
			max = weight[i]
		}
	}
	for i := half; i < segment; i++ {
		weight[i] = float64(segment - i)
		if weight[i] > max {
			max = weight[i]
		}
	}
	for i := range weight {
		weight[i] /= max
	}
	return weight
}

func (m *Model) log() *zap.Logger {
	if m.Logger == nil {
		return zap.NewNop()
	}
	return m.Logger
}
