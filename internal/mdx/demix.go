package mdx

import (
	"fmt"

	"github.com/tbeaumont/demix/internal/audio"
	"github.com/tbeaumont/demix/internal/inference"
	"go.uber.org/zap"
)

// Demixer runs one spectrogram model over a full track with two levels of
// chunking: an outer overlap-add pass bounded by chunkSize (memory control)
// and an inner pad/trim segmentation matching the network geometry.
type Demixer struct {
	Net     *Net
	Session inference.Session
	Logger  *zap.Logger

	// test seam; Demix uses processSegment when nil
	process func(audio.Stereo) (audio.Stereo, error)
}

// Demix separates the track and returns a waveform of the same length.
// overlap is the fraction of chunkSize shared between consecutive outer
// chunks.
func (d *Demixer) Demix(mix audio.Stereo, chunkSize int, overlap float64) (audio.Stereo, error) {
	length := mix.Len()
	if length == 0 {
		return audio.NewStereo(0), nil
	}
	if chunkSize <= 0 {
		return audio.Stereo{}, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}

	step := int(float64(chunkSize) * (1 - overlap))
	if step < 1 {
		step = 1
	}

	process := d.process
	if process == nil {
		process = d.processSegment
	}

	result := audio.NewStereo(length)
	divider := make([]float32, length)

	chunks := 0
	for start := 0; start < length; start += step {
		end := start + chunkSize
		if end > length {
			end = length
		}
		chunks++

		part, err := process(mix.Slice(start, end))
		if err != nil {
			return audio.Stereo{}, fmt.Errorf("chunk %d [%d:%d]: %w", chunks, start, end, err)
		}

		for c := 0; c < 2; c++ {
			for i := 0; i < end-start; i++ {
				result[c][start+i] += part[c][i]
			}
		}
		for i := start; i < end; i++ {
			divider[i]++
		}
	}

	for c := 0; c < 2; c++ {
		for i := range result[c] {
			result[c][i] /= divider[i]
		}
	}

	d.log().Debug("demix pass finished",
		zap.Int("samples", length),
		zap.Int("chunks", chunks),
		zap.Int("step", step),
	)
	return result, nil
}

// processSegment pads the segment with silence so the network windows tile
// it exactly, runs the whole batch through the session, and stitches the
// trimmed window outputs back together.
func (d *Demixer) processSegment(mix audio.Stereo) (audio.Stereo, error) {
	nSamples := mix.Len()
	gen := d.Net.GenSize()
	trim := d.Net.Trim()
	chunk := d.Net.ChunkSize()

	pad := gen - nSamples%gen
	padded := audio.NewStereo(trim + nSamples + pad + trim)
	for c := 0; c < 2; c++ {
		copy(padded[c][trim:], mix[c])
	}

	var windows []audio.Stereo
	for i := 0; i < nSamples+pad; i += gen {
		windows = append(windows, padded.Slice(i, i+chunk))
	}

	input, err := d.Net.Spectrogram(windows)
	if err != nil {
		return audio.Stereo{}, err
	}

	output, err := d.Session.Run(input, input.Shape)
	if err != nil {
		return audio.Stereo{}, err
	}

	waves, err := d.Net.Waveform(output)
	if err != nil {
		return audio.Stereo{}, err
	}

	joined := audio.NewStereo(len(waves) * gen)
	for w, wave := range waves {
		for c := 0; c < 2; c++ {
			copy(joined[c][w*gen:], wave[c][trim:chunk-trim])
		}
	}

	return joined.Slice(0, nSamples), nil
}

func (d *Demixer) log() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}
