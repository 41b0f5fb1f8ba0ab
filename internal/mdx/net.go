// Package mdx drives the frequency-domain vocal separation networks. The
// models consume fixed-size spectrogram chunks packed as four channels
// (left real, left imag, right real, right imag) cropped to the trained
// frequency rows, and emit the same layout back.
package mdx

import (
	"fmt"

	"github.com/tbeaumont/demix/internal/audio"
	"github.com/tbeaumont/demix/internal/dsp"
	"github.com/tbeaumont/demix/internal/inference"
)

const (
	dimC = 4
	dimF = 3072
	dimT = 256
	hop  = 1024
)

// Net describes the fixed chunk geometry of a spectrogram model.
type Net struct {
	nFFT int
	stft *dsp.STFT
}

func NewNet(nFFT int) *Net {
	return &Net{nFFT: nFFT, stft: dsp.New(nFFT, hop)}
}

// ChunkSize is the window length in samples each model pass consumes.
func (n *Net) ChunkSize() int { return hop * (dimT - 1) }

// Trim is the number of samples cut from each window edge after inversion;
// the network output is unreliable inside half an FFT frame of the edges.
func (n *Net) Trim() int { return n.nFFT / 2 }

// GenSize is the stride between windows, i.e. the samples each window
// actually contributes.
func (n *Net) GenSize() int { return n.ChunkSize() - 2*n.Trim() }

// Spectrogram packs a batch of stereo windows of ChunkSize samples into the
// model input tensor [batch, 4, dimF, dimT].
func (n *Net) Spectrogram(windows []audio.Stereo) (inference.Tensor, error) {
	batch := len(windows)
	data := make([]float32, batch*dimC*dimF*dimT)

	for b, w := range windows {
		if w.Len() != n.ChunkSize() {
			return inference.Tensor{}, fmt.Errorf("window %d has %d samples, want %d", b, w.Len(), n.ChunkSize())
		}
		for ch := 0; ch < 2; ch++ {
			spec := n.stft.Transform(w[ch])
			for f := 0; f < dimF; f++ {
				for t := 0; t < dimT; t++ {
					v := spec[t][f]
					base := (((b*dimC+ch*2)*dimF + f) * dimT) + t
					data[base] = float32(real(v))
					data[base+dimF*dimT] = float32(imag(v))
				}
			}
		}
	}

	return inference.Tensor{
		Shape: []int64{int64(batch), dimC, dimF, dimT},
		Data:  data,
	}, nil
}

// Waveform unpacks a model output tensor back into stereo windows. The
// frequency rows the model does not cover are zero-padded before
// inversion.
func (n *Net) Waveform(t inference.Tensor) ([]audio.Stereo, error) {
	if len(t.Shape) != 4 || t.Shape[1] != dimC || t.Shape[2] != dimF || t.Shape[3] != dimT {
		return nil, fmt.Errorf("unexpected output shape %v", t.Shape)
	}
	batch := int(t.Shape[0])
	if got, want := len(t.Data), batch*dimC*dimF*dimT; got != want {
		return nil, fmt.Errorf("output has %d values, shape wants %d", got, want)
	}

	bins := n.stft.NumBins()
	out := make([]audio.Stereo, batch)
	for b := 0; b < batch; b++ {
		var window audio.Stereo
		for ch := 0; ch < 2; ch++ {
			spec := make([][]complex128, dimT)
			for frame := 0; frame < dimT; frame++ {
				spec[frame] = make([]complex128, bins)
			}
			for f := 0; f < dimF; f++ {
				for frame := 0; frame < dimT; frame++ {
					base := (((b*dimC+ch*2)*dimF + f) * dimT) + frame
					spec[frame][f] = complex(float64(t.Data[base]), float64(t.Data[base+dimF*dimT]))
				}
			}
			window[ch] = n.stft.Inverse(spec, n.ChunkSize())
		}
		out[b] = window
	}
	return out, nil
}
