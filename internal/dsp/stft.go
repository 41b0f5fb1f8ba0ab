// Package dsp implements the short-time Fourier transform pair used to
// feed spectrogram-domain separation models. Frames are centered with
// reflect padding and windowed with a periodic Hann window, matching the
// analysis the models were trained against.
package dsp

import (
	"math"

	"github.com/mjibson/go-dsp/fft"
)

type STFT struct {
	nFFT   int
	hop    int
	window []float64
}

func New(nFFT, hop int) *STFT {
	return &STFT{
		nFFT:   nFFT,
		hop:    hop,
		window: hannPeriodic(nFFT),
	}
}

func (s *STFT) NumBins() int {
	return s.nFFT/2 + 1
}

// NumFrames returns the frame count Transform produces for a signal of the
// given length.
func (s *STFT) NumFrames(length int) int {
	return length/s.hop + 1
}

// Transform computes the complex spectrogram, indexed [frame][bin].
func (s *STFT) Transform(signal []float32) [][]complex128 {
	padded := reflectPad(signal, s.nFFT/2)
	frames := s.NumFrames(len(signal))
	bins := s.NumBins()

	out := make([][]complex128, frames)
	frame := make([]float64, s.nFFT)
	for i := 0; i < frames; i++ {
		start := i * s.hop
		for j := 0; j < s.nFFT; j++ {
			frame[j] = padded[start+j] * s.window[j]
		}
		spectrum := fft.FFTReal(frame)
		out[i] = append([]complex128(nil), spectrum[:bins]...)
	}
	return out
}

// Inverse reconstructs a signal of the given length from a spectrogram
// produced by Transform. Windowed frames are overlap-added and normalized
// by the summed squared window.
func (s *STFT) Inverse(spec [][]complex128, length int) []float32 {
	half := s.nFFT / 2
	total := length + 2*half
	acc := make([]float64, total)
	norm := make([]float64, total)

	full := make([]complex128, s.nFFT)
	for i, frame := range spec {
		start := i * s.hop
		if start+s.nFFT > total {
			break
		}

		copy(full, frame)
		for b := 1; b < s.nFFT/2; b++ {
			full[s.nFFT-b] = cmplxConj(frame[b])
		}

		time := fft.IFFT(full)
		for j := 0; j < s.nFFT; j++ {
			acc[start+j] += real(time[j]) * s.window[j]
			norm[start+j] += s.window[j] * s.window[j]
		}
	}

	out := make([]float32, length)
	for i := 0; i < length; i++ {
		v := acc[half+i]
		if n := norm[half+i]; n > 1e-11 {
			v /= n
		}
		out[i] = float32(v)
	}
	return out
}

func hannPeriodic(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n)))
	}
	return w
}

func reflectPad(signal []float32, pad int) []float64 {
	n := len(signal)
	out := make([]float64, n+2*pad)
	for i := 0; i < pad; i++ {
		out[i] = float64(signal[reflectIndex(pad-i, n)])
		out[pad+n+i] = float64(signal[reflectIndex(n-2-i, n)])
	}
	for i, v := range signal {
		out[pad+i] = float64(v)
	}
	return out
}

func reflectIndex(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * (n - 1)
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - i
	}
	return i
}

func cmplxConj(c complex128) complex128 {
	return complex(real(c), -imag(c))
}
