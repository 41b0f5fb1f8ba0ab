package audio

import "math"

type LevelMetrics struct {
	RMSdBFS  float64
	PeakdBFS float64
	Samples  int64
}

// Measure computes RMS and peak levels across both channels.
func Measure(s Stereo) LevelMetrics {
	var peak float64
	var sumSquares float64
	var samples int64

	for c := 0; c < 2; c++ {
		for _, v := range s[c] {
			f := math.Abs(float64(v))
			if f > peak {
				peak = f
			}
			sumSquares += float64(v) * float64(v)
			samples++
		}
	}

	if samples == 0 {
		return LevelMetrics{RMSdBFS: math.Inf(-1), PeakdBFS: math.Inf(-1)}
	}

	rms := math.Sqrt(sumSquares / float64(samples))
	return LevelMetrics{
		RMSdBFS:  amplitudeToDBFS(rms),
		PeakdBFS: amplitudeToDBFS(peak),
		Samples:  samples,
	}
}

// IsNearSilent reports whether the waveform sits below the threshold. The
// peak gate is 6 dB above RMS threshold so short transients in otherwise
// quiet audio still count as signal.
func IsNearSilent(s Stereo, thresholdDBFS float64) (bool, LevelMetrics) {
	metrics := Measure(s)
	if metrics.Samples == 0 {
		return true, metrics
	}
	if math.IsInf(metrics.RMSdBFS, -1) && math.IsInf(metrics.PeakdBFS, -1) {
		return true, metrics
	}
	peakGate := thresholdDBFS + 6
	return metrics.RMSdBFS <= thresholdDBFS && metrics.PeakdBFS <= peakGate, metrics
}

func amplitudeToDBFS(amplitude float64) float64 {
	if amplitude <= 0 {
		return math.Inf(-1)
	}
	return 20.0 * math.Log10(amplitude)
}
