package audio

// Stereo is a deinterleaved two-channel float32 waveform. The arithmetic
// helpers allocate their result; the ensemble layer leans on that to keep
// intermediate mixes immutable.
type Stereo [2][]float32

func NewStereo(frames int) Stereo {
	return Stereo{make([]float32, frames), make([]float32, frames)}
}

func (s Stereo) Len() int {
	return len(s[0])
}

func (s Stereo) Clone() Stereo {
	out := NewStereo(s.Len())
	copy(out[0], s[0])
	copy(out[1], s[1])
	return out
}

func (s Stereo) Add(o Stereo) Stereo {
	out := NewStereo(s.Len())
	for c := 0; c < 2; c++ {
		for i, v := range s[c] {
			out[c][i] = v + o[c][i]
		}
	}
	return out
}

func (s Stereo) Sub(o Stereo) Stereo {
	out := NewStereo(s.Len())
	for c := 0; c < 2; c++ {
		for i, v := range s[c] {
			out[c][i] = v - o[c][i]
		}
	}
	return out
}

func (s Stereo) Neg() Stereo {
	return s.Scale(-1)
}

func (s Stereo) Scale(f float32) Stereo {
	out := NewStereo(s.Len())
	for c := 0; c < 2; c++ {
		for i, v := range s[c] {
			out[c][i] = v * f
		}
	}
	return out
}

// Clip limits every sample to [-1, 1].
func (s Stereo) Clip() Stereo {
	out := NewStereo(s.Len())
	for c := 0; c < 2; c++ {
		for i, v := range s[c] {
			switch {
			case v > 1:
				out[c][i] = 1
			case v < -1:
				out[c][i] = -1
			default:
				out[c][i] = v
			}
		}
	}
	return out
}

// Slice returns the [from, to) sample range without copying.
func (s Stereo) Slice(from, to int) Stereo {
	return Stereo{s[0][from:to], s[1][from:to]}
}
