package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

var (
	ErrUnsupportedWAV = errors.New("unsupported wav format")
	ErrInvalidWAV     = errors.New("invalid wav file")
	ErrTooManyChans   = errors.New("wav has more than two channels")
)

// Clip holds a decoded, deinterleaved stereo waveform. Mono sources are
// duplicated into both channels on decode.
type Clip struct {
	SampleRate int
	Samples    Stereo
}

// ReadWAV decodes a RIFF/WAVE file into stereo float32 samples in [-1, 1].
// Integer PCM (8/16/24/32 bit) and IEEE float (32/64 bit) data chunks are
// supported.
func ReadWAV(path string) (Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return Clip{}, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	header := make([]byte, 12)
	if _, err := io.ReadFull(f, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Clip{}, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
		}
		return Clip{}, fmt.Errorf("read wav header: %w", err)
	}

	if string(header[:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return Clip{}, ErrInvalidWAV
	}

	var (
		format   wavFormat
		data     []byte
		hasFmt   bool
		hasData  bool
		chunkBuf [8]byte
	)

	for {
		if _, err := io.ReadFull(f, chunkBuf[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return Clip{}, fmt.Errorf("read wav chunk header: %w", err)
		}

		chunkID := string(chunkBuf[:4])
		chunkSize := binary.LittleEndian.Uint32(chunkBuf[4:8])

		// RIFF chunks are word aligned.
		skip := int64(chunkSize)
		if chunkSize%2 != 0 {
			skip++
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return Clip{}, ErrInvalidWAV
			}
			buf := make([]byte, chunkSize)
			if _, err := io.ReadFull(f, buf); err != nil {
				return Clip{}, fmt.Errorf("read wav fmt chunk: %w", err)
			}
			format = parseFormat(buf)
			hasFmt = true
			if chunkSize%2 != 0 {
				if _, err := f.Seek(1, io.SeekCurrent); err != nil {
					return Clip{}, fmt.Errorf("seek wav fmt padding: %w", err)
				}
			}
		case "data":
			data = make([]byte, chunkSize)
			if _, err := io.ReadFull(f, data); err != nil {
				return Clip{}, fmt.Errorf("read wav data: %w", err)
			}
			hasData = true
			if chunkSize%2 != 0 {
				if _, err := f.Seek(1, io.SeekCurrent); err != nil {
					return Clip{}, fmt.Errorf("seek wav data padding: %w", err)
				}
			}
		default:
			if _, err := f.Seek(skip, io.SeekCurrent); err != nil {
				return Clip{}, fmt.Errorf("seek wav chunk %s: %w", chunkID, err)
			}
		}
	}

	if !hasFmt || !hasData {
		return Clip{}, ErrInvalidWAV
	}

	if err := format.validate(); err != nil {
		return Clip{}, err
	}

	samples, err := decodeFrames(data, format)
	if err != nil {
		return Clip{}, err
	}

	return Clip{SampleRate: int(format.sampleRate), Samples: samples}, nil
}

type wavFormat struct {
	audioFormat   uint16
	channels      uint16
	sampleRate    uint32
	bitsPerSample uint16
}

const (
	formatPCM   = 1
	formatFloat = 3
)

func parseFormat(buf []byte) wavFormat {
	f := wavFormat{
		audioFormat:   binary.LittleEndian.Uint16(buf[0:2]),
		channels:      binary.LittleEndian.Uint16(buf[2:4]),
		sampleRate:    binary.LittleEndian.Uint32(buf[4:8]),
		bitsPerSample: binary.LittleEndian.Uint16(buf[14:16]),
	}
	// WAVE_FORMAT_EXTENSIBLE carries the real format tag in the extension.
	if f.audioFormat == 0xFFFE && len(buf) >= 26 {
		f.audioFormat = binary.LittleEndian.Uint16(buf[24:26])
	}
	return f
}

func (f wavFormat) validate() error {
	if f.channels == 0 || f.sampleRate == 0 {
		return ErrInvalidWAV
	}
	if f.channels > 2 {
		return ErrTooManyChans
	}

	switch f.audioFormat {
	case formatPCM:
		switch f.bitsPerSample {
		case 8, 16, 24, 32:
			return nil
		}
	case formatFloat:
		switch f.bitsPerSample {
		case 32, 64:
			return nil
		}
	}
	return ErrUnsupportedWAV
}

func decodeFrames(data []byte, format wavFormat) (Stereo, error) {
	bytesPerSample := int(format.bitsPerSample / 8)
	channels := int(format.channels)
	frameSize := bytesPerSample * channels
	frames := len(data) / frameSize

	out := NewStereo(frames)
	for i := 0; i < frames; i++ {
		base := i * frameSize
		left, err := decodeSample(data[base:base+bytesPerSample], format.audioFormat, format.bitsPerSample)
		if err != nil {
			return Stereo{}, err
		}
		right := left
		if channels == 2 {
			right, err = decodeSample(data[base+bytesPerSample:base+frameSize], format.audioFormat, format.bitsPerSample)
			if err != nil {
				return Stereo{}, err
			}
		}
		out[0][i] = float32(left)
		out[1][i] = float32(right)
	}
	return out, nil
}

func decodeSample(sample []byte, audioFormat, bitsPerSample uint16) (float64, error) {
	if audioFormat == formatFloat {
		switch bitsPerSample {
		case 32:
			bits := binary.LittleEndian.Uint32(sample)
			return float64(math.Float32frombits(bits)), nil
		case 64:
			bits := binary.LittleEndian.Uint64(sample)
			return math.Float64frombits(bits), nil
		default:
			return 0, ErrUnsupportedWAV
		}
	}

	switch bitsPerSample {
	case 8:
		u := float64(sample[0])
		return (u - 128.0) / 128.0, nil
	case 16:
		v := int16(binary.LittleEndian.Uint16(sample))
		return float64(v) / 32768.0, nil
	case 24:
		v := int32(sample[0]) | int32(sample[1])<<8 | int32(sample[2])<<16
		if v&0x800000 != 0 {
			v |= ^0xFFFFFF
		}
		return float64(v) / 8388608.0, nil
	case 32:
		v := int32(binary.LittleEndian.Uint32(sample))
		return float64(v) / 2147483648.0, nil
	default:
		return 0, ErrUnsupportedWAV
	}
}
