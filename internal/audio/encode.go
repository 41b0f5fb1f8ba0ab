package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WriteFloat32WAV writes a stereo waveform as 32-bit IEEE float WAV, the
// same subtype the separated stems are expected in downstream.
func WriteFloat32WAV(path string, clip Clip) error {
	if err := validateClip(clip); err != nil {
		return err
	}

	frames := clip.Samples.Len()
	const bytesPerSample = 4
	dataSize := frames * 2 * bytesPerSample
	const fmtChunkSize = 16
	riffSize := 4 + (8 + fmtChunkSize) + (8 + dataSize)

	out := make([]byte, 12+8+fmtChunkSize+8+dataSize)
	off := 0

	copy(out[off:], "RIFF")
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(riffSize))
	off += 4
	copy(out[off:], "WAVE")
	off += 4

	copy(out[off:], "fmt ")
	off += 4
	binary.LittleEndian.PutUint32(out[off:], fmtChunkSize)
	off += 4
	binary.LittleEndian.PutUint16(out[off:], formatFloat)
	off += 2
	binary.LittleEndian.PutUint16(out[off:], 2)
	off += 2
	binary.LittleEndian.PutUint32(out[off:], uint32(clip.SampleRate))
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(clip.SampleRate*2*bytesPerSample))
	off += 4
	binary.LittleEndian.PutUint16(out[off:], 2*bytesPerSample)
	off += 2
	binary.LittleEndian.PutUint16(out[off:], 8*bytesPerSample)
	off += 2

	copy(out[off:], "data")
	off += 4
	binary.LittleEndian.PutUint32(out[off:], uint32(dataSize))
	off += 4

	for i := 0; i < frames; i++ {
		binary.LittleEndian.PutUint32(out[off:], math.Float32bits(clip.Samples[0][i]))
		off += 4
		binary.LittleEndian.PutUint32(out[off:], math.Float32bits(clip.Samples[1][i]))
		off += 4
	}

	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	return nil
}

// WritePCM16WAV writes a stereo waveform as 16-bit integer PCM for players
// that cannot handle float WAV. Samples are clipped to full scale.
func WritePCM16WAV(path string, clip Clip) error {
	if err := validateClip(clip); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}

	enc := wav.NewEncoder(f, clip.SampleRate, 16, 2, formatPCM)

	frames := clip.Samples.Len()
	buf := &gaudio.IntBuffer{
		Format:         &gaudio.Format{NumChannels: 2, SampleRate: clip.SampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, frames*2),
	}
	for i := 0; i < frames; i++ {
		buf.Data[2*i] = pcm16(clip.Samples[0][i])
		buf.Data[2*i+1] = pcm16(clip.Samples[1][i])
	}

	if err := enc.Write(buf); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("finalize wav: %w", err)
	}
	return f.Close()
}

func validateClip(clip Clip) error {
	if clip.SampleRate <= 0 {
		return errors.New("sample rate must be positive")
	}
	if len(clip.Samples[0]) != len(clip.Samples[1]) {
		return errors.New("channel lengths differ")
	}
	return nil
}

func pcm16(v float32) int {
	scaled := float64(v) * 32767.0
	if scaled > 32767 {
		return 32767
	}
	if scaled < -32768 {
		return -32768
	}
	return int(math.Round(scaled))
}
