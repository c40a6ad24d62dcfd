package audio

import (
	"fmt"
	"os"

	"github.com/go-audio/wav"
)

// Clip is a decoded recording.
type Clip struct {
	Samples    []float32 // interleaved, normalized to [-1, 1]
	SampleRate uint32
	Channels   uint32
}

// ReadWAV decodes a PCM WAV file.
func ReadWAV(path string) (*Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open WAV: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode WAV: %w", err)
	}
	if buf.Format == nil || buf.Format.SampleRate <= 0 || buf.Format.NumChannels <= 0 {
		return nil, fmt.Errorf("%s: missing format chunk", path)
	}

	depth := buf.SourceBitDepth
	if depth <= 0 {
		depth = int(dec.BitDepth)
	}
	if depth <= 0 || depth > 32 {
		return nil, fmt.Errorf("%s: unsupported bit depth %d", path, depth)
	}

	// Convert int samples to float32 normalized to [-1.0, 1.0]
	scale := float32(int64(1) << (depth - 1))
	bias := 0
	if depth == 8 {
		bias = 128 // 8-bit WAV is unsigned
	}
	samples := make([]float32, len(buf.Data))
	for i, s := range buf.Data {
		samples[i] = float32(s-bias) / scale
	}
	return &Clip{
		Samples:    samples,
		SampleRate: uint32(buf.Format.SampleRate),
		Channels:   uint32(buf.Format.NumChannels),
	}, nil
}
