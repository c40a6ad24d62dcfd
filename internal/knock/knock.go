// Package knock detects knocks (short amplitude peaks) in a stream of
// float32 PCM samples.
package knock

import (
	"errors"
	"fmt"
	"time"
)

// Detector finds knocks in interleaved float32 samples in [-1, 1]. A knock
// is a frame whose peak amplitude across channels reaches the threshold at
// least the refractory period after the previous knock. Detector is not safe
// for concurrent use.
type Detector struct {
	threshold  float32
	refractory int64 // frames
	sampleRate uint32
	channels   uint32

	frame int64 // frames consumed so far
	last  int64 // frame of the previous knock, -1 if none
}

// NewDetector creates a detector for the given stream format.
func NewDetector(sampleRate, channels uint32, threshold float64, refractory time.Duration) (*Detector, error) {
	if sampleRate == 0 || channels == 0 {
		return nil, errors.New("knock: sample rate and channels must be > 0")
	}
	if threshold <= 0 || threshold > 1 {
		return nil, fmt.Errorf("knock: threshold %v out of range (0, 1]", threshold)
	}
	if refractory < 0 {
		return nil, errors.New("knock: negative refractory period")
	}
	return &Detector{
		threshold:  float32(threshold),
		refractory: int64(refractory) * int64(sampleRate) / int64(time.Second),
		sampleRate: sampleRate,
		channels:   channels,
		last:       -1,
	}, nil
}

// Process consumes samples and returns the stream offset of every knock
// found in them. Trailing samples that do not fill a whole frame are
// dropped.
func (d *Detector) Process(samples []float32) []time.Duration {
	var knocks []time.Duration
	ch := int(d.channels)
	for i := 0; i+ch <= len(samples); i += ch {
		if peak(samples[i:i+ch]) >= d.threshold && (d.last < 0 || d.frame-d.last >= d.refractory) {
			d.last = d.frame
			knocks = append(knocks, d.offset(d.frame))
		}
		d.frame++
	}
	return knocks
}

// Reset forgets the stream position and the previous knock.
func (d *Detector) Reset() {
	d.frame = 0
	d.last = -1
}

func (d *Detector) offset(frame int64) time.Duration {
	return time.Duration(frame * int64(time.Second) / int64(d.sampleRate))
}

func peak(frame []float32) float32 {
	var p float32
	for _, s := range frame {
		if s < 0 {
			s = -s
		}
		if s > p {
			p = s
		}
	}
	return p
}
