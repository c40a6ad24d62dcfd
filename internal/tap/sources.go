package tap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/askdad/convalesense/internal/audio"
	"github.com/askdad/convalesense/internal/config"
	"github.com/askdad/convalesense/internal/hotkey"
	"github.com/askdad/convalesense/internal/knock"
)

// FromConfig builds the Source selected by cfg.
func FromConfig(cfg config.TapConfig) (Source, error) {
	switch cfg.Source {
	case "hotkey":
		return &HotkeySource{Keys: cfg.Keys}, nil
	case "knock":
		return &KnockSource{
			SampleRate: cfg.Knock.SampleRate,
			Channels:   cfg.Knock.Channels,
			Threshold:  cfg.Knock.Threshold,
			Refractory: cfg.Knock.Refractory,
		}, nil
	case "wav":
		return &WAVSource{
			Path:       cfg.WavPath,
			Threshold:  cfg.Knock.Threshold,
			Refractory: cfg.Knock.Refractory,
			Realtime:   true,
		}, nil
	default:
		return nil, fmt.Errorf("tap: unknown source %q", cfg.Source)
	}
}

// send delivers tp unless ctx is cancelled first.
func send(ctx context.Context, taps chan<- Tap, tp Tap) bool {
	select {
	case taps <- tp:
		return true
	case <-ctx.Done():
		return false
	}
}

// HotkeySource reports a tap for every press of a global key combo.
type HotkeySource struct {
	Keys []string
}

func (s *HotkeySource) Name() string { return "hotkey" }

func (s *HotkeySource) Run(ctx context.Context, taps chan<- Tap) error {
	l := hotkey.NewListener(s.Keys)
	go l.Start()
	defer l.Stop()

	slog.Info("[TAP] listening for hotkey", "keys", s.Keys)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-l.Events():
			if !ok {
				return nil
			}
			if !send(ctx, taps, Tap{At: ev.At, Source: s.Name()}) {
				return nil
			}
		}
	}
}

// KnockSource reports a tap for every knock picked up by the default
// microphone.
type KnockSource struct {
	SampleRate uint32
	Channels   uint32
	Threshold  float64
	Refractory time.Duration
}

func (s *KnockSource) Name() string { return "knock" }

func (s *KnockSource) Run(ctx context.Context, taps chan<- Tap) error {
	det, err := knock.NewDetector(s.SampleRate, s.Channels, s.Threshold, s.Refractory)
	if err != nil {
		return err
	}
	rec, err := audio.NewRecorder(s.SampleRate, s.Channels)
	if err != nil {
		return fmt.Errorf("tap: %w", err)
	}
	defer rec.Close()

	found := make(chan time.Duration, 16)
	start := time.Now()
	// the detector is only touched from the audio thread
	err = rec.Start(func(samples []float32) {
		for _, off := range det.Process(samples) {
			select {
			case found <- off:
			default:
				slog.Warn("[KNOCK] dropping knock, consumer is behind", "offset", off)
			}
		}
	})
	if err != nil {
		return fmt.Errorf("tap: %w", err)
	}
	defer rec.Stop()

	slog.Info("[KNOCK] listening on microphone", "sample_rate", s.SampleRate, "threshold", s.Threshold)
	for {
		select {
		case <-ctx.Done():
			return nil
		case off := <-found:
			slog.Debug("[KNOCK] knock", "offset", off)
			if !send(ctx, taps, Tap{At: start.Add(off), Source: s.Name()}) {
				return nil
			}
		}
	}
}

// WAVSource replays the knocks found in a WAV recording. With Realtime set
// each tap is sent at its offset in the recording, otherwise all at once.
type WAVSource struct {
	Path       string
	Threshold  float64
	Refractory time.Duration
	Realtime   bool
}

func (s *WAVSource) Name() string { return "wav" }

// Knocks returns the offsets of every knock in the recording.
func (s *WAVSource) Knocks() ([]time.Duration, error) {
	clip, err := audio.ReadWAV(s.Path)
	if err != nil {
		return nil, fmt.Errorf("tap: %w", err)
	}
	det, err := knock.NewDetector(clip.SampleRate, clip.Channels, s.Threshold, s.Refractory)
	if err != nil {
		return nil, err
	}
	return det.Process(clip.Samples), nil
}

func (s *WAVSource) Run(ctx context.Context, taps chan<- Tap) error {
	offsets, err := s.Knocks()
	if err != nil {
		return err
	}
	slog.Info("[KNOCK] replaying recording", "path", s.Path, "knocks", len(offsets))

	start := time.Now()
	for _, off := range offsets {
		if s.Realtime {
			t := time.NewTimer(time.Until(start.Add(off)))
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
		}
		if !send(ctx, taps, Tap{At: start.Add(off), Source: s.Name()}) {
			return nil
		}
	}
	return nil
}
