// Command test-tap is a manual test for tap sources.
// Run it and tap (press the hotkey, knock near the microphone, or replay a
// WAV file) to see each tap and the count it would publish.
// Press Ctrl+C to exit.
//
// Usage:
//
//	go run ./cmd/test-tap [--source hotkey|knock|wav] [--wav path] [--threshold 0.4]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/askdad/convalesense/internal/ble/protocol"
	"github.com/askdad/convalesense/internal/config"
	"github.com/askdad/convalesense/internal/tap"
)

func main() {
	cfg := config.Default().Tap
	flag.StringVar(&cfg.Source, "source", cfg.Source, "tap source: hotkey, knock or wav")
	flag.StringVar(&cfg.WavPath, "wav", "", "WAV file for the wav source")
	flag.Float64Var(&cfg.Knock.Threshold, "threshold", cfg.Knock.Threshold, "knock threshold in (0, 1]")
	flag.Parse()

	source, err := tap.FromConfig(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())

	// Handle Ctrl+C
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		fmt.Println("\nShutting down...")
		cancel()
	}()

	fmt.Printf("Listening for taps from %q...\n", source.Name())
	fmt.Println("Press Ctrl+C to exit.")

	taps := make(chan tap.Tap, 16)
	go func() {
		if err := source.Run(ctx, taps); err != nil {
			fmt.Fprintln(os.Stderr, "source:", err)
		}
		close(taps)
	}()

	var codec protocol.JSONCodec
	var count int64
	for tp := range taps {
		count++
		payload, err := codec.Encode(protocol.TapCount{Count: count})
		if err != nil {
			fmt.Fprintln(os.Stderr, "encode:", err)
			continue
		}
		fmt.Printf(">>> TAP %s at %s  %s\n", tp.Source, tp.At.Format("15:04:05.000"), payload)
	}
	fmt.Println("Done.")
	os.Exit(0)
}
