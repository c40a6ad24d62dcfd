package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/askdad/convalesense/internal/ble"
	"github.com/askdad/convalesense/internal/ble/gatt"
	"github.com/askdad/convalesense/internal/ble/protocol"
	"github.com/askdad/convalesense/internal/config"
	"github.com/askdad/convalesense/internal/tap"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/convalesense/config.yaml)")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	printBanner(cfg)

	codec, err := protocol.NewCodec(cfg.Codec)
	if err != nil {
		log.Fatalf("codec: %v", err)
	}

	radio, err := newRadio(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize radio: %v\n\nOn Linux, check that bluetoothd is running and the adapter is up (bluetoothctl power on).\nSet radio.backend: sim to run without hardware.", err)
	}

	source, err := tap.FromConfig(cfg.Tap)
	if err != nil {
		log.Fatalf("tap source: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed := ble.NewSubscriptionFeed(4)
	engine, err := ble.NewEngine(radio, ble.Options{
		LocalName:     cfg.LocalName,
		AutoAdvertise: cfg.Radio.AutoAdvertise,
		Codec:         codec,
		Observer:      feed,
		OnError: func(err error) {
			var ae *ble.AdapterError
			if errors.As(err, &ae) && ae.Fatal() {
				log.Printf("ERROR: %v; shutting down", err)
				cancel()
			}
		},
		Logger: slog.Default(),
	})
	if err != nil {
		log.Fatalf("engine: %v", err)
	}

	engineDone := make(chan error, 1)
	go func() { engineDone <- engine.Run(ctx) }()

	go func() {
		for sub := range feed.Changes() {
			if sub == nil {
				log.Println("Central unsubscribed")
				continue
			}
			log.Printf("Central %s subscribed to %s", sub.Central.ID, gatt.FormatUUID(sub.Characteristic))
		}
	}()

	taps := make(chan tap.Tap, 16)
	go func() {
		if err := source.Run(ctx, taps); err != nil {
			log.Printf("ERROR: tap source %s: %v", source.Name(), err)
		} else if ctx.Err() == nil {
			log.Printf("Tap source %s finished", source.Name())
		}
	}()

	counter := tap.NewCounter(engine, slog.Default())
	go counter.Run(ctx, taps)

	// Signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("Ready! Tap via %s. Ctrl+C to quit.", describeSource(cfg))

	select {
	case sig := <-sigCh:
		log.Printf("Received %s, shutting down...", sig)
		logStatus(engine, counter)
		cancel()
	case <-ctx.Done():
	}

	select {
	case err := <-engineDone:
		if err != nil {
			log.Printf("ERROR: engine: %v", err)
		}
	case <-time.After(5 * time.Second):
		log.Println("Engine did not stop in time")
	}
	feed.Close()

	log.Printf("Goodbye! %d taps this session.", counter.Count())
	// Exit directly to avoid gohook's C cleanup crash.
	// The OS reclaims the event hook on process exit.
	os.Exit(0)
}

// newRadio creates the radio backend selected by the config.
func newRadio(cfg *config.Config) (ble.Radio, error) {
	switch cfg.Radio.Backend {
	case "sim":
		return ble.NewSimRadio(cfg.Radio.Sim.ConnectAfter, cfg.Radio.Sim.QueueDepth), nil
	default: // "bluez"
		return ble.NewBlueZRadio(cfg.Radio.ReadyBackoffMax)
	}
}

// logStatus prints the engine state before shutdown.
func logStatus(engine *ble.Engine, counter *tap.Counter) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s, err := engine.Snapshot(ctx)
	if err != nil {
		return
	}
	subscriber := "none"
	if s.Subscription != nil {
		subscriber = s.Subscription.Central.ID
	}
	log.Printf("Adapter %s, advertising=%v, subscriber=%s, pending=%d, taps=%d",
		s.Adapter, s.Advertising, subscriber, s.Pending, counter.Count())
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or writes and uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, write one for next time and use defaults
	written, err := config.WriteDefault()
	if err != nil {
		log.Printf("Could not write default config: %v", err)
	} else if written != "" {
		log.Printf("Wrote default config to %s", written)
	}
	return config.Default(), nil
}

func describeSource(cfg *config.Config) string {
	switch cfg.Tap.Source {
	case "hotkey":
		return strings.Join(cfg.Tap.Keys, "+")
	case "wav":
		return "replay of " + cfg.Tap.WavPath
	default:
		return "knocking near the microphone"
	}
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== convalesense ===")
	fmt.Printf("  Name:    %s\n", cfg.LocalName)
	fmt.Printf("  Service: %s\n", gatt.TapServiceUUID)
	fmt.Printf("  Radio:   %s (auto advertise: %v)\n", cfg.Radio.Backend, cfg.Radio.AutoAdvertise)
	fmt.Printf("  Codec:   %s\n", cfg.Codec)
	fmt.Printf("  Taps:    %s\n", cfg.Tap.Source)
	fmt.Printf("  Log:     %s\n", cfg.LogLevel)
	fmt.Println("====================")
}
