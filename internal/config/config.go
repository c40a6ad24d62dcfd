package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	LocalName string      `yaml:"local_name"`
	Codec     string      `yaml:"codec"` // "json" or "structpb"
	Radio     RadioConfig `yaml:"radio"`
	Tap       TapConfig   `yaml:"tap"`
	LogLevel  string      `yaml:"log_level"`
}

// RadioConfig selects and tunes the BLE backend.
type RadioConfig struct {
	Backend         string        `yaml:"backend"` // "bluez" or "sim"
	AutoAdvertise   bool          `yaml:"auto_advertise"`
	ReadyBackoffMax time.Duration `yaml:"ready_backoff_max"`
	Sim             SimConfig     `yaml:"sim"`
}

// SimConfig tunes the simulated radio.
type SimConfig struct {
	ConnectAfter time.Duration `yaml:"connect_after"`
	QueueDepth   int           `yaml:"queue_depth"`
}

// TapConfig selects where taps come from.
type TapConfig struct {
	Source  string      `yaml:"source"` // "hotkey", "knock" or "wav"
	Keys    []string    `yaml:"keys"`
	Knock   KnockConfig `yaml:"knock"`
	WavPath string      `yaml:"wav_path"`
}

// KnockConfig holds knock detection settings for the microphone and WAV
// sources.
type KnockConfig struct {
	SampleRate uint32        `yaml:"sample_rate"`
	Channels   uint32        `yaml:"channels"`
	Threshold  float64       `yaml:"threshold"`
	Refractory time.Duration `yaml:"refractory"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "convalesense")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		LocalName: "Convalesense",
		Codec:     "json",
		Radio: RadioConfig{
			Backend:         "bluez",
			AutoAdvertise:   true,
			ReadyBackoffMax: 2 * time.Second,
			Sim: SimConfig{
				ConnectAfter: 3 * time.Second,
				QueueDepth:   4,
			},
		},
		Tap: TapConfig{
			Source: "hotkey",
			Keys:   []string{"space"},
			Knock: KnockConfig{
				SampleRate: 16000,
				Channels:   1,
				Threshold:  0.4,
				Refractory: 150 * time.Millisecond,
			},
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in tap.wav_path is expanded to the user's home
// directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Tap.WavPath = expandTilde(cfg.Tap.WavPath)

	return cfg, nil
}

const defaultHeader = `# convalesense configuration
# radio.backend: bluez (Linux, BlueZ over D-Bus) or sim (no hardware)
# tap.source: hotkey, knock (microphone) or wav (replay tap.wav_path)
`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the path written, or "" if a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.LocalName == "" {
		return fmt.Errorf("local_name must not be empty")
	}

	switch c.Codec {
	case "json", "structpb":
	default:
		return fmt.Errorf("codec must be \"json\" or \"structpb\", got %q", c.Codec)
	}

	switch c.Radio.Backend {
	case "bluez", "sim":
	default:
		return fmt.Errorf("radio.backend must be \"bluez\" or \"sim\", got %q", c.Radio.Backend)
	}

	if c.Radio.ReadyBackoffMax <= 0 {
		return fmt.Errorf("radio.ready_backoff_max must be > 0")
	}

	if c.Radio.Sim.ConnectAfter < 0 {
		return fmt.Errorf("radio.sim.connect_after must be >= 0")
	}

	if c.Radio.Sim.QueueDepth <= 0 {
		return fmt.Errorf("radio.sim.queue_depth must be > 0")
	}

	switch c.Tap.Source {
	case "hotkey":
		if len(c.Tap.Keys) == 0 {
			return fmt.Errorf("tap.keys must not be empty")
		}
	case "knock":
	case "wav":
		if c.Tap.WavPath == "" {
			return fmt.Errorf("tap.wav_path is required when tap.source is \"wav\"")
		}
	default:
		return fmt.Errorf("tap.source must be \"hotkey\", \"knock\" or \"wav\", got %q", c.Tap.Source)
	}

	if c.Tap.Knock.SampleRate == 0 {
		return fmt.Errorf("tap.knock.sample_rate must be > 0")
	}

	if c.Tap.Knock.Channels == 0 {
		return fmt.Errorf("tap.knock.channels must be > 0")
	}

	if c.Tap.Knock.Threshold <= 0 || c.Tap.Knock.Threshold > 1 {
		return fmt.Errorf("tap.knock.threshold must be in (0, 1], got %v", c.Tap.Knock.Threshold)
	}

	if c.Tap.Knock.Refractory < 0 {
		return fmt.Errorf("tap.knock.refractory must be >= 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ParseLogLevel maps a log_level value to a slog.Level. Unknown values
// map to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
