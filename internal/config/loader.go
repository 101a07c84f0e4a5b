package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// KnownVoices lists the prebuilt speech voices accepted by the live API.
// Used by [Validate] to warn about unrecognised voice names.
var KnownVoices = []string{"Puck", "Charon", "Kore", "Fenrir", "Aoede", "Leda", "Orus", "Zephyr"}

// Defaults applied by [Validate] when the corresponding field is zero.
const (
	DefaultFrameSamples      = 4096
	DefaultSessionID         = "default"
	DefaultSnapshotInterval  = 30 * time.Second
	DefaultSnapshotRetention = 7 * 24 * time.Hour
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values and applies
// defaults for zero-valued fields. It returns a joined error listing all
// validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Live session
	if cfg.Live.APIKey == "" {
		if key := os.Getenv("GEMINI_API_KEY"); key != "" {
			cfg.Live.APIKey = key
		} else {
			slog.Warn("live.api_key is empty and GEMINI_API_KEY is not set; voice sessions will fail to connect")
		}
	}
	if cfg.Live.Voice != "" && !slices.Contains(KnownVoices, cfg.Live.Voice) {
		slog.Warn("unknown voice name — may be a typo or a newly added voice",
			"voice", cfg.Live.Voice,
			"known", KnownVoices,
		)
	}

	// Audio
	if cfg.Audio.Backend != "" && !cfg.Audio.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("audio.backend %q is invalid; valid values: pipe", cfg.Audio.Backend))
	}
	if cfg.Audio.FrameSamples < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_samples %d must be positive", cfg.Audio.FrameSamples))
	}
	if cfg.Audio.FrameSamples == 0 {
		cfg.Audio.FrameSamples = DefaultFrameSamples
	}
	if cfg.Audio.Backend == AudioPipe {
		if cfg.Audio.InputPath == "" {
			errs = append(errs, errors.New("audio.input_path is required when backend is pipe"))
		}
		if cfg.Audio.OutputPath == "" {
			errs = append(errs, errors.New("audio.output_path is required when backend is pipe"))
		}
	}

	// Breakdown
	if !cfg.Breakdown.Disabled {
		if cfg.Breakdown.Local.Model == "" && cfg.Breakdown.Cloud.Model == "" {
			slog.Warn("no breakdown engine configured; task decomposition will be unavailable")
		}
		if cfg.Breakdown.Cloud.Model != "" && cfg.Breakdown.Cloud.APIKey == "" && cfg.Live.APIKey == "" {
			errs = append(errs, errors.New("breakdown.cloud.api_key is required when no live api key is available"))
		}
	}

	// Storage
	if cfg.Storage.SessionID == "" {
		cfg.Storage.SessionID = DefaultSessionID
	}
	if cfg.Storage.SnapshotInterval < 0 {
		errs = append(errs, fmt.Errorf("storage.snapshot_interval %s must not be negative", cfg.Storage.SnapshotInterval))
	}
	if cfg.Storage.SnapshotInterval == 0 {
		cfg.Storage.SnapshotInterval = DefaultSnapshotInterval
	}
	if cfg.Storage.SnapshotRetention < 0 {
		errs = append(errs, fmt.Errorf("storage.snapshot_retention %s must not be negative", cfg.Storage.SnapshotRetention))
	}
	if cfg.Storage.SnapshotRetention == 0 {
		cfg.Storage.SnapshotRetention = DefaultSnapshotRetention
	}
	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; task tree will not survive restarts")
	}

	return errors.Join(errs...)
}
