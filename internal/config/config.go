// Package config provides the configuration schema and loader for the
// Visionary voice task manager.
package config

import "time"

// LogLevel controls the minimum severity emitted by the structured logger.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// AudioBackend selects the capture/playback device implementation.
type AudioBackend string

const (
	// AudioPipe streams raw PCM through files or FIFOs. Hardware backends
	// plug in through pkg/device.
	AudioPipe AudioBackend = "pipe"
)

// IsValid reports whether b is a recognised audio backend.
func (b AudioBackend) IsValid() bool {
	return b == AudioPipe
}

// Config is the root configuration structure for Visionary.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Live      LiveConfig      `yaml:"live"`
	Audio     AudioConfig     `yaml:"audio"`
	Breakdown BreakdownConfig `yaml:"breakdown"`
	Storage   StorageConfig   `yaml:"storage"`
}

// ServerConfig holds network and logging settings for the admin server
// (health, metrics, and MCP endpoints).
type ServerConfig struct {
	// ListenAddr is the TCP address the admin server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// LiveConfig configures the realtime voice session.
type LiveConfig struct {
	// APIKey authenticates the websocket session. When empty, the loader
	// falls back to the GEMINI_API_KEY environment variable.
	APIKey string `yaml:"api_key"`

	// Model overrides the default native-audio model.
	Model string `yaml:"model"`

	// Voice selects the prebuilt speech voice (e.g., "Kore").
	Voice string `yaml:"voice"`

	// BaseURL overrides the websocket endpoint. Leave empty to use the
	// production endpoint.
	BaseURL string `yaml:"base_url"`

	// SystemInstruction replaces the built-in assistant persona.
	SystemInstruction string `yaml:"system_instruction"`

	// Greeting is the text nudge sent shortly after connecting so the
	// assistant speaks first.
	Greeting string `yaml:"greeting"`

	// DisableGreeting suppresses the automatic greeting nudge.
	DisableGreeting bool `yaml:"disable_greeting"`
}

// AudioConfig configures the capture and playback devices.
type AudioConfig struct {
	// Backend selects the device implementation.
	Backend AudioBackend `yaml:"backend"`

	// InputPath is the file or FIFO the pipe backend captures from.
	InputPath string `yaml:"input_path"`

	// OutputPath is the file or FIFO the pipe backend plays into.
	OutputPath string `yaml:"output_path"`

	// FrameSamples is the number of samples per capture frame.
	// Defaults to 4096 when zero.
	FrameSamples int `yaml:"frame_samples"`
}

// BreakdownConfig configures the task decomposition engines.
type BreakdownConfig struct {
	// Disabled turns off task breakdown entirely.
	Disabled bool `yaml:"disabled"`

	// Local is the on-device engine tried first.
	Local BreakdownEngine `yaml:"local"`

	// Cloud is the hosted fallback engine.
	Cloud BreakdownEngine `yaml:"cloud"`
}

// BreakdownEngine describes one LLM endpoint used for decomposition.
type BreakdownEngine struct {
	// Model selects the completion model (e.g., "gemma3:4b", "gemini-2.5-flash").
	Model string `yaml:"model"`

	// BaseURL overrides the engine's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates hosted engines. When empty, the cloud engine
	// reuses the live session key.
	APIKey string `yaml:"api_key"`
}

// StorageConfig configures durable task tree snapshots.
type StorageConfig struct {
	// PostgresDSN, when set, enables snapshot persistence. When empty,
	// the task tree lives in memory only.
	PostgresDSN string `yaml:"postgres_dsn"`

	// SessionID names the snapshot row. Defaults to "default".
	SessionID string `yaml:"session_id"`

	// SnapshotInterval is how often the task tree is persisted.
	// Defaults to 30s.
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`

	// SnapshotRetention is how long old snapshot rows are kept before
	// they are pruned. Defaults to 7 days.
	SnapshotRetention time.Duration `yaml:"snapshot_retention"`
}
