// Package config provides the configuration schema and loader for the
// Lectern transcription server.
package config

// LogLevel controls log verbosity for the Lectern server.
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

// Config is the root configuration structure for Lectern.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Storage   StorageConfig   `yaml:"storage"`
	Session   SessionConfig   `yaml:"session"`
	Alignment AlignmentConfig `yaml:"alignment"`
	Providers ProvidersConfig `yaml:"providers"`
	VAD       VADConfig       `yaml:"vad"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
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

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn"`
}

// StorageConfig holds on-disk recording settings.
type StorageConfig struct {
	// DataRoot is the directory holding the recordings tree.
	DataRoot string `yaml:"data_root"`

	// ChunkDurationSec is the length of each PCM chunk file in seconds of
	// audio.
	ChunkDurationSec float64 `yaml:"chunk_duration_sec"`
}

// SessionConfig tunes the per-session streaming pipeline.
type SessionConfig struct {
	// WindowSec is the rolling buffer window length in seconds.
	WindowSec float64 `yaml:"window_sec"`

	// OverlapSec is how much trailing audio survives a slide, preserving
	// context between consecutive transcriptions.
	OverlapSec float64 `yaml:"overlap_sec"`

	// MaxWindowSec caps buffer growth; oldest samples are dropped beyond it.
	MaxWindowSec float64 `yaml:"max_window_sec"`

	// SilenceCommitSec is how long silence must last to trigger a final.
	SilenceCommitSec float64 `yaml:"silence_commit_sec"`

	// MaxAudioQueue is the inbound frame queue depth; overflow drops the
	// oldest frame.
	MaxAudioQueue int `yaml:"max_audio_queue"`

	// HeartbeatTimeoutSec closes the socket when no frame or ping arrives
	// within this many seconds.
	HeartbeatTimeoutSec float64 `yaml:"heartbeat_timeout_sec"`

	// SessionLingerSec keeps a disconnected session resumable for this many
	// seconds before eviction.
	SessionLingerSec float64 `yaml:"session_linger_sec"`

	// ASRWorkerPool bounds concurrent streaming transcription requests per
	// session.
	ASRWorkerPool int `yaml:"asr_worker_pool"`
}

// AlignmentConfig tunes speaker alignment and version promotion.
type AlignmentConfig struct {
	// OverlapThreshold is the minimum Tier 1 time-overlap confidence.
	OverlapThreshold float64 `yaml:"alignment_overlap_threshold"`

	// DensityThreshold is the minimum Tier 2 word-density fraction.
	DensityThreshold float64 `yaml:"alignment_density_threshold"`

	// AutoPromoteAvgConf is the minimum average alignment confidence for a
	// diarized version to be promoted automatically.
	AutoPromoteAvgConf float64 `yaml:"auto_promote_avg_conf"`
}

// ProvidersConfig declares which recogniser implementation to use for each
// role.
type ProvidersConfig struct {
	Streaming ProviderEntry `yaml:"streaming"`
	Accurate  ProviderEntry `yaml:"accurate"`
	Diarizing ProviderEntry `yaml:"diarizing"`
}

// ProviderEntry is the common configuration block shared by all recogniser
// roles.
type ProviderEntry struct {
	// Name selects the implementation (e.g., "whisperhttp", "whispercpp",
	// "openai", "pyannote").
	Name string `yaml:"name"`

	// APIKey is the authentication key for hosted providers.
	APIKey string `yaml:"api_key"`

	// BaseURL is the provider endpoint for HTTP-backed providers.
	BaseURL string `yaml:"base_url"`

	// Model selects a model within the provider (e.g., "whisper-1").
	Model string `yaml:"model"`

	// ModelPath points at an on-disk model file for native providers.
	ModelPath string `yaml:"model_path"`

	// Language is the BCP-47 language code for transcription.
	Language string `yaml:"language"`
}

// VADConfig tunes voice-activity detection.
type VADConfig struct {
	// SpeechThreshold is the minimum speech probability to classify a frame
	// as speech.
	SpeechThreshold float64 `yaml:"speech_threshold"`

	// EnergyThreshold is the RMS floor for the energy fallback tier.
	EnergyThreshold float64 `yaml:"energy_threshold"`
}

// ApplyDefaults fills zero-valued fields with production defaults. Called by
// [LoadFromReader] after decoding; exported so tests and main can default a
// hand-built Config.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Storage.DataRoot == "" {
		c.Storage.DataRoot = "./data"
	}
	if c.Storage.ChunkDurationSec <= 0 {
		c.Storage.ChunkDurationSec = 30
	}
	if c.Session.WindowSec <= 0 {
		c.Session.WindowSec = 12
	}
	if c.Session.OverlapSec <= 0 {
		c.Session.OverlapSec = 1.5
	}
	if c.Session.MaxWindowSec <= 0 {
		c.Session.MaxWindowSec = 15
	}
	if c.Session.SilenceCommitSec <= 0 {
		c.Session.SilenceCommitSec = 1.2
	}
	if c.Session.MaxAudioQueue <= 0 {
		c.Session.MaxAudioQueue = 10
	}
	if c.Session.HeartbeatTimeoutSec <= 0 {
		c.Session.HeartbeatTimeoutSec = 15
	}
	if c.Session.SessionLingerSec <= 0 {
		c.Session.SessionLingerSec = 120
	}
	if c.Session.ASRWorkerPool <= 0 {
		c.Session.ASRWorkerPool = 2
	}
	if c.Alignment.OverlapThreshold <= 0 {
		c.Alignment.OverlapThreshold = 0.6
	}
	if c.Alignment.DensityThreshold <= 0 {
		c.Alignment.DensityThreshold = 0.7
	}
	if c.Alignment.AutoPromoteAvgConf <= 0 {
		c.Alignment.AutoPromoteAvgConf = 0.75
	}
	if c.VAD.SpeechThreshold <= 0 {
		c.VAD.SpeechThreshold = 0.5
	}
	if c.VAD.EnergyThreshold <= 0 {
		c.VAD.EnergyThreshold = 0.015
	}
}
