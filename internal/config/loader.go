package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known recogniser names per role. Used by
// [Validate] to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"streaming": {"whisperhttp", "mock"},
	"accurate":  {"whisperhttp", "whispercpp", "openai", "mock"},
	"diarizing": {"pyannote", "mock"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Buffer geometry: overlap must fit inside the window, and the cap must
	// not be below the window.
	s := cfg.Session
	if s.OverlapSec >= s.WindowSec {
		errs = append(errs, fmt.Errorf("session.overlap_sec %.2f must be less than window_sec %.2f", s.OverlapSec, s.WindowSec))
	}
	if s.MaxWindowSec < s.WindowSec {
		errs = append(errs, fmt.Errorf("session.max_window_sec %.2f must be at least window_sec %.2f", s.MaxWindowSec, s.WindowSec))
	}
	if s.SilenceCommitSec >= s.WindowSec {
		errs = append(errs, fmt.Errorf("session.silence_commit_sec %.2f must be less than window_sec %.2f", s.SilenceCommitSec, s.WindowSec))
	}

	// Alignment thresholds are ratios.
	a := cfg.Alignment
	if a.OverlapThreshold > 1 {
		errs = append(errs, fmt.Errorf("alignment.alignment_overlap_threshold %.2f is out of range (0, 1]", a.OverlapThreshold))
	}
	if a.DensityThreshold > 1 {
		errs = append(errs, fmt.Errorf("alignment.alignment_density_threshold %.2f is out of range (0, 1]", a.DensityThreshold))
	}
	if a.AutoPromoteAvgConf > 1 {
		errs = append(errs, fmt.Errorf("alignment.auto_promote_avg_conf %.2f is out of range (0, 1]", a.AutoPromoteAvgConf))
	}

	// Recogniser name validation — warn for unknown names.
	validateProviderName("streaming", cfg.Providers.Streaming.Name)
	validateProviderName("accurate", cfg.Providers.Accurate.Name)
	validateProviderName("diarizing", cfg.Providers.Diarizing.Name)

	// Availability warnings.
	if cfg.Providers.Streaming.Name == "" {
		slog.Warn("no streaming recogniser configured; sessions will record audio but emit no live transcript")
	}
	if cfg.Providers.Accurate.Name == "" || cfg.Providers.Diarizing.Name == "" {
		slog.Warn("accurate or diarizing recogniser not configured; post-processing will be unavailable")
	}
	if cfg.Database.DSN == "" {
		slog.Warn("database.dsn is empty; transcripts will not be persisted")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given role.
func validateProviderName(role, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[role]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown recogniser name — may be a typo or third-party provider",
		"role", role,
		"name", name,
		"known", known,
	)
}
