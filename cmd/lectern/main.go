// Command lectern is the main entry point for the Lectern transcription
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lectern-ai/lectern/internal/align"
	"github.com/lectern-ai/lectern/internal/config"
	"github.com/lectern-ai/lectern/internal/observe"
	"github.com/lectern-ai/lectern/internal/postprocess"
	"github.com/lectern-ai/lectern/internal/recorder"
	"github.com/lectern-ai/lectern/internal/resilience"
	"github.com/lectern-ai/lectern/internal/server"
	"github.com/lectern-ai/lectern/internal/session"
	"github.com/lectern-ai/lectern/internal/store"
	"github.com/lectern-ai/lectern/pkg/asr"
	asrmock "github.com/lectern-ai/lectern/pkg/asr/mock"
	"github.com/lectern-ai/lectern/pkg/asr/openai"
	"github.com/lectern-ai/lectern/pkg/asr/pyannote"
	"github.com/lectern-ai/lectern/pkg/asr/whispercpp"
	"github.com/lectern-ai/lectern/pkg/asr/whisperhttp"
)

const version = "0.3.0"

// drainTimeout bounds the final flush of each live session on shutdown.
const drainTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "lectern: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "lectern: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))
	slog.Info("lectern starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "lectern",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Persistence (optional) ────────────────────────────────────────────────
	var st *store.Store
	if cfg.Database.DSN != "" {
		st, err = store.New(ctx, cfg.Database.DSN)
		if err != nil {
			slog.Error("failed to connect to database", "err", err)
			return 1
		}
		defer st.Close()
	}

	// ── Recording storage ─────────────────────────────────────────────────────
	recordings := recorder.NewRegistry(cfg.Storage.DataRoot)

	// ── Recognisers ───────────────────────────────────────────────────────────
	streaming, err := buildStreaming(cfg.Providers.Streaming)
	if err != nil {
		slog.Error("failed to build streaming recogniser", "err", err)
		return 1
	}
	accurate, err := buildAccurate(cfg.Providers.Accurate)
	if err != nil {
		slog.Error("failed to build accurate recogniser", "err", err)
		return 1
	}
	diarizer, err := buildDiarizing(cfg.Providers.Diarizing)
	if err != nil {
		slog.Error("failed to build diarizing recogniser", "err", err)
		return 1
	}

	if streaming != nil {
		streaming = resilience.NewGuardedStreaming(streaming, resilience.CircuitBreakerConfig{
			Name: "streaming-asr",
		})
	}

	// ── Post-processing ───────────────────────────────────────────────────────
	var runner *postprocess.Runner
	if accurate != nil && diarizer != nil {
		runner = postprocess.New(st, recordings, accurate, diarizer, align.Config{
			OverlapThreshold: cfg.Alignment.OverlapThreshold,
			DensityThreshold: cfg.Alignment.DensityThreshold,
		}, cfg.Alignment.AutoPromoteAvgConf)
	}

	// ── Sessions and HTTP server ──────────────────────────────────────────────
	mgr := session.NewManager(cfg, session.Deps{
		Streaming:  streaming,
		Store:      st,
		Recordings: recordings,
		Metrics:    observe.DefaultMetrics(),
	})
	mgr.Start()

	srv := server.New(cfg, mgr, st, recordings, runner)

	printStartupSummary(cfg, st != nil, runner != nil)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping…")
	case err := <-errCh:
		if err != nil {
			slog.Error("http server failed", "err", err)
			mgr.Stop(drainTimeout)
			return 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	mgr.Stop(drainTimeout)

	slog.Info("goodbye")
	return 0
}

// ── Recogniser wiring ─────────────────────────────────────────────────────────

func buildStreaming(entry config.ProviderEntry) (asr.Streaming, error) {
	switch entry.Name {
	case "":
		return nil, nil
	case "whisperhttp":
		var opts []whisperhttp.Option
		if entry.Language != "" {
			opts = append(opts, whisperhttp.WithLanguage(entry.Language))
		}
		if entry.Model != "" {
			opts = append(opts, whisperhttp.WithModel(entry.Model))
		}
		return whisperhttp.New(entry.BaseURL, opts...)
	case "mock":
		return &asrmock.Streaming{}, nil
	default:
		return nil, fmt.Errorf("unknown streaming recogniser %q", entry.Name)
	}
}

func buildAccurate(entry config.ProviderEntry) (asr.Accurate, error) {
	switch entry.Name {
	case "":
		return nil, nil
	case "whisperhttp":
		var opts []whisperhttp.Option
		if entry.Language != "" {
			opts = append(opts, whisperhttp.WithLanguage(entry.Language))
		}
		if entry.Model != "" {
			opts = append(opts, whisperhttp.WithModel(entry.Model))
		}
		return whisperhttp.New(entry.BaseURL, opts...)
	case "whispercpp":
		var opts []whispercpp.Option
		if entry.Language != "" {
			opts = append(opts, whispercpp.WithLanguage(entry.Language))
		}
		return whispercpp.New(entry.ModelPath, opts...)
	case "openai":
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, openai.WithModel(entry.Model))
		}
		return openai.New(entry.APIKey, opts...)
	case "mock":
		return &asrmock.Accurate{}, nil
	default:
		return nil, fmt.Errorf("unknown accurate recogniser %q", entry.Name)
	}
}

func buildDiarizing(entry config.ProviderEntry) (asr.Diarizing, error) {
	switch entry.Name {
	case "":
		return nil, nil
	case "pyannote":
		return pyannote.New(entry.BaseURL)
	case "mock":
		return &asrmock.Diarizing{}, nil
	default:
		return nil, fmt.Errorf("unknown diarizing recogniser %q", entry.Name)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, persistence, postprocessing bool) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Lectern — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Streaming", cfg.Providers.Streaming.Name, cfg.Providers.Streaming.Model)
	printProvider("Accurate", cfg.Providers.Accurate.Name, cfg.Providers.Accurate.Model)
	printProvider("Diarizing", cfg.Providers.Diarizing.Name, cfg.Providers.Diarizing.Model)
	printEnabled("Persistence", persistence)
	printEnabled("Post-process", postprocessing)
	fmt.Printf("║  Data root       : %-19s ║\n", truncate(cfg.Storage.DataRoot, 19))
	fmt.Printf("║  Listen addr     : %-19s ║\n", truncate(cfg.Server.ListenAddr, 19))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(disabled)"
	} else if model != "" {
		value = fmt.Sprintf("%s (%s)", name, model)
	}
	fmt.Printf("║  %-15s : %-19s ║\n", kind, truncate(value, 19))
}

func printEnabled(kind string, on bool) {
	value := "(disabled)"
	if on {
		value = "enabled"
	}
	fmt.Printf("║  %-15s : %-19s ║\n", kind, value)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
