// Command switchd is the voiceswitch session gateway.
//
// It terminates client WebSockets, holds session memory, proxies frames to
// the agent that owns each session, and moves sessions between agents on
// handoff requests. Agents announce themselves over the registration API on
// the same listener.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/voiceswitch/voiceswitch/internal/archive"
	archivepg "github.com/voiceswitch/voiceswitch/internal/archive/postgres"
	"github.com/voiceswitch/voiceswitch/internal/config"
	"github.com/voiceswitch/voiceswitch/internal/gateway"
	"github.com/voiceswitch/voiceswitch/internal/health"
	"github.com/voiceswitch/voiceswitch/internal/memory"
	"github.com/voiceswitch/voiceswitch/internal/observe"
	"github.com/voiceswitch/voiceswitch/internal/registry"
	"github.com/voiceswitch/voiceswitch/internal/resilience"
	"github.com/voiceswitch/voiceswitch/internal/summary"
	llmopenai "github.com/voiceswitch/voiceswitch/pkg/provider/llm/openai"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "gateway.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.LoadGateway(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "switchd: config file %q not found — copy configs/gateway.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "switchd: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("switchd starting",
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
		ServiceName:    "switchd",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Core collaborators ────────────────────────────────────────────────────
	reg := registry.New(cfg.HeartbeatPeriod())
	go reg.RunGC(ctx, config.DefaultRegistryGCInterval)

	store := memory.NewStore()
	breaker := resilience.New(resilience.Config{
		MaxErrors: cfg.Breaker.MaxSessionErrors,
		Window:    cfg.ErrorWindow(),
	})

	// ── Conversation summariser (optional) ────────────────────────────────────
	var updater *summary.Updater
	if cfg.Summary.APIKey != "" {
		provider, err := llmopenai.New(cfg.Summary.APIKey, cfg.Summary.Model)
		if err != nil {
			slog.Error("failed to create summary provider", "err", err)
			return 1
		}
		updater, err = summary.NewUpdater(summary.UpdaterConfig{
			Summariser:    summary.NewLLMSummariser(provider),
			Store:         store,
			IntervalTurns: cfg.Summary.IntervalTurns,
		})
		if err != nil {
			slog.Error("failed to create summariser", "err", err)
			return 1
		}
		slog.Info("conversation summariser enabled", "model", cfg.Summary.Model)
	}

	// ── Transcript archive (optional) ─────────────────────────────────────────
	var writer *archive.Writer
	if cfg.Archive.PostgresDSN != "" {
		pg, err := archivepg.New(ctx, cfg.Archive.PostgresDSN)
		if err != nil {
			slog.Error("failed to connect to archive", "err", err)
			return 1
		}
		writer = archive.NewWriter(pg)
		slog.Info("transcript archive enabled")
	}

	// ── Gateway ───────────────────────────────────────────────────────────────
	gw, err := gateway.New(gateway.Config{
		Registry:            reg,
		Memory:              store,
		Breaker:             breaker,
		Metrics:             metrics,
		Summary:             updater,
		Archive:             writer,
		SelectWindow:        cfg.SelectWindow(),
		DisconnectGrace:     cfg.DisconnectGrace(),
		AckTimeout:          cfg.AckTimeout(),
		BufferMaxFrames:     cfg.Handoff.BufferMaxFrames,
		BufferMaxAudioBytes: cfg.Handoff.BufferMaxAudioBytes,
	})
	if err != nil {
		slog.Error("failed to create gateway", "err", err)
		return 1
	}

	// ── HTTP surface ──────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	gw.Register(mux)

	checkers := []health.Checker{health.RoutingAgentChecker(reg)}
	if writer != nil {
		checkers = append(checkers, health.ArchiveChecker(writer))
	}
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	slog.Info("gateway ready — press Ctrl+C to shut down")

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("serve error", "err", err)
			return 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	if err := gw.Shutdown(shutdownCtx); err != nil {
		slog.Warn("gateway shutdown error", "err", err)
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}

	slog.Info("goodbye")
	return 0
}

// newLogger builds the process-wide slog logger at the configured level.
func newLogger(level config.LogLevel) *slog.Logger {
	var l slog.Level
	switch level {
	case config.LogDebug:
		l = slog.LevelDebug
	case config.LogWarn:
		l = slog.LevelWarn
	case config.LogError:
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
