// Command agentd runs one voiceswitch specialist agent.
//
// It loads the agent's workflow graph and persona, connects the declared MCP
// tool servers, opens speech-to-speech model sessions on demand, serves the
// session WebSocket the gateway dials, and keeps itself registered with the
// gateway through periodic heartbeats.
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

	"golang.org/x/sync/errgroup"

	"github.com/voiceswitch/voiceswitch/internal/adapter"
	"github.com/voiceswitch/voiceswitch/internal/agentcore"
	"github.com/voiceswitch/voiceswitch/internal/config"
	"github.com/voiceswitch/voiceswitch/internal/dispatch"
	"github.com/voiceswitch/voiceswitch/internal/dispatch/mcpexec"
	"github.com/voiceswitch/voiceswitch/internal/health"
	"github.com/voiceswitch/voiceswitch/internal/workflow"
	s2sopenai "github.com/voiceswitch/voiceswitch/pkg/provider/s2s/openai"
	"github.com/voiceswitch/voiceswitch/pkg/types"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "agent.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "agentd: config file %q not found — copy configs/agent-routing.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "agentd: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("agentd starting",
		"version", version,
		"agent_id", cfg.AgentID,
		"mode", cfg.Mode,
		"listen_addr", cfg.Server.ListenAddr,
		"gateway_url", cfg.GatewayURL,
	)

	// ── Workflow and persona ──────────────────────────────────────────────────
	graph, err := workflow.Load(cfg.WorkflowFile)
	if err != nil {
		slog.Error("failed to load workflow", "err", err)
		return 1
	}
	persona, err := config.LoadPersona(cfg.PersonaFile)
	if err != nil {
		slog.Error("failed to load persona", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── MCP tool servers ──────────────────────────────────────────────────────
	host := mcpexec.New()
	defer host.Close()
	for _, srv := range cfg.Tools.Servers {
		if err := host.RegisterServer(ctx, srv); err != nil {
			slog.Error("failed to connect MCP server", "server", srv.Name, "err", err)
			return 1
		}
		slog.Info("MCP server connected", "server", srv.Name, "transport", srv.Transport)
	}
	disp := dispatch.New(host, dispatch.WithTimeout(cfg.ToolTimeout()))

	// ── S2S backend ───────────────────────────────────────────────────────────
	var s2sOpts []s2sopenai.Option
	if cfg.S2S.Model != "" {
		s2sOpts = append(s2sOpts, s2sopenai.WithModel(cfg.S2S.Model))
	}
	if cfg.S2S.BaseURL != "" {
		s2sOpts = append(s2sOpts, s2sopenai.WithBaseURL(cfg.S2S.BaseURL))
	}
	s2sClient := s2sopenai.New(cfg.S2S.APIKey, s2sOpts...)

	// ── Core and adapter ──────────────────────────────────────────────────────
	server := adapter.NewServer(adapter.ServerConfig{
		AgentID: cfg.AgentID,
		Mode:    types.IOMode(cfg.Mode),
	})
	core, err := agentcore.New(agentcore.Config{
		AgentID:     cfg.AgentID,
		Routing:     cfg.Capabilities.Routing,
		ToolScopes:  cfg.Capabilities.ToolScopes,
		AutoTrigger: cfg.AutoTrigger,
		Persona:     *persona,
		VoicePreset: cfg.S2S.VoicePreset,
		Workflow:    graph,
		S2S:         s2sClient,
		Dispatcher:  disp,
		Tools:       host.Catalog(),
	}, server.Emit)
	if err != nil {
		slog.Error("failed to create agent core", "err", err)
		return 1
	}
	server.Bind(core)

	// ── Registration ──────────────────────────────────────────────────────────
	info := types.AgentInfo{
		ID:          cfg.AgentID,
		Endpoint:    cfg.Endpoint,
		WorkflowID:  graph.ID,
		VoicePreset: persona.VoicePreset,
		Capabilities: types.AgentCapabilities{
			Routing:              cfg.Capabilities.Routing,
			VerificationRequired: cfg.Capabilities.VerificationRequired,
			ToolScopes:           cfg.Capabilities.ToolScopes,
		},
	}
	registrar, err := adapter.NewRegistrar(cfg.GatewayURL, info, cfg.HeartbeatPeriod())
	if err != nil {
		slog.Error("failed to create registrar", "err", err)
		return 1
	}

	// ── HTTP surface ──────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	mux.Handle("GET /v1/session", server)
	health.New(gatewayChecker(cfg.GatewayURL)).Register(mux)

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := registrar.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	slog.Info("agent ready — press Ctrl+C to shut down", "agent_id", cfg.AgentID, "workflow", graph.ID)

	if err := g.Wait(); err != nil {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// gatewayChecker reports whether the gateway's registration API answers.
func gatewayChecker(gatewayURL string) health.Checker {
	client := &http.Client{Timeout: 5 * time.Second}
	return health.Checker{
		Name: "gateway",
		Check: func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, gatewayURL+"/v1/agents", nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("gateway answered %d", resp.StatusCode)
			}
			return nil
		},
	}
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
