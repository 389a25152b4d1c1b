// cellagent attaches to a collaborative notebook as its runtime session: it
// claims queued executions, runs code cells in a sandboxed worker, drives AI
// cells against a model provider, and streams every output back into the
// shared store.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/notebookos/cellagent/pkg/ai"
	"github.com/notebookos/cellagent/pkg/api"
	"github.com/notebookos/cellagent/pkg/config"
	"github.com/notebookos/cellagent/pkg/notebook"
	"github.com/notebookos/cellagent/pkg/runtime"
	"github.com/notebookos/cellagent/pkg/store/postgres"
	"github.com/notebookos/cellagent/pkg/version"
	"github.com/notebookos/cellagent/pkg/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Load .env before flag defaults resolve their environment fallbacks.
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting cellagent",
		"version", version.Full(),
		"notebook", cfg.Notebook,
		"runtime_id", cfg.RuntimeID)

	ctx := context.Background()

	st, err := postgres.Open(ctx, postgres.Config{URL: cfg.DatabaseURL()})
	if err != nil {
		slog.Error("Failed to open notebook store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Error closing notebook store", "error", err)
		}
	}()
	slog.Info("Connected to notebook store")

	// Code worker bridge. The subprocess starts lazily on the first code
	// execution and restarts after crashes.
	bridge := worker.NewBridge(worker.Config{
		Command:  cfg.WorkerCommand,
		Args:     cfg.WorkerArgs,
		Packages: cfg.WorkerPackages,
	})
	defer bridge.Close()
	codeHandler := worker.NewHandler(bridge)

	// The AI driver acts on the notebook as this session, so the session id
	// is generated here rather than inside the agent.
	sessionID := uuid.New().String()
	var modelClient ai.ModelClient
	if cfg.AIConfigured() {
		modelClient = ai.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)
		slog.Info("AI provider configured", "model", cfg.AIModel)
	} else {
		slog.Info("AI provider not configured; AI cells will render setup instructions")
	}
	aiDriver := ai.NewDriver(ai.Config{
		Store:     st,
		Client:    modelClient,
		Model:     cfg.AIModel,
		SessionID: sessionID,
	})

	agent := runtime.NewAgent(runtime.AgentConfig{
		Store:       st,
		SessionID:   sessionID,
		RuntimeID:   cfg.RuntimeID,
		RuntimeType: cfg.RuntimeType,
		Capabilities: notebook.Capabilities{
			CanExecuteCode: true,
			CanExecuteAI:   true,
		},
		HeartbeatInterval: cfg.HeartbeatInterval,
		Handlers: map[notebook.CellType]runtime.Handler{
			notebook.CellTypeCode: codeHandler,
			notebook.CellTypeAI:   aiDriver,
		},
	})

	if err := agent.Start(ctx); err != nil {
		slog.Error("Failed to start runtime session", "error", err)
		os.Exit(1)
	}
	slog.Info("Runtime session ready", "session_id", agent.SessionID())

	// Local health/status endpoint, optional.
	var httpServer *api.Server
	errCh := make(chan error, 1)
	if cfg.HTTPPort != "" {
		httpServer = api.NewServer(agent.SessionID(), st, agent.Engine())
		go func() {
			addr := ":" + cfg.HTTPPort
			slog.Info("HTTP server listening", "addr", addr)
			if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
				slog.Error("HTTP server error", "error", err)
				errCh <- err
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("HTTP server shutdown failed", "error", err)
		}
	}

	agent.Shutdown(shutdownCtx)
	slog.Info("Shutdown complete")
}
