package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/notebookos/cellagent/pkg/notebook"
	"github.com/notebookos/cellagent/pkg/store"
)

// DefaultHeartbeatInterval is how often a live session refreshes its
// liveness timestamp unless configured otherwise.
const DefaultHeartbeatInterval = 15 * time.Second

// AgentConfig configures a runtime agent.
type AgentConfig struct {
	Store    store.Store
	Handlers map[notebook.CellType]Handler

	// Capabilities is announced on the session record.
	Capabilities notebook.Capabilities

	// SessionID, when empty, is generated.
	SessionID string

	// RuntimeID and RuntimeType identify the agent process on the session
	// record, e.g. the hostname and "cellagent".
	RuntimeID   string
	RuntimeType string

	// HeartbeatInterval defaults to DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration

	// OnExecutionError is forwarded to the engine.
	OnExecutionError func(queueID string, err error)
}

// Agent ties a runtime session's lifecycle to a coordination engine: it
// registers the session (displacing any previous one), keeps it alive with
// heartbeats, and tears everything down exactly once on shutdown.
type Agent struct {
	sessionID   string
	runtimeID   string
	runtimeType string
	st          store.Store
	engine      *Engine
	interval    time.Duration
	caps        notebook.Capabilities

	cancel context.CancelFunc
	hbDone chan struct{}

	shutdownOnce sync.Once
}

// NewAgent builds an agent; Start registers the session and begins claiming.
func NewAgent(cfg AgentConfig) *Agent {
	sessionID := cfg.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	runtimeType := cfg.RuntimeType
	if runtimeType == "" {
		runtimeType = "cellagent"
	}
	return &Agent{
		sessionID:   sessionID,
		runtimeID:   cfg.RuntimeID,
		runtimeType: runtimeType,
		st:          cfg.Store,
		interval:    interval,
		caps:        cfg.Capabilities,
		engine: NewEngine(EngineConfig{
			SessionID:        sessionID,
			Store:            cfg.Store,
			Handlers:         cfg.Handlers,
			OnExecutionError: cfg.OnExecutionError,
		}),
		hbDone: make(chan struct{}),
	}
}

// SessionID returns this agent's runtime session id.
func (a *Agent) SessionID() string { return a.sessionID }

// Engine exposes the coordination engine, mainly for status reporting.
func (a *Agent) Engine() *Engine { return a.engine }

// Start registers the runtime session and brings up the engine.
//
// At most one session is active per notebook: any session still active at
// startup is terminated as displaced before this one announces itself, so
// queue subscribers never observe two claimants.
func (a *Agent) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.displaceExisting(runCtx); err != nil {
		cancel()
		return err
	}

	session := notebook.RuntimeSession{
		SessionID:     a.sessionID,
		RuntimeID:     a.runtimeID,
		RuntimeType:   a.runtimeType,
		Status:        notebook.SessionStatusStarting,
		IsActive:      true,
		LastHeartbeat: time.Now(),
		Capabilities:  a.caps,
	}
	if err := a.st.Commit(runCtx, notebook.RuntimeSessionStarted{Session: session}); err != nil {
		cancel()
		return fmt.Errorf("failed to register runtime session: %w", err)
	}

	if err := a.engine.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start coordination engine: %w", err)
	}

	// Ready only after the engine is subscribed, so a ready session never
	// misses a wakeup.
	if err := a.st.Commit(runCtx, notebook.RuntimeSessionStatusChanged{
		SessionID: a.sessionID,
		Status:    notebook.SessionStatusReady,
	}); err != nil {
		slog.Warn("Failed to mark session ready", "session_id", a.sessionID, "error", err)
	}

	go a.heartbeatLoop(runCtx)

	slog.Info("Runtime session started",
		"session_id", a.sessionID,
		"heartbeat_interval", a.interval,
		"can_execute_code", a.caps.CanExecuteCode,
		"can_execute_sql", a.caps.CanExecuteSQL,
		"can_execute_ai", a.caps.CanExecuteAI)
	return nil
}

// displaceExisting terminates every still-active session.
func (a *Agent) displaceExisting(ctx context.Context) error {
	sessions, err := a.st.ActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active sessions: %w", err)
	}
	for _, s := range sessions {
		if s.SessionID == a.sessionID {
			continue
		}
		slog.Info("Displacing previous runtime session", "session_id", s.SessionID)
		err := a.st.Commit(ctx, notebook.RuntimeSessionTerminated{
			SessionID: s.SessionID,
			Reason:    notebook.TerminationDisplaced,
		})
		if err != nil {
			return fmt.Errorf("failed to displace session %s: %w", s.SessionID, err)
		}
	}
	return nil
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	defer close(a.hbDone)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := a.st.Commit(ctx, notebook.RuntimeSessionHeartbeat{
				SessionID: a.sessionID,
				At:        time.Now(),
			})
			if err != nil {
				slog.Warn("Heartbeat failed", "session_id", a.sessionID, "error", err)
			}
		}
	}
}

// Shutdown cancels in-flight executions, stops the engine, and terminates
// the session record. Idempotent; later calls are no-ops.
func (a *Agent) Shutdown(ctx context.Context) {
	a.shutdownOnce.Do(func() {
		slog.Info("Shutting down runtime session", "session_id", a.sessionID)

		a.engine.Stop()

		if a.cancel != nil {
			a.cancel()
			<-a.hbDone
		}

		// The run context is gone; the terminating commit rides the
		// caller's shutdown context.
		err := a.st.Commit(ctx, notebook.RuntimeSessionTerminated{
			SessionID: a.sessionID,
			Reason:    notebook.TerminationShutdown,
		})
		if err != nil {
			slog.Warn("Failed to terminate session record", "session_id", a.sessionID, "error", err)
		}
	})
}
