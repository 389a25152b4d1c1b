// Package api exposes the agent's local health and status HTTP endpoint.
// The endpoint is observational only; all notebook interaction goes through
// the store.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/notebookos/cellagent/pkg/notebook"
	"github.com/notebookos/cellagent/pkg/store"
	"github.com/notebookos/cellagent/pkg/version"
)

// EngineStats is the slice of the coordination engine the status endpoint
// reads.
type EngineStats interface {
	InFlight() int
}

// Server serves /healthz and /api/v1/status.
type Server struct {
	sessionID string
	store     store.Store
	engine    EngineStats
	http      *http.Server
}

// NewServer wires the status endpoint to a session's store and engine.
func NewServer(sessionID string, st store.Store, engine EngineStats) *Server {
	return &Server{
		sessionID: sessionID,
		store:     st,
		engine:    engine,
	}
}

// Router builds the gin handler. Split out so tests can drive it without a
// listener.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.health)
	router.GET("/api/v1/status", s.status)
	return router
}

// Start listens on addr and blocks until the server stops.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.Router()}
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"version": version.Version,
	})
}

func (s *Server) status(c *gin.Context) {
	entries, err := s.store.QueueEntries(c.Request.Context(), store.QueueQuery{
		Statuses: []notebook.QueueStatus{
			notebook.QueueStatusPending,
			notebook.QueueStatusAssigned,
			notebook.QueueStatusExecuting,
		},
	})
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id":  s.sessionID,
		"in_flight":   s.engine.InFlight(),
		"queue_depth": len(entries),
		"version":     version.Version,
	})
}
