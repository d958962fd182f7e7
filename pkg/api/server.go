// Package api exposes the orchestration core over HTTP: conversation
// runs (sync and SSE), approval decisions, budget views, breaker
// controls, and the agent registry.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/convergio/convergio/pkg/approval"
	"github.com/convergio/convergio/pkg/breaker"
	"github.com/convergio/convergio/pkg/config"
	"github.com/convergio/convergio/pkg/events"
	"github.com/convergio/convergio/pkg/ledger"
	"github.com/convergio/convergio/pkg/orchestrator"
	"github.com/convergio/convergio/pkg/registry"
	"github.com/convergio/convergio/pkg/store"
	"github.com/convergio/convergio/pkg/tokens"
	"github.com/convergio/convergio/pkg/version"
)

// Server holds the handler dependencies.
type Server struct {
	cfg       *config.Config
	orch      *orchestrator.Orchestrator
	store     store.Store
	approvals approval.Store
	ledger    *ledger.Ledger
	breaker   *breaker.Breaker
	registry  *registry.Registry
	bus       *events.Bus
	tracker   *tokens.Tracker

	started time.Time
}

// NewServer creates the API server.
func NewServer(cfg *config.Config, orch *orchestrator.Orchestrator, st store.Store,
	approvals approval.Store, led *ledger.Ledger, brk *breaker.Breaker,
	reg *registry.Registry, bus *events.Bus, tracker *tokens.Tracker) *Server {
	return &Server{
		cfg:       cfg,
		orch:      orch,
		store:     st,
		approvals: approvals,
		ledger:    led,
		breaker:   brk,
		registry:  reg,
		bus:       bus,
		tracker:   tracker,
		started:   time.Now(),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(), securityHeaders())

	r.GET("/health", s.Health)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/conversations", s.Orchestrate)
		v1.POST("/conversations/stream", s.OrchestrateStream)
		v1.GET("/conversations", s.ListConversations)
		v1.GET("/conversations/:id", s.GetConversation)
		v1.GET("/conversations/:id/turns", s.GetTurns)
		v1.GET("/conversations/:id/usage", s.GetUsage)
		v1.GET("/conversations/:id/events", s.WatchConversation)

		v1.GET("/approvals", s.ListApprovals)
		v1.POST("/approvals/:id/decision", s.DecideApproval)

		v1.GET("/budget/usage", s.BudgetUsage)
		v1.GET("/budget/prediction", s.BudgetPrediction)

		v1.GET("/breaker", s.BreakerStatuses)
		v1.POST("/breaker/override", s.BreakerOverride)

		v1.GET("/agents", s.ListAgents)
		v1.POST("/agents/reload", s.ReloadAgents)
	}
	return r
}

// Health reports service liveness and configuration counts.
func (s *Server) Health(c *gin.Context) {
	stats := s.cfg.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"version":   version.Full(),
		"uptime_s":  int(time.Since(s.started).Seconds()),
		"agents":    s.registry.Len(),
		"providers": stats.Providers,
		"models":    stats.Models,
		"breaker":   s.breaker.Status(breaker.GlobalScope).State,
	})
}
