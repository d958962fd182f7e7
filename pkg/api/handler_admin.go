package api

import (
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/convergio/convergio/pkg/breaker"
	"github.com/convergio/convergio/pkg/ledger"
	"github.com/convergio/convergio/pkg/registry"
)

// BudgetUsage returns aggregate spend for one scope and window.
// Defaults to the global scope over the current day.
func (s *Server) BudgetUsage(c *gin.Context) {
	scope := ledger.Scope{
		Kind: ledger.ScopeKind(c.DefaultQuery("scope", string(ledger.ScopeGlobal))),
		Key:  c.Query("key"),
	}
	window := ledger.Window(c.DefaultQuery("window", string(ledger.WindowDay)))
	switch window {
	case ledger.WindowDay, ledger.WindowMonth, ledger.WindowAll:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid window: " + string(window)})
		return
	}

	resp := gin.H{
		"scope":  scope,
		"window": window,
		"usage":  s.ledger.Usage(scope, window),
	}
	if scope.Kind == ledger.ScopeGlobal {
		resp["daily_utilization"] = s.ledger.Utilization(ledger.Global)
		resp["monthly_utilization"] = s.ledger.MonthlyUtilization()
	}
	c.JSON(http.StatusOK, resp)
}

// BudgetPrediction projects today's spend from the hours elapsed so far.
func (s *Server) BudgetPrediction(c *gin.Context) {
	c.JSON(http.StatusOK, s.ledger.PredictDaily())
}

// BreakerStatuses lists every breaker scope with its current state.
func (s *Server) BreakerStatuses(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": s.breaker.Statuses()})
}

// OverrideRequest is the body of POST /api/v1/breaker/override.
type OverrideRequest struct {
	ScopeKind  string `json:"scope_kind" binding:"required"`
	ScopeKey   string `json:"scope_key,omitempty"`
	Code       string `json:"code" binding:"required"`
	ApproverID string `json:"approver_id" binding:"required"`
}

// BreakerOverride force-closes an open breaker scope using a signed
// override code. The HMAC key comes from the environment variable
// named in the breaker config.
func (s *Server) BreakerOverride(c *gin.Context) {
	var body OverrideRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	secret := os.Getenv(s.cfg.Breaker.OverrideSecretEnv)
	if secret == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "override secret not configured"})
		return
	}

	scope := breaker.Scope{Kind: ledger.ScopeKind(body.ScopeKind), Key: body.ScopeKey}
	if err := s.breaker.ApplyOverride([]byte(secret), scope, body.Code, body.ApproverID); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"scope": scope.String(), "state": "CLOSED"})
}

// ListAgents returns the loaded agent definitions, filterable by
// ?tier, ?category and ?tag.
func (s *Server) ListAgents(c *gin.Context) {
	defs := s.registry.List(registry.Filter{
		Tier:     registry.AgentTier(c.Query("tier")),
		Category: c.Query("category"),
		Tag:      c.Query("tag"),
		Status:   registry.AgentStatus(c.Query("status")),
	})
	c.JSON(http.StatusOK, gin.H{"agents": defs, "count": len(defs)})
}

// ReloadAgents rescans the definitions directory and atomically swaps
// in the new snapshot.
func (s *Server) ReloadAgents(c *gin.Context) {
	n, err := s.registry.ScanAndLoad()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": n})
}
