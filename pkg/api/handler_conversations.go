package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/convergio/convergio/pkg/events"
	"github.com/convergio/convergio/pkg/models"
	"github.com/convergio/convergio/pkg/orchestrator"
)

// OrchestrateRequest is the body of POST /api/v1/conversations.
type OrchestrateRequest struct {
	ConvID  string             `json:"conv_id"`
	UserID  string             `json:"user_id" binding:"required"`
	Message string             `json:"message" binding:"required"`
	Options OrchestrateOptions `json:"options"`
}

// OrchestrateOptions mirrors the per-request orchestration knobs.
// Budget amounts are decimal strings.
type OrchestrateOptions struct {
	BudgetLimitUSD string `json:"budget_limit_usd,omitempty"`
	RAGInLoop      *bool  `json:"rag_in_loop,omitempty"`
	HITLEnabled    *bool  `json:"hitl_enabled,omitempty"`
	MaxTurns       int    `json:"max_turns,omitempty"`
	TimeoutSec     int    `json:"timeout_s,omitempty"`
}

func (r *OrchestrateRequest) toDomain() (orchestrator.Request, error) {
	req := orchestrator.Request{
		ConvID:  r.ConvID,
		UserID:  r.UserID,
		Message: r.Message,
		Options: orchestrator.Options{
			RAGInLoop:   r.Options.RAGInLoop,
			HITLEnabled: r.Options.HITLEnabled,
			MaxTurns:    r.Options.MaxTurns,
			Timeout:     time.Duration(r.Options.TimeoutSec) * time.Second,
		},
	}
	if r.Options.BudgetLimitUSD != "" {
		limit, err := decimal.NewFromString(r.Options.BudgetLimitUSD)
		if err != nil {
			return req, models.NewError(models.ErrValidation,
				"invalid budget_limit_usd: "+r.Options.BudgetLimitUSD)
		}
		req.Options.BudgetLimitUSD = &limit
	}
	return req, nil
}

// Orchestrate runs a conversation to completion and returns the result.
func (s *Server) Orchestrate(c *gin.Context) {
	var body OrchestrateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req, err := body.toDomain()
	if err != nil {
		respondError(c, err)
		return
	}

	res, err := s.orch.Orchestrate(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// OrchestrateStream runs a conversation and streams its events over
// SSE. Each event's SSE name is the stream event kind.
func (s *Server) OrchestrateStream(c *gin.Context) {
	var body OrchestrateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req, err := body.toDomain()
	if err != nil {
		respondError(c, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	for ev := range s.orch.Stream(c.Request.Context(), req) {
		c.SSEvent(string(ev.Kind), ev)
		c.Writer.Flush()
	}
}

// WatchConversation attaches an SSE observer to a running conversation
// without owning it. The subscription ends on client disconnect.
func (s *Server) WatchConversation(c *gin.Context) {
	convID := c.Param("id")
	sub, cancel := s.bus.Subscribe(events.ConversationChannel(convID))
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")

	ctx := c.Request.Context()
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			se, isStream := ev.Payload.(models.StreamEvent)
			if !isStream {
				continue
			}
			c.SSEvent(string(se.Kind), se)
			c.Writer.Flush()
			if se.Kind == models.EventOrchestratorFinal {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// ListConversations returns recent conversations, newest first.
func (s *Server) ListConversations(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	convs, err := s.store.ListConversations(c.Request.Context(), c.Query("user_id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

// GetConversation returns one conversation with its messages.
func (s *Server) GetConversation(c *gin.Context) {
	conv, err := s.store.GetConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// GetTurns returns the per-turn accounting records.
func (s *Server) GetTurns(c *gin.Context) {
	recs, err := s.store.TurnRecords(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"turns": recs})
}

// GetUsage returns the token/cost summary for a conversation.
func (s *Server) GetUsage(c *gin.Context) {
	c.JSON(http.StatusOK, s.tracker.Summarize(c.Param("id")))
}
