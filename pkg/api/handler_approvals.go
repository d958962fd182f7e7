package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// DecisionRequest is the body of POST /api/v1/approvals/:id/decision.
type DecisionRequest struct {
	ApproverID string `json:"approver_id" binding:"required"`
	Approve    bool   `json:"approve"`
	Notes      string `json:"notes,omitempty"`
}

// ListApprovals returns pending approval requests, optionally scoped
// to one conversation via ?conv_id.
func (s *Server) ListApprovals(c *gin.Context) {
	pending, err := s.approvals.Pending(c.Request.Context(), c.Query("conv_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"approvals": pending})
}

// DecideApproval records an approve or deny decision. The blocked
// conversation resumes (or is terminated) as soon as the decision
// lands.
func (s *Server) DecideApproval(c *gin.Context) {
	var body DecisionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	status, err := s.approvals.Decide(c.Request.Context(), c.Param("id"),
		body.ApproverID, body.Approve, body.Notes)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "status": status})
}
