package models

import "time"

// ApprovalStatus is the lifecycle state of a human-in-the-loop request.
// pending is the only non-terminal status.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s ApprovalStatus) Terminal() bool { return s != ApprovalPending }

// RiskLevel grades how dangerous a proposed action is.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// AtLeast reports whether r is at or above the given level.
func (r RiskLevel) AtLeast(min RiskLevel) bool {
	return riskRank(r) >= riskRank(min)
}

func riskRank(r RiskLevel) int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return 0
	}
}

// ApprovalRequest suspends a turn pending an external decision.
// A conversation holds at most one pending request at a time.
type ApprovalRequest struct {
	ID         string         `json:"id"`
	ConvID     string         `json:"conv_id"`
	TurnIndex  int            `json:"turn_index"`
	ActionType string         `json:"action_type"`
	Payload    string         `json:"payload"`
	Risk       RiskLevel      `json:"risk_level"`
	Status     ApprovalStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	DecidedAt  *time.Time     `json:"decided_at,omitempty"`
	ApproverID string         `json:"approver_id,omitempty"`
	Notes      string         `json:"notes,omitempty"`
}
