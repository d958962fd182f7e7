// Package approval persists human-in-the-loop approval requests and
// lets an orchestration turn block until a decision arrives or the
// request expires. Decisions are terminal and idempotent; a
// conversation holds at most one pending request.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/convergio/convergio/pkg/models"
)

// ErrPendingExists is wrapped into the error returned by Create when
// the conversation already has a pending request.
var ErrPendingExists = fmt.Errorf("approval: conversation already has a pending request")

// Store is the approval persistence contract. Await blocks the calling
// turn; Create and Decide are short.
type Store interface {
	// Create persists a new pending request and returns its id.
	Create(ctx context.Context, req *models.ApprovalRequest) (string, error)

	// Await blocks until the request is decided or timeout elapses.
	// On timeout the request transitions to expired; callers treat
	// expiry as a rejection.
	Await(ctx context.Context, id string, timeout time.Duration) (models.ApprovalStatus, error)

	// Decide applies a terminal transition. Calling it again on a
	// decided request is a no-op returning the recorded status.
	Decide(ctx context.Context, id, approverID string, approve bool, notes string) (models.ApprovalStatus, error)

	// Get returns the request by id.
	Get(ctx context.Context, id string) (*models.ApprovalRequest, error)

	// Pending lists pending requests, optionally scoped to one
	// conversation (empty convID = all).
	Pending(ctx context.Context, convID string) ([]*models.ApprovalRequest, error)
}

// MemoryStore is the in-process Store used in unit tests and
// standalone deployments without a database.
type MemoryStore struct {
	mu       sync.Mutex
	requests map[string]*models.ApprovalRequest
	decided  map[string]chan struct{} // closed on terminal transition
	now      func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: map[string]*models.ApprovalRequest{},
		decided:  map[string]chan struct{}{},
		now:      time.Now,
	}
}

// Create persists a pending request, enforcing the one-pending-per-
// conversation invariant.
func (s *MemoryStore) Create(_ context.Context, req *models.ApprovalRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.requests {
		if existing.ConvID == req.ConvID && existing.Status == models.ApprovalPending {
			return "", fmt.Errorf("%w: conv_id=%s", ErrPendingExists, req.ConvID)
		}
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.Status = models.ApprovalPending
	if req.CreatedAt.IsZero() {
		req.CreatedAt = s.now()
	}

	stored := *req
	s.requests[req.ID] = &stored
	s.decided[req.ID] = make(chan struct{})

	slog.Info("Approval request created",
		"approval_id", req.ID, "conv_id", req.ConvID,
		"action_type", req.ActionType, "risk", string(req.Risk))
	return req.ID, nil
}

// Await blocks until decision, timeout, or context cancellation.
func (s *MemoryStore) Await(ctx context.Context, id string, timeout time.Duration) (models.ApprovalStatus, error) {
	s.mu.Lock()
	req, ok := s.requests[id]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("approval: unknown request %q", id)
	}
	if req.Status.Terminal() {
		status := req.Status
		s.mu.Unlock()
		return status, nil
	}
	ch := s.decided[id]
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		s.mu.Lock()
		status := s.requests[id].Status
		s.mu.Unlock()
		return status, nil

	case <-timer.C:
		// Expire the request. A decision racing the timeout wins: the
		// terminal check inside expire keeps the first transition.
		return s.expire(id), nil

	case <-ctx.Done():
		return s.expire(id), ctx.Err()
	}
}

func (s *MemoryStore) expire(id string) models.ApprovalStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	req := s.requests[id]
	if req.Status.Terminal() {
		return req.Status
	}
	now := s.now()
	req.Status = models.ApprovalExpired
	req.DecidedAt = &now
	close(s.decided[id])
	slog.Warn("Approval request expired", "approval_id", id, "conv_id", req.ConvID)
	return models.ApprovalExpired
}

// Decide applies the terminal transition. Idempotent: deciding an
// already-terminal request returns its recorded status unchanged.
func (s *MemoryStore) Decide(_ context.Context, id, approverID string, approve bool, notes string) (models.ApprovalStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return "", fmt.Errorf("approval: unknown request %q", id)
	}
	if req.Status.Terminal() {
		return req.Status, nil
	}

	now := s.now()
	if approve {
		req.Status = models.ApprovalApproved
	} else {
		req.Status = models.ApprovalRejected
	}
	req.ApproverID = approverID
	req.Notes = notes
	req.DecidedAt = &now
	close(s.decided[id])

	slog.Info("Approval request decided",
		"approval_id", id, "conv_id", req.ConvID,
		"status", string(req.Status), "approver_id", approverID)
	return req.Status, nil
}

// Get returns a copy of the request.
func (s *MemoryStore) Get(_ context.Context, id string) (*models.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, fmt.Errorf("approval: unknown request %q", id)
	}
	out := *req
	return &out, nil
}

// Pending lists pending requests, newest first.
func (s *MemoryStore) Pending(_ context.Context, convID string) ([]*models.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ApprovalRequest
	for _, req := range s.requests {
		if req.Status != models.ApprovalPending {
			continue
		}
		if convID != "" && req.ConvID != convID {
			continue
		}
		copied := *req
		out = append(out, &copied)
	}
	return out, nil
}
