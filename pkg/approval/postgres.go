package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/convergio/convergio/pkg/models"
)

// PGStore is the durable Store backed by the approval_requests table.
// Await polls: decisions arrive over HTTP from another process or pod,
// so there is no in-memory signal to wait on.
type PGStore struct {
	pool *pgxpool.Pool
	poll time.Duration
	now  func() time.Time
}

var _ Store = (*PGStore)(nil)

// NewPGStore creates a PGStore over an existing pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool, poll: 250 * time.Millisecond, now: time.Now}
}

// Create persists a pending request. The partial unique index on
// (conv_id) WHERE status='pending' enforces one pending per
// conversation.
func (s *PGStore) Create(ctx context.Context, req *models.ApprovalRequest) (string, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.Status = models.ApprovalPending
	if req.CreatedAt.IsZero() {
		req.CreatedAt = s.now()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO approval_requests (id, conv_id, turn_index, action_type, payload, risk_level, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		req.ID, req.ConvID, req.TurnIndex, req.ActionType, req.Payload,
		string(req.Risk), string(req.Status), req.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("%w: conv_id=%s", ErrPendingExists, req.ConvID)
		}
		return "", fmt.Errorf("create approval: %w", err)
	}

	slog.Info("Approval request created",
		"approval_id", req.ID, "conv_id", req.ConvID,
		"action_type", req.ActionType, "risk", string(req.Risk))
	return req.ID, nil
}

// Await polls until the request is decided, then returns its status.
// On timeout the request transitions to expired; a decision racing the
// timeout wins because the expiry UPDATE only touches pending rows.
func (s *PGStore) Await(ctx context.Context, id string, timeout time.Duration) (models.ApprovalStatus, error) {
	deadline := s.now().Add(timeout)
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		status, err := s.status(ctx, id)
		if err != nil {
			return "", err
		}
		if status.Terminal() {
			return status, nil
		}
		if s.now().After(deadline) {
			return s.expire(ctx, id)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			st, _ := s.expire(context.WithoutCancel(ctx), id)
			return st, ctx.Err()
		}
	}
}

func (s *PGStore) status(ctx context.Context, id string) (models.ApprovalStatus, error) {
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM approval_requests WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("approval: unknown request %q", id)
	}
	if err != nil {
		return "", fmt.Errorf("query approval status: %w", err)
	}
	return models.ApprovalStatus(status), nil
}

func (s *PGStore) expire(ctx context.Context, id string) (models.ApprovalStatus, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE approval_requests SET status = $2, decided_at = $3
		  WHERE id = $1 AND status = $4`,
		id, string(models.ApprovalExpired), s.now(), string(models.ApprovalPending))
	if err != nil {
		return "", fmt.Errorf("expire approval: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Lost the race to a decision; report what won.
		return s.status(ctx, id)
	}
	slog.Warn("Approval request expired", "approval_id", id)
	return models.ApprovalExpired, nil
}

// Decide applies the terminal transition. Idempotent: deciding an
// already-terminal request returns its recorded status unchanged.
func (s *PGStore) Decide(ctx context.Context, id, approverID string, approve bool, notes string) (models.ApprovalStatus, error) {
	status := models.ApprovalRejected
	if approve {
		status = models.ApprovalApproved
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE approval_requests
		    SET status = $2, approver_id = $3, notes = $4, decided_at = $5
		  WHERE id = $1 AND status = $6`,
		id, string(status), approverID, notes, s.now(), string(models.ApprovalPending))
	if err != nil {
		return "", fmt.Errorf("decide approval: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.status(ctx, id)
	}

	slog.Info("Approval request decided",
		"approval_id", id, "status", string(status), "approver_id", approverID)
	return status, nil
}

// Get returns the request by id.
func (s *PGStore) Get(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, conv_id, turn_index, action_type, payload, risk_level, status, created_at, decided_at, approver_id, notes
		   FROM approval_requests WHERE id = $1`, id)
	req, err := scanApproval(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("approval: unknown request %q", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	return req, nil
}

// Pending lists pending requests, newest first, optionally scoped to
// one conversation.
func (s *PGStore) Pending(ctx context.Context, convID string) ([]*models.ApprovalRequest, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, conv_id, turn_index, action_type, payload, risk_level, status, created_at, decided_at, approver_id, notes
		   FROM approval_requests
		  WHERE status = 'pending' AND ($1 = '' OR conv_id = $1)
		  ORDER BY created_at DESC`, convID)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer rows.Close()

	var out []*models.ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func scanApproval(row pgx.Row) (*models.ApprovalRequest, error) {
	var req models.ApprovalRequest
	var risk, status string
	if err := row.Scan(&req.ID, &req.ConvID, &req.TurnIndex, &req.ActionType,
		&req.Payload, &risk, &status, &req.CreatedAt, &req.DecidedAt,
		&req.ApproverID, &req.Notes); err != nil {
		return nil, err
	}
	req.Risk = models.RiskLevel(risk)
	req.Status = models.ApprovalStatus(status)
	return &req, nil
}

// isUniqueViolation reports SQLSTATE 23505 without importing pgconn
// into the package API.
func isUniqueViolation(err error) bool {
	type sqlState interface{ SQLState() string }
	var se sqlState
	return errors.As(err, &se) && se.SQLState() == "23505"
}
