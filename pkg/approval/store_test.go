package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convergio/convergio/pkg/models"
)

func newRequest(convID string) *models.ApprovalRequest {
	return &models.ApprovalRequest{
		ConvID:     convID,
		TurnIndex:  2,
		ActionType: "funds_transfer",
		Payload:    "wire $4,000 to vendor 8812",
		Risk:       models.RiskHigh,
	}
}

func TestCreateAssignsIDAndPendingStatus(t *testing.T) {
	s := NewMemoryStore()
	id, err := s.Create(context.Background(), newRequest("conv-1"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	req, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalPending, req.Status)
	assert.False(t, req.CreatedAt.IsZero())
}

func TestCreateRejectsSecondPendingForConversation(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Create(context.Background(), newRequest("conv-1"))
	require.NoError(t, err)

	_, err = s.Create(context.Background(), newRequest("conv-1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPendingExists)

	// A different conversation is unaffected.
	_, err = s.Create(context.Background(), newRequest("conv-2"))
	assert.NoError(t, err)
}

func TestCreateAllowsNewPendingAfterDecision(t *testing.T) {
	s := NewMemoryStore()
	id, err := s.Create(context.Background(), newRequest("conv-1"))
	require.NoError(t, err)

	_, err = s.Decide(context.Background(), id, "amy", false, "not now")
	require.NoError(t, err)

	_, err = s.Create(context.Background(), newRequest("conv-1"))
	assert.NoError(t, err)
}

func TestAwaitReturnsDecision(t *testing.T) {
	s := NewMemoryStore()
	id, err := s.Create(context.Background(), newRequest("conv-1"))
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = s.Decide(context.Background(), id, "amy", true, "looks fine")
	}()

	status, err := s.Await(context.Background(), id, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalApproved, status)

	req, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "amy", req.ApproverID)
	assert.Equal(t, "looks fine", req.Notes)
	require.NotNil(t, req.DecidedAt)
}

func TestAwaitTimesOutAndExpires(t *testing.T) {
	s := NewMemoryStore()
	id, err := s.Create(context.Background(), newRequest("conv-1"))
	require.NoError(t, err)

	start := time.Now()
	status, err := s.Await(context.Background(), id, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalExpired, status)
	assert.Less(t, time.Since(start), time.Second)

	req, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalExpired, req.Status)
}

func TestAwaitAlreadyDecidedReturnsImmediately(t *testing.T) {
	s := NewMemoryStore()
	id, err := s.Create(context.Background(), newRequest("conv-1"))
	require.NoError(t, err)

	_, err = s.Decide(context.Background(), id, "amy", false, "")
	require.NoError(t, err)

	status, err := s.Await(context.Background(), id, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalRejected, status)
}

func TestAwaitContextCancelExpires(t *testing.T) {
	s := NewMemoryStore()
	id, err := s.Create(context.Background(), newRequest("conv-1"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	status, err := s.Await(ctx, id, time.Hour)
	require.Error(t, err)
	assert.Equal(t, models.ApprovalExpired, status)
}

func TestDecideIsIdempotentOnTerminal(t *testing.T) {
	s := NewMemoryStore()
	id, err := s.Create(context.Background(), newRequest("conv-1"))
	require.NoError(t, err)

	status, err := s.Decide(context.Background(), id, "amy", true, "")
	require.NoError(t, err)
	require.Equal(t, models.ApprovalApproved, status)

	// A later conflicting decision does not flip the record.
	status, err = s.Decide(context.Background(), id, "bob", false, "too late")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalApproved, status)

	req, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "amy", req.ApproverID)
}

func TestDecideUnknownID(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Decide(context.Background(), "missing", "amy", true, "")
	assert.Error(t, err)
}

func TestPendingFiltersByConversation(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Create(context.Background(), newRequest("conv-1"))
	require.NoError(t, err)
	id2, err := s.Create(context.Background(), newRequest("conv-2"))
	require.NoError(t, err)

	all, err := s.Pending(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = s.Decide(context.Background(), id2, "amy", true, "")
	require.NoError(t, err)

	scoped, err := s.Pending(context.Background(), "conv-2")
	require.NoError(t, err)
	assert.Empty(t, scoped)
}
