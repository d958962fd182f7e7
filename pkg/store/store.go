// Package store persists conversations, turn records, and cost ledger
// entries. The PostgreSQL implementation applies embedded migrations on
// startup; the in-memory implementation backs tests and standalone
// deployments.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/convergio/convergio/pkg/models"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence contract. AppendCostEntry satisfies the
// ledger's durable sink.
type Store interface {
	SaveConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	ListConversations(ctx context.Context, userID string, limit int) ([]*models.Conversation, error)

	AppendTurnRecord(ctx context.Context, rec models.TurnRecord) error
	TurnRecords(ctx context.Context, convID string) ([]models.TurnRecord, error)

	AppendCostEntry(ctx context.Context, entry models.CostLedgerEntry) error
	CostEntries(ctx context.Context, since time.Time) ([]models.CostLedgerEntry, error)

	Close()
}
