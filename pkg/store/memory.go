package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/convergio/convergio/pkg/models"
)

// Memory is the in-process Store.
type Memory struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	turns         map[string][]models.TurnRecord
	entries       []models.CostLedgerEntry
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		conversations: map[string]*models.Conversation{},
		turns:         map[string][]models.TurnRecord{},
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) SaveConversation(_ context.Context, conv *models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *conv
	copied.Messages = append([]models.Message(nil), conv.Messages...)
	m.conversations[conv.ID] = &copied
	return nil
}

func (m *Memory) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *conv
	copied.Messages = append([]models.Message(nil), conv.Messages...)
	return &copied, nil
}

func (m *Memory) ListConversations(_ context.Context, userID string, limit int) ([]*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Conversation
	for _, conv := range m.conversations {
		if userID != "" && conv.UserID != userID {
			continue
		}
		copied := *conv
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) AppendTurnRecord(_ context.Context, rec models.TurnRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[rec.ConvID] = append(m.turns[rec.ConvID], rec)
	return nil
}

func (m *Memory) TurnRecords(_ context.Context, convID string) ([]models.TurnRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.TurnRecord(nil), m.turns[convID]...), nil
}

func (m *Memory) AppendCostEntry(_ context.Context, entry models.CostLedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *Memory) CostEntries(_ context.Context, since time.Time) ([]models.CostLedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.CostLedgerEntry
	for _, e := range m.entries {
		if !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) Close() {}
