// Package rag builds the bounded knowledge bundle injected into an
// agent's turn: retrieval, dedup, re-ranking, conflict resolution, and
// a TTL cache in front of the store.
package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Fact is one retrieved knowledge item. Trust is the source's
// editorial weight in [0,1]; Relevance is the retriever's match score.
type Fact struct {
	SourceID  string    `json:"source_id"`
	Text      string    `json:"text"`
	Trust     float64   `json:"trust"`
	Relevance float64   `json:"relevance"`
	TS        time.Time `json:"ts"`
}

// Bundle is the per-turn context handed to the speaker. Degraded marks
// a retrieval failure the turn proceeded without.
type Bundle struct {
	Facts        []Fact        `json:"facts"`
	Sources      []string      `json:"sources"`
	CacheKey     string        `json:"cache_key"`
	BuiltAt      time.Time     `json:"built_at"`
	TTL          time.Duration `json:"ttl"`
	Truncated    bool          `json:"truncated,omitempty"`
	Degraded     bool          `json:"degraded,omitempty"`
	ConflictNote string        `json:"conflict_note,omitempty"`
}

// Query is a retrieval request scoped to one speaker.
type Query struct {
	SpeakerID string
	Text      string
	TopN      int
}

// Retriever is the external knowledge store. Implementations must
// honor ctx cancellation.
type Retriever interface {
	Retrieve(ctx context.Context, q Query) ([]Fact, error)
}

// CacheKey derives the bundle cache key from the speaker, the query,
// and a window hash over recent turn texts.
func CacheKey(speakerID, query string, recentTurns []string) string {
	h := sha256.New()
	h.Write([]byte(speakerID))
	h.Write([]byte{0})
	h.Write([]byte(query))
	h.Write([]byte{0})
	for _, turn := range recentTurns {
		h.Write([]byte(turn))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// normalizeText lowercases and collapses whitespace for near-duplicate
// comparison.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// nearDuplicate treats facts as duplicates when one normalized text
// contains the other's leading 80 characters.
func nearDuplicate(a, b string) bool {
	na, nb := normalizeText(a), normalizeText(b)
	if na == nb {
		return true
	}
	const prefix = 80
	shorter, longer := na, nb
	if len(nb) < len(na) {
		shorter, longer = nb, na
	}
	if len(shorter) > prefix {
		shorter = shorter[:prefix]
	}
	return len(shorter) >= 20 && strings.Contains(longer, shorter)
}
