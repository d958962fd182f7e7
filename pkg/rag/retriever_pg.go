package rag

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRetriever queries the knowledge_facts table with full-text search.
// The pool is externally owned; the caller creates and closes it.
type PGRetriever struct {
	pool *pgxpool.Pool
}

// NewPGRetriever creates a retriever over an existing pool.
func NewPGRetriever(pool *pgxpool.Pool) *PGRetriever {
	return &PGRetriever{pool: pool}
}

var _ Retriever = (*PGRetriever)(nil)

// Init creates the knowledge_facts table and its search index. Safe to
// call multiple times.
func (r *PGRetriever) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS knowledge_facts (
			id BIGSERIAL PRIMARY KEY,
			source_id TEXT NOT NULL,
			agent_scope TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			trust DOUBLE PRECISION NOT NULL DEFAULT 0.5,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS knowledge_facts_fts_idx
			ON knowledge_facts
			USING GIN (to_tsvector('english', content))`,
		`CREATE INDEX IF NOT EXISTS knowledge_facts_scope_idx
			ON knowledge_facts (agent_scope)`,
	}
	for _, stmt := range stmts {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init knowledge store: %w", err)
		}
	}
	return nil
}

// Add inserts a fact. Empty agentScope makes it visible to every
// speaker.
func (r *PGRetriever) Add(ctx context.Context, sourceID, agentScope, content string, trust float64, ts time.Time) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO knowledge_facts (source_id, agent_scope, content, trust, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		sourceID, agentScope, content, trust, ts)
	if err != nil {
		return fmt.Errorf("insert fact: %w", err)
	}
	return nil
}

// Retrieve runs ranked full-text search scoped to the speaker plus the
// shared corpus.
func (r *PGRetriever) Retrieve(ctx context.Context, q Query) ([]Fact, error) {
	topN := q.TopN
	if topN <= 0 {
		topN = 20
	}

	rows, err := r.pool.Query(ctx,
		`SELECT source_id, content, trust, created_at,
		        ts_rank(to_tsvector('english', content), plainto_tsquery('english', $1)) AS score
		   FROM knowledge_facts
		  WHERE to_tsvector('english', content) @@ plainto_tsquery('english', $1)
		    AND (agent_scope = '' OR agent_scope = $2)
		  ORDER BY score DESC, created_at DESC
		  LIMIT $3`,
		q.Text, q.SpeakerID, topN)
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	defer rows.Close()

	var facts []Fact
	for rows.Next() {
		var f Fact
		var score float32
		if err := rows.Scan(&f.SourceID, &f.Text, &f.Trust, &f.TS, &score); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		f.Relevance = float64(score)
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate facts: %w", err)
	}
	return facts, nil
}
