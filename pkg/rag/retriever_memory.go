package rag

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryRetriever is the in-process Retriever used in tests and
// standalone deployments without a database. Relevance is term overlap
// between the query and the fact text.
type MemoryRetriever struct {
	mu    sync.RWMutex
	facts []memoryFact
}

type memoryFact struct {
	sourceID   string
	agentScope string
	text       string
	trust      float64
	ts         time.Time
	terms      map[string]struct{}
}

// NewMemoryRetriever creates an empty retriever.
func NewMemoryRetriever() *MemoryRetriever {
	return &MemoryRetriever{}
}

var _ Retriever = (*MemoryRetriever)(nil)

// Add inserts a fact. Empty agentScope makes it visible to every
// speaker.
func (r *MemoryRetriever) Add(sourceID, agentScope, content string, trust float64, ts time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.facts = append(r.facts, memoryFact{
		sourceID:   sourceID,
		agentScope: agentScope,
		text:       content,
		trust:      trust,
		ts:         ts,
		terms:      termSet(content),
	})
}

// Retrieve scores every visible fact by the share of query terms it
// contains and returns the top matches, best first.
func (r *MemoryRetriever) Retrieve(ctx context.Context, q Query) ([]Fact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	topN := q.TopN
	if topN <= 0 {
		topN = 20
	}
	queryTerms := termSet(q.Text)
	if len(queryTerms) == 0 {
		return nil, nil
	}

	r.mu.RLock()
	var out []Fact
	for _, f := range r.facts {
		if f.agentScope != "" && f.agentScope != q.SpeakerID {
			continue
		}
		hits := 0
		for term := range queryTerms {
			if _, ok := f.terms[term]; ok {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		out = append(out, Fact{
			SourceID:  f.sourceID,
			Text:      f.text,
			Trust:     f.trust,
			Relevance: float64(hits) / float64(len(queryTerms)),
			TS:        f.ts,
		})
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Relevance != out[j].Relevance {
			return out[i].Relevance > out[j].Relevance
		}
		return out[i].TS.After(out[j].TS)
	})
	if len(out) > topN {
		out = out[:topN]
	}
	return out, nil
}

func termSet(s string) map[string]struct{} {
	terms := map[string]struct{}{}
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,;:!?\"'()[]")
		if len(w) < 3 {
			continue
		}
		terms[w] = struct{}{}
	}
	return terms
}
