package rag

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/convergio/convergio/pkg/config"
	"github.com/convergio/convergio/pkg/models"
)

// charsPerToken is the rough estimate used for the context budget.
const charsPerToken = 4

// InjectRequest describes one turn's retrieval need.
type InjectRequest struct {
	ConvID           string
	SpeakerID        string
	LastUserMessage  string
	RecentTurns      []string
	MaxContextTokens int
}

// CacheStats exposes hit-rate counters.
type CacheStats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
}

// Injector builds per-turn context bundles with a TTL cache in front of
// the retriever. Concurrent requests for the same key collapse into a
// single retrieval.
type Injector struct {
	cfg       *config.RAGConfig
	retriever Retriever
	cache     *expirable.LRU[string, Bundle]
	group     singleflight.Group
	ttl       time.Duration
	hits      atomic.Uint64
	misses    atomic.Uint64
	now       func() time.Time
}

// NewInjector wires the cache and retriever. A nil retriever yields
// permanently degraded bundles.
func NewInjector(cfg *config.RAGConfig, retriever Retriever) *Injector {
	ttl := time.Duration(cfg.CacheTTLSec) * time.Second
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = 1024
	}
	return &Injector{
		cfg:       cfg,
		retriever: retriever,
		cache:     expirable.NewLRU[string, Bundle](size, nil, ttl),
		ttl:       ttl,
		now:       time.Now,
	}
}

// Inject returns the context bundle for the turn. Retrieval failure
// degrades to an empty bundle; the error return is non-nil only when
// strict degrade reporting is configured.
func (inj *Injector) Inject(ctx context.Context, req InjectRequest) (Bundle, error) {
	if !inj.cfg.Enabled || inj.retriever == nil {
		return Bundle{Degraded: inj.retriever == nil, BuiltAt: inj.now()}, nil
	}

	key := CacheKey(req.SpeakerID, req.LastUserMessage, req.RecentTurns)
	if bundle, ok := inj.cache.Get(key); ok {
		inj.hits.Add(1)
		return bundle, nil
	}
	inj.misses.Add(1)

	result, err, _ := inj.group.Do(key, func() (interface{}, error) {
		return inj.build(ctx, key, req), nil
	})
	if err != nil {
		// Unreachable today: build never returns an error through Do.
		return Bundle{Degraded: true, BuiltAt: inj.now()}, nil
	}

	bundle := result.(Bundle)
	if bundle.Degraded && inj.cfg.StrictDegrade {
		return bundle, &models.OrchestrationError{
			Kind:      models.ErrRetrievalDegraded,
			Message:   "context retrieval failed, proceeding without injection",
			Retryable: true,
		}
	}
	return bundle, nil
}

func (inj *Injector) build(ctx context.Context, key string, req InjectRequest) Bundle {
	bundle := Bundle{CacheKey: key, BuiltAt: inj.now(), TTL: inj.ttl}

	topN := inj.cfg.TopN
	if topN <= 0 {
		topN = 20
	}
	candidates, err := inj.retriever.Retrieve(ctx, Query{
		SpeakerID: req.SpeakerID,
		Text:      req.LastUserMessage,
		TopN:      topN,
	})
	if err != nil {
		slog.Warn("Context retrieval failed, degrading",
			"conv_id", req.ConvID, "speaker_id", req.SpeakerID, "error", err)
		bundle.Degraded = true
		return bundle
	}

	facts := dedup(candidates)
	inj.rank(facts)

	maxFacts := inj.cfg.MaxFacts
	if maxFacts <= 0 {
		maxFacts = 5
	}
	if len(facts) > maxFacts {
		facts = facts[:maxFacts]
		bundle.Truncated = true
	}
	facts, truncated := inj.fitTokenBudget(facts, req.MaxContextTokens)
	bundle.Truncated = bundle.Truncated || truncated

	delta := inj.cfg.NumericDelta
	if delta <= 0 {
		delta = 0.10
	}
	facts, note := resolveConflicts(facts, delta)
	bundle.Facts = facts
	bundle.ConflictNote = note

	seen := map[string]bool{}
	for _, f := range facts {
		if !seen[f.SourceID] {
			seen[f.SourceID] = true
			bundle.Sources = append(bundle.Sources, f.SourceID)
		}
	}

	inj.cache.Add(key, bundle)
	return bundle
}

// rank orders facts by relevance x recency x trust, descending.
func (inj *Injector) rank(facts []Fact) {
	now := inj.now()
	score := func(f Fact) float64 {
		recency := math.Exp(-now.Sub(f.TS).Hours() / (24 * 7))
		return f.Relevance * recency * f.Trust
	}
	sort.SliceStable(facts, func(i, j int) bool {
		return score(facts[i]) > score(facts[j])
	})
}

// fitTokenBudget drops trailing facts past the context share of the
// speaker's window.
func (inj *Injector) fitTokenBudget(facts []Fact, maxContextTokens int) ([]Fact, bool) {
	share := inj.cfg.ContextShare
	if share <= 0 {
		share = 0.20
	}
	if maxContextTokens <= 0 {
		maxContextTokens = 8000
	}
	budget := int(float64(maxContextTokens) * share)

	used := 0
	for i, f := range facts {
		used += len(f.Text)/charsPerToken + 1
		if used > budget {
			return facts[:i], true
		}
	}
	return facts, false
}

// dedup removes same-source near-duplicate texts, keeping first.
func dedup(facts []Fact) []Fact {
	var out []Fact
	for _, f := range facts {
		dup := false
		for _, kept := range out {
			if kept.SourceID == f.SourceID && nearDuplicate(kept.Text, f.Text) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, f)
		}
	}
	return out
}

// Stats returns cache hit counters.
func (inj *Injector) Stats() CacheStats {
	return CacheStats{Hits: inj.hits.Load(), Misses: inj.misses.Load()}
}

// Invalidate drops all cached bundles, e.g. after a knowledge reload.
func (inj *Injector) Invalidate() {
	inj.cache.Purge()
}
