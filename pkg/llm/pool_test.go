package llm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convergio/convergio/pkg/models"
)

type fakeClient struct {
	inFlight atomic.Int64
	peak     atomic.Int64
	delay    time.Duration
	err      error
}

func (f *fakeClient) Stream(ctx context.Context, _ Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 4)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		cur := f.inFlight.Add(1)
		for {
			p := f.peak.Load()
			if cur <= p || f.peak.CompareAndSwap(p, cur) {
				break
			}
		}
		defer f.inFlight.Add(-1)

		if f.delay > 0 {
			time.Sleep(f.delay)
		}
		if f.err != nil {
			errs <- f.err
			return
		}
		chunks <- Chunk{Content: "ok"}
		chunks <- Chunk{FinishReason: "stop", Usage: &models.TokenUsage{TotalTokens: 2}}
	}()
	return chunks, errs
}

type fakeHealth struct {
	mu        sync.Mutex
	successes int
	failures  int
}

func (h *fakeHealth) RecordSuccess(string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.successes++
}

func (h *fakeHealth) RecordFailure(string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures++
}

func TestPoolStreamsAndReportsSuccess(t *testing.T) {
	health := &fakeHealth{}
	pool := &Pool{}
	pool.Register("openai", &fakeClient{}, 4)
	pool.health = health

	chunks, errs := pool.Stream(context.Background(), "openai", Request{Model: "gpt-4o"})
	var got []Chunk
	for c := range chunks {
		got = append(got, c)
	}
	require.NoError(t, <-errs)
	assert.Len(t, got, 2)
	assert.Equal(t, 1, health.successes)
}

func TestPoolReportsFailure(t *testing.T) {
	health := &fakeHealth{}
	pool := &Pool{}
	pool.Register("openai", &fakeClient{err: errors.New("boom")}, 4)
	pool.health = health

	chunks, errs := pool.Stream(context.Background(), "openai", Request{})
	for range chunks {
	}
	require.Error(t, <-errs)
	assert.Equal(t, 1, health.failures)
	assert.Equal(t, 0, health.successes)
}

func TestPoolUnknownProvider(t *testing.T) {
	pool := &Pool{}
	pool.Register("openai", &fakeClient{}, 4)

	chunks, errs := pool.Stream(context.Background(), "nope", Request{})
	for range chunks {
	}
	err := <-errs
	require.Error(t, err)
	assert.Equal(t, models.ErrProviderUnavailable, models.KindOf(err))
}

func TestPoolCapsConcurrency(t *testing.T) {
	client := &fakeClient{delay: 30 * time.Millisecond}
	pool := &Pool{}
	pool.Register("openai", client, 2)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			chunks, errs := pool.Stream(context.Background(), "openai", Request{})
			for range chunks {
			}
			<-errs
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, client.peak.Load(), int64(2))
}
