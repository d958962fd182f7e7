package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/convergio/convergio/pkg/config"
	"github.com/convergio/convergio/pkg/models"
)

const defaultMaxConcurrency = 8

// ProviderHealth receives call outcomes, feeding the circuit breaker's
// consecutive-error tracking.
type ProviderHealth interface {
	RecordSuccess(provider string)
	RecordFailure(provider string)
}

// Pool routes requests to named provider clients, capping in-flight
// calls per provider and reporting outcomes to the health sink.
type Pool struct {
	clients map[string]Client
	slots   map[string]chan struct{}
	health  ProviderHealth
}

// NewPool builds clients for every configured provider. Providers whose
// API key is missing are skipped with a warning so the rest of the
// system can start.
func NewPool(providers map[string]config.ProviderConfig, health ProviderHealth) (*Pool, error) {
	p := &Pool{
		clients: map[string]Client{},
		slots:   map[string]chan struct{}{},
		health:  health,
	}
	for name, cfg := range providers {
		client, err := NewOpenAIClient(name, cfg)
		if err != nil {
			slog.Warn("Skipping provider", "provider", name, "error", err)
			continue
		}
		max := cfg.MaxConcurrency
		if max <= 0 {
			max = defaultMaxConcurrency
		}
		p.clients[name] = client
		p.slots[name] = make(chan struct{}, max)
	}
	if len(p.clients) == 0 {
		return nil, fmt.Errorf("no usable providers configured")
	}
	return p, nil
}

// Register adds a client directly, replacing any existing entry. Used
// by tests and embedded deployments.
func (p *Pool) Register(name string, client Client, maxConcurrency int) {
	if maxConcurrency <= 0 {
		maxConcurrency = defaultMaxConcurrency
	}
	if p.clients == nil {
		p.clients = map[string]Client{}
		p.slots = map[string]chan struct{}{}
	}
	p.clients[name] = client
	p.slots[name] = make(chan struct{}, maxConcurrency)
}

// Providers returns the registered provider names.
func (p *Pool) Providers() []string {
	names := make([]string, 0, len(p.clients))
	for name := range p.clients {
		names = append(names, name)
	}
	return names
}

// Stream acquires a concurrency slot for the provider and forwards the
// call. The slot is held until the stream finishes; the outcome is
// reported to the health sink.
func (p *Pool) Stream(ctx context.Context, provider string, req Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 100)
	errs := make(chan error, 1)

	client, ok := p.clients[provider]
	if !ok {
		close(chunks)
		errs <- models.NewError(models.ErrProviderUnavailable,
			fmt.Sprintf("unknown provider %q", provider))
		close(errs)
		return chunks, errs
	}
	slot := p.slots[provider]

	go func() {
		defer close(chunks)
		defer close(errs)

		select {
		case slot <- struct{}{}:
			defer func() { <-slot }()
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		}

		inner, innerErrs := client.Stream(ctx, req)
		for chunk := range inner {
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if err := <-innerErrs; err != nil {
			if p.health != nil {
				p.health.RecordFailure(provider)
			}
			errs <- err
			return
		}
		if p.health != nil {
			p.health.RecordSuccess(provider)
		}
	}()

	return chunks, errs
}
