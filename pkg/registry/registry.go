package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/convergio/convergio/pkg/config"
)

// ErrEmptyRegistry is returned when a scan yields no valid definition.
var ErrEmptyRegistry = errors.New("registry: no valid agent definitions found")

// UnknownAgentError is returned by Get for an unregistered agent id.
type UnknownAgentError struct{ ID string }

func (e *UnknownAgentError) Error() string {
	return fmt.Sprintf("registry: unknown agent %q", e.ID)
}

// AgentInstance is the runnable binding of a definition to a model
// endpoint. Instances are shared across conversations; the definition
// is read-only. An instance retired by a registry swap stays alive
// until its last in-flight turn releases it (drain).
type AgentInstance struct {
	Def      *AgentDefinition
	Provider string
	Model    string

	refs    atomic.Int64
	retired atomic.Bool
}

// Acquire marks the start of an in-flight turn on this instance.
func (a *AgentInstance) Acquire() { a.refs.Add(1) }

// Release marks the end of an in-flight turn. The last release of a
// retired instance frees it for collection.
func (a *AgentInstance) Release() {
	if a.refs.Add(-1) == 0 && a.retired.Load() {
		slog.Debug("Drained retired agent instance",
			"agent_id", a.Def.ID, "version", a.Def.Version)
	}
}

// InFlight returns the number of turns currently using this instance.
func (a *AgentInstance) InFlight() int64 { return a.refs.Load() }

// snapshot is one immutable registry generation. Readers hold the
// pointer for the duration of a lookup; writers publish a fresh one.
type snapshot struct {
	defs      map[string]*AgentDefinition
	instances map[string]*AgentInstance
}

// Filter narrows List results. Zero-valued fields match everything.
type Filter struct {
	Tier     AgentTier
	Category string
	Tag      string
	Status   AgentStatus
}

// ReloadEvent reports the outcome of a watch-triggered reload.
type ReloadEvent struct {
	Kind   string // "reload" or "reload_failed"
	Agents int
	Err    error
}

// EndpointResolver maps a definition to the provider and model its
// instance will run against. The default keeps the definition's
// model_preference and leaves the provider to the caller.
type EndpointResolver func(def *AgentDefinition) (provider, model string)

// Registry owns agent definitions and instances. Reads are lock-free
// against the current snapshot; at most one writer swaps at a time.
type Registry struct {
	cfg        *config.RegistryConfig
	knownTools map[string]bool
	resolve    EndpointResolver

	current atomic.Pointer[snapshot]
	writeMu sync.Mutex

	watcher *watcher
}

// Option configures a Registry.
type Option func(*Registry)

// WithEndpointResolver sets the provider/model binding applied to every
// instance at snapshot build time.
func WithEndpointResolver(fn EndpointResolver) Option {
	return func(r *Registry) { r.resolve = fn }
}

// New creates a Registry for the configured definitions directory.
// Call ScanAndLoad before first use.
func New(cfg *config.RegistryConfig, opts ...Option) *Registry {
	known := make(map[string]bool, len(cfg.KnownTools))
	for _, tool := range cfg.KnownTools {
		known[tool] = true
	}
	r := &Registry{cfg: cfg, knownTools: known}
	for _, opt := range opts {
		opt(r)
	}
	r.current.Store(&snapshot{
		defs:      map[string]*AgentDefinition{},
		instances: map[string]*AgentInstance{},
	})
	return r
}

// ScanAndLoad walks the definitions directory recursively, validates
// every document, and atomically publishes the new snapshot. Invalid
// entries are logged and skipped; duplicates by id are rejected. An
// empty result returns ErrEmptyRegistry and leaves the previous
// snapshot in place.
func (r *Registry) ScanAndLoad() (int, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	next, err := r.buildSnapshot()
	if err != nil {
		return 0, err
	}
	r.swap(next)
	return len(next.defs), nil
}

func (r *Registry) buildSnapshot() (*snapshot, error) {
	defs := map[string]*AgentDefinition{}

	walkErr := filepath.WalkDir(r.cfg.DefinitionsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isDefinitionFile(path) {
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			slog.Error("Failed to read agent definition, skipping", "path", path, "error", err)
			return nil
		}
		def, err := ParseDefinition(raw)
		if err != nil {
			slog.Error("Failed to parse agent definition, skipping", "path", path, "error", err)
			return nil
		}
		if err := def.Validate(r.knownTools); err != nil {
			slog.Error("Invalid agent definition, skipping", "path", path, "error", err)
			return nil
		}
		if _, dup := defs[def.ID]; dup {
			slog.Error("Duplicate agent id, skipping", "path", path, "agent_id", def.ID)
			return nil
		}
		defs[def.ID] = def
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("registry scan failed: %w", walkErr)
	}
	if len(defs) == 0 {
		return nil, ErrEmptyRegistry
	}

	// Unresolved dependencies are load-pending, not fatal.
	for _, def := range defs {
		for _, dep := range def.Dependencies {
			if _, ok := defs[dep]; !ok {
				def.LoadPending = true
				slog.Warn("Agent has unresolved dependency, marking load-pending",
					"agent_id", def.ID, "dependency", dep)
			}
		}
	}

	instances := make(map[string]*AgentInstance, len(defs))
	for id, def := range defs {
		inst := &AgentInstance{Def: def, Model: def.ModelPreference}
		if r.resolve != nil {
			inst.Provider, inst.Model = r.resolve(def)
		}
		instances[id] = inst
	}
	return &snapshot{defs: defs, instances: instances}, nil
}

// swap publishes next and retires instances of the previous generation
// whose definitions changed. Unchanged definitions keep their existing
// instance so in-flight turns never see a swap.
func (r *Registry) swap(next *snapshot) {
	prev := r.current.Load()
	for id, inst := range prev.instances {
		if newDef, ok := next.defs[id]; ok && newDef.ContentHash == inst.Def.ContentHash {
			next.instances[id] = inst // carry over, same content
			continue
		}
		inst.retired.Store(true)
		if inst.InFlight() > 0 {
			slog.Info("Retiring agent instance with in-flight turns, draining",
				"agent_id", id, "in_flight", inst.InFlight())
		}
	}
	r.current.Store(next)
}

// Get returns the runnable instance for an agent id.
func (r *Registry) Get(id string) (*AgentInstance, error) {
	snap := r.current.Load()
	inst, ok := snap.instances[id]
	if !ok {
		return nil, &UnknownAgentError{ID: id}
	}
	return inst, nil
}

// GetDefinition returns the definition for an agent id.
func (r *Registry) GetDefinition(id string) (*AgentDefinition, error) {
	snap := r.current.Load()
	def, ok := snap.defs[id]
	if !ok {
		return nil, &UnknownAgentError{ID: id}
	}
	return def, nil
}

// List returns definitions matching the filter, sorted by id.
func (r *Registry) List(f Filter) []*AgentDefinition {
	snap := r.current.Load()
	out := make([]*AgentDefinition, 0, len(snap.defs))
	for _, def := range snap.defs {
		if f.Tier != "" && def.Tier != f.Tier {
			continue
		}
		if f.Category != "" && !strings.EqualFold(def.Category, f.Category) {
			continue
		}
		if f.Tag != "" && !def.HasTag(f.Tag) {
			continue
		}
		if f.Status != "" && def.Status != f.Status {
			continue
		}
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	return len(r.current.Load().defs)
}

// ContentHashes returns id → content hash for the current snapshot.
// Reloading an unchanged definition set yields an equal map.
func (r *Registry) ContentHashes() map[string]string {
	snap := r.current.Load()
	hashes := make(map[string]string, len(snap.defs))
	for id, def := range snap.defs {
		hashes[id] = def.ContentHash
	}
	return hashes
}

func isDefinitionFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown", ".agent":
		return true
	default:
		return false
	}
}
