// Package registry holds the set of configured agents and persists it to a Store.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/kandev/vigil/internal/common/errors"
	"github.com/kandev/vigil/internal/common/logger"
	v1 "github.com/kandev/vigil/pkg/api/v1"
)

// ChangeType identifies the kind of registry mutation.
type ChangeType string

const (
	ChangeAdded   ChangeType = "added"
	ChangeUpdated ChangeType = "updated"
	ChangeRemoved ChangeType = "removed"
)

// Change is delivered to subscribers after a mutation has been committed.
type Change struct {
	Type  ChangeType
	Agent v1.AgentConfig
}

// Registry is the authoritative set of agent configurations. Mutations are
// written to the Store first and committed to memory only when that succeeds.
// Subscribers run synchronously on the mutating goroutine and must not mutate
// the registry themselves.
type Registry struct {
	store  Store
	logger *logger.Logger
	now    func() time.Time

	mu     sync.RWMutex
	agents map[string]v1.AgentConfig

	// writeMu serializes mutations together with their notifications.
	writeMu sync.Mutex

	subsMu  sync.Mutex
	subs    map[int]func(Change)
	nextSub int
}

// New creates a registry backed by store. Call Load to read existing agents.
func New(store Store, log *logger.Logger) *Registry {
	return &Registry{
		store:  store,
		logger: log.WithFields(zap.String("component", "agent-registry")),
		now:    func() time.Time { return time.Now().UTC() },
		agents: make(map[string]v1.AgentConfig),
		subs:   make(map[int]func(Change)),
	}
}

// Load replaces the in-memory set with the contents of the store.
func (r *Registry) Load(ctx context.Context) error {
	agents, err := r.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load agents: %w", err)
	}

	r.mu.Lock()
	r.agents = make(map[string]v1.AgentConfig, len(agents))
	for _, a := range agents {
		r.agents[a.ID] = a
	}
	r.mu.Unlock()

	r.logger.Info("Loaded agents", zap.Int("count", len(agents)))
	return nil
}

// Seed adds the given agents when the registry is empty and reports how many were added.
func (r *Registry) Seed(ctx context.Context, agents []v1.AgentConfig) (int, error) {
	if r.Len() > 0 {
		return 0, nil
	}
	for i, a := range agents {
		if _, err := r.Add(ctx, a); err != nil {
			return i, fmt.Errorf("failed to seed agent %q: %w", a.Label, err)
		}
	}
	return len(agents), nil
}

// Add validates and stores a new agent. An empty ID is replaced with a uuid.
func (r *Registry) Add(ctx context.Context, cfg v1.AgentConfig) (v1.AgentConfig, error) {
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return v1.AgentConfig{}, err
	}
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if _, exists := r.Get(cfg.ID); exists {
		return v1.AgentConfig{}, apperrors.Conflict(fmt.Sprintf("agent with id '%s' already exists", cfg.ID))
	}

	now := r.now()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	if err := r.store.Upsert(ctx, cfg); err != nil {
		return v1.AgentConfig{}, apperrors.InternalError("failed to persist agent", err)
	}

	r.mu.Lock()
	r.agents[cfg.ID] = cfg
	r.mu.Unlock()

	r.logger.Info("Agent added", zap.String("agent_id", cfg.ID), zap.String("label", cfg.Label))
	r.notify(Change{Type: ChangeAdded, Agent: cfg})
	return cfg, nil
}

// Update applies patch to an existing agent.
func (r *Registry) Update(ctx context.Context, id string, patch Patch) (v1.AgentConfig, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	current, ok := r.Get(id)
	if !ok {
		return v1.AgentConfig{}, apperrors.NotFound("agent", id)
	}

	updated := patch.Apply(current)
	if err := Validate(&updated); err != nil {
		return v1.AgentConfig{}, err
	}
	updated.UpdatedAt = r.now()
	if err := r.store.Upsert(ctx, updated); err != nil {
		return v1.AgentConfig{}, apperrors.InternalError("failed to persist agent", err)
	}

	r.mu.Lock()
	r.agents[id] = updated
	r.mu.Unlock()

	r.notify(Change{Type: ChangeUpdated, Agent: updated})
	return updated, nil
}

// SetPaused persists the paused flag of an agent.
func (r *Registry) SetPaused(ctx context.Context, id string, paused bool) error {
	current, ok := r.Get(id)
	if !ok {
		return apperrors.NotFound("agent", id)
	}
	if current.Paused == paused {
		return nil
	}
	_, err := r.Update(ctx, id, Patch{Paused: &paused})
	return err
}

// Remove deletes an agent. Removing an unknown id is a no-op.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	current, ok := r.Get(id)
	if !ok {
		return nil
	}
	if err := r.store.Delete(ctx, id); err != nil {
		return apperrors.InternalError("failed to delete agent", err)
	}

	r.mu.Lock()
	delete(r.agents, id)
	r.mu.Unlock()

	r.logger.Info("Agent removed", zap.String("agent_id", id))
	r.notify(Change{Type: ChangeRemoved, Agent: current})
	return nil
}

// Get returns the agent with the given id.
func (r *Registry) Get(id string) (v1.AgentConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// List returns all agents ordered by creation time.
func (r *Registry) List() []v1.AgentConfig {
	r.mu.RLock()
	result := make([]v1.AgentConfig, 0, len(r.agents))
	for _, a := range r.agents {
		result = append(result, a)
	}
	r.mu.RUnlock()

	sortAgents(result)
	return result
}

// Len returns the number of agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Subscribe registers fn for change notifications and returns a func that removes it.
func (r *Registry) Subscribe(fn func(Change)) func() {
	r.subsMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.subsMu.Unlock()

	return func() {
		r.subsMu.Lock()
		delete(r.subs, id)
		r.subsMu.Unlock()
	}
}

func (r *Registry) notify(change Change) {
	r.subsMu.Lock()
	ids := make([]int, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	fns := make([]func(Change), 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		fns = append(fns, r.subs[id])
	}
	r.subsMu.Unlock()

	for _, fn := range fns {
		fn(change)
	}
}

