package registry

import (
	"context"
	"sort"
	"sync"

	v1 "github.com/kandev/vigil/pkg/api/v1"
)

// Store persists agent configurations keyed by agent ID.
type Store interface {
	List(ctx context.Context) ([]v1.AgentConfig, error)
	Upsert(ctx context.Context, cfg v1.AgentConfig) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore is a non-durable Store used by tests and when no database is configured.
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]v1.AgentConfig
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{agents: make(map[string]v1.AgentConfig)}
}

func (s *MemoryStore) List(ctx context.Context) ([]v1.AgentConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]v1.AgentConfig, 0, len(s.agents))
	for _, a := range s.agents {
		result = append(result, a)
	}
	sortAgents(result)
	return result, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, cfg v1.AgentConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[cfg.ID] = cfg
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, id)
	return nil
}

func sortAgents(agents []v1.AgentConfig) {
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].CreatedAt.Equal(agents[j].CreatedAt) {
			return agents[i].ID < agents[j].ID
		}
		return agents[i].CreatedAt.Before(agents[j].CreatedAt)
	})
}
