// Package runtime holds the ephemeral per-agent state owned by the scheduler.
package runtime

import (
	"sort"
	"sync"
	"time"

	v1 "github.com/kandev/vigil/pkg/api/v1"
)

// Store is a thread-safe map of agent id to RuntimeState. Values handed out
// are copies; mutations go through Update so subscribers see every change.
type Store struct {
	mu     sync.RWMutex
	states map[string]*v1.RuntimeState

	subsMu  sync.Mutex
	subs    map[int]func(v1.RuntimeState)
	nextSub int
}

// NewStore creates an empty runtime store.
func NewStore() *Store {
	return &Store{
		states: make(map[string]*v1.RuntimeState),
		subs:   make(map[int]func(v1.RuntimeState)),
	}
}

// Ensure creates the default state for id if none exists and returns the current value.
func (s *Store) Ensure(id string) v1.RuntimeState {
	s.mu.Lock()
	st, ok := s.states[id]
	if !ok {
		st = &v1.RuntimeState{AgentID: id}
		s.states[id] = st
	}
	out := copyState(st)
	s.mu.Unlock()

	if !ok {
		s.notify(out)
	}
	return out
}

// Get returns a copy of the state for id.
func (s *Store) Get(id string) (v1.RuntimeState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[id]
	if !ok {
		return v1.RuntimeState{}, false
	}
	return copyState(st), true
}

// Update applies fn to the state of id. It reports false when id is unknown.
func (s *Store) Update(id string, fn func(*v1.RuntimeState)) (v1.RuntimeState, bool) {
	s.mu.Lock()
	st, ok := s.states[id]
	if !ok {
		s.mu.Unlock()
		return v1.RuntimeState{}, false
	}
	fn(st)
	st.AgentID = id
	out := copyState(st)
	s.mu.Unlock()

	s.notify(out)
	return out, true
}

// Reset replaces the state of id with a fresh value, keeping its generation.
func (s *Store) Reset(id string) v1.RuntimeState {
	s.mu.Lock()
	var gen uint64
	if st, ok := s.states[id]; ok {
		gen = st.Generation
	}
	st := &v1.RuntimeState{AgentID: id, Generation: gen}
	s.states[id] = st
	out := copyState(st)
	s.mu.Unlock()

	s.notify(out)
	return out
}

// Delete removes the state of id. Unknown ids are ignored.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.states, id)
	s.mu.Unlock()
}

// Snapshot returns copies of all states ordered by agent id.
func (s *Store) Snapshot() []v1.RuntimeState {
	s.mu.RLock()
	result := make([]v1.RuntimeState, 0, len(s.states))
	for _, st := range s.states {
		result = append(result, copyState(st))
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].AgentID < result[j].AgentID })
	return result
}

// RecordRun folds one completed run into the stats of id. The average latency
// is the running mean over all completed runs, successful or not.
func (s *Store) RecordRun(id string, latencyMs int64, failed bool, at time.Time) (v1.RuntimeState, bool) {
	return s.Update(id, func(st *v1.RuntimeState) {
		applyRun(&st.Stats, latencyMs, failed)
		t := at
		st.LastRunAt = &t
	})
}

func applyRun(stats *v1.AgentStats, latencyMs int64, failed bool) {
	n := float64(stats.TotalRuns)
	stats.AvgLatencyMs = (stats.AvgLatencyMs*n + float64(latencyMs)) / (n + 1)
	stats.TotalRuns++
	stats.LastLatencyMs = latencyMs
	if failed {
		stats.ErrorCount++
	}
}

// Subscribe registers fn to receive every committed state and returns a func that removes it.
func (s *Store) Subscribe(fn func(v1.RuntimeState)) func() {
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subsMu.Unlock()

	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

func (s *Store) notify(st v1.RuntimeState) {
	s.subsMu.Lock()
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(v1.RuntimeState), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.subsMu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}

func copyState(st *v1.RuntimeState) v1.RuntimeState {
	out := *st
	if st.LastRunAt != nil {
		t := *st.LastRunAt
		out.LastRunAt = &t
	}
	return out
}
