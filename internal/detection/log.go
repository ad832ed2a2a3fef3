// Package detection keeps the bounded rolling log of agent run outcomes.
package detection

import (
	"sync"
	"time"

	"github.com/google/uuid"

	v1 "github.com/kandev/vigil/pkg/api/v1"
)

// DefaultCapacity is the number of detections kept when no capacity is configured.
const DefaultCapacity = 1000

type (
	// AppendHook observes an appended detection and the entry it evicted, if any.
	AppendHook func(d v1.Detection, evicted *v1.Detection)
	// RemoveHook observes the removal of a single detection.
	RemoveHook func(d v1.Detection)
	// ClearHook observes the log being emptied.
	ClearHook func()
)

// Log is a fixed-capacity ring of detections. It lists most-recent-first and
// evicts the oldest entry silently when full. Hooks run synchronously after
// the mutation has been committed, outside the lock.
type Log struct {
	mu       sync.RWMutex
	buf      []v1.Detection
	start    int
	count    int
	capacity int

	onAppend []AppendHook
	onRemove []RemoveHook
	onClear  []ClearHook
}

// NewLog creates a log holding at most capacity detections.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		buf:      make([]v1.Detection, capacity),
		capacity: capacity,
	}
}

// OnAppend registers a hook for appends.
func (l *Log) OnAppend(h AppendHook) {
	l.mu.Lock()
	l.onAppend = append(l.onAppend, h)
	l.mu.Unlock()
}

// OnRemove registers a hook for single removals.
func (l *Log) OnRemove(h RemoveHook) {
	l.mu.Lock()
	l.onRemove = append(l.onRemove, h)
	l.mu.Unlock()
}

// OnClear registers a hook for Clear.
func (l *Log) OnClear(h ClearHook) {
	l.mu.Lock()
	l.onClear = append(l.onClear, h)
	l.mu.Unlock()
}

// Append inserts d at the head. A missing id or timestamp is filled in.
func (l *Log) Append(d v1.Detection) v1.Detection {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	l.mu.Lock()
	evicted := l.push(d)
	hooks := append([]AppendHook(nil), l.onAppend...)
	l.mu.Unlock()

	for _, h := range hooks {
		h(d, evicted)
	}
	return d
}

func (l *Log) push(d v1.Detection) *v1.Detection {
	if l.count < l.capacity {
		l.buf[(l.start+l.count)%l.capacity] = d
		l.count++
		return nil
	}
	old := l.buf[l.start]
	l.buf[l.start] = d
	l.start = (l.start + 1) % l.capacity
	return &old
}

// Load appends detections given oldest-first without running hooks.
func (l *Log) Load(ds []v1.Detection) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, d := range ds {
		l.push(d)
	}
}

// Remove deletes the detection with the given id. It reports whether one was removed.
func (l *Log) Remove(id string) bool {
	l.mu.Lock()
	kept := make([]v1.Detection, 0, l.count)
	var removed *v1.Detection
	for i := 0; i < l.count; i++ {
		d := l.buf[(l.start+i)%l.capacity]
		if removed == nil && d.ID == id {
			dd := d
			removed = &dd
			continue
		}
		kept = append(kept, d)
	}
	if removed == nil {
		l.mu.Unlock()
		return false
	}
	l.reset()
	for _, d := range kept {
		l.push(d)
	}
	hooks := append([]RemoveHook(nil), l.onRemove...)
	l.mu.Unlock()

	for _, h := range hooks {
		h(*removed)
	}
	return true
}

// Clear removes every detection. Clearing an empty log is a no-op.
func (l *Log) Clear() {
	l.mu.Lock()
	if l.count == 0 {
		l.mu.Unlock()
		return
	}
	l.reset()
	hooks := append([]ClearHook(nil), l.onClear...)
	l.mu.Unlock()

	for _, h := range hooks {
		h()
	}
}

func (l *Log) reset() {
	l.buf = make([]v1.Detection, l.capacity)
	l.start = 0
	l.count = 0
}

// List returns all detections, most recent first.
func (l *Log) List() []v1.Detection {
	return l.Query("", 0)
}

// Query returns detections most recent first, optionally filtered by agent
// and limited to limit entries when limit > 0.
func (l *Log) Query(agentID string, limit int) []v1.Detection {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]v1.Detection, 0, l.count)
	for i := l.count - 1; i >= 0; i-- {
		d := l.buf[(l.start+i)%l.capacity]
		if agentID != "" && d.AgentID != agentID {
			continue
		}
		result = append(result, d)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result
}

// Get returns the detection with the given id.
func (l *Log) Get(id string) (v1.Detection, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := 0; i < l.count; i++ {
		if d := l.buf[(l.start+i)%l.capacity]; d.ID == id {
			return d, true
		}
	}
	return v1.Detection{}, false
}

// Len returns the number of stored detections.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

// Capacity returns the maximum number of stored detections.
func (l *Log) Capacity() int {
	return l.capacity
}
