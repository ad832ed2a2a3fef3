package backend

import (
	"context"
	"sync"

	v1 "github.com/kandev/vigil/pkg/api/v1"
)

// MockAdapter is an instrumented Adapter for tests. Each operation delegates to
// the matching function field when set and otherwise succeeds with a ready
// instance. Calls and concurrent submissions are counted per agent.
type MockAdapter struct {
	InitializeFn  func(ctx context.Context, cfg v1.AgentConfig) error
	StatusFn      func(ctx context.Context, agentID string) (*Status, error)
	SubmitFn      func(ctx context.Context, agentID string, image []byte, prompt string) (*Result, error)
	CancelFn      func(ctx context.Context, agentID string) (bool, error)
	ShutdownFn    func(ctx context.Context, agentID string) error
	ShutdownAllFn func(ctx context.Context) error

	mu          sync.Mutex
	calls       map[string]int
	inFlight    map[string]int
	maxInFlight map[string]int
}

var _ Adapter = (*MockAdapter)(nil)

// NewMockAdapter creates a mock whose instances are always ready.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		calls:       make(map[string]int),
		inFlight:    make(map[string]int),
		maxInFlight: make(map[string]int),
	}
}

func (m *MockAdapter) record(op, agentID string) {
	m.mu.Lock()
	m.calls[op+":"+agentID]++
	m.calls[op]++
	m.mu.Unlock()
}

// Calls returns how many times op was invoked for agentID, or in total when agentID is empty.
func (m *MockAdapter) Calls(op, agentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if agentID == "" {
		return m.calls[op]
	}
	return m.calls[op+":"+agentID]
}

// MaxConcurrentSubmits returns the highest number of overlapping submits seen for agentID.
func (m *MockAdapter) MaxConcurrentSubmits(agentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight[agentID]
}

func (m *MockAdapter) Initialize(ctx context.Context, cfg v1.AgentConfig) error {
	m.record("initialize", cfg.ID)
	if m.InitializeFn != nil {
		return m.InitializeFn(ctx, cfg)
	}
	return nil
}

func (m *MockAdapter) Status(ctx context.Context, agentID string) (*Status, error) {
	m.record("status", agentID)
	if m.StatusFn != nil {
		return m.StatusFn(ctx, agentID)
	}
	return &Status{Exists: true, Ready: true, State: "running", DeviceActual: "cpu"}, nil
}

func (m *MockAdapter) Submit(ctx context.Context, agentID string, image []byte, prompt string) (*Result, error) {
	m.record("submit", agentID)

	m.mu.Lock()
	m.inFlight[agentID]++
	if m.inFlight[agentID] > m.maxInFlight[agentID] {
		m.maxInFlight[agentID] = m.inFlight[agentID]
	}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.inFlight[agentID]--
		m.mu.Unlock()
	}()

	if m.SubmitFn != nil {
		return m.SubmitFn(ctx, agentID, image, prompt)
	}
	return &Result{Text: "mock response"}, nil
}

func (m *MockAdapter) Cancel(ctx context.Context, agentID string) (bool, error) {
	m.record("cancel", agentID)
	if m.CancelFn != nil {
		return m.CancelFn(ctx, agentID)
	}
	return true, nil
}

func (m *MockAdapter) Shutdown(ctx context.Context, agentID string) error {
	m.record("shutdown", agentID)
	if m.ShutdownFn != nil {
		return m.ShutdownFn(ctx, agentID)
	}
	return nil
}

func (m *MockAdapter) ShutdownAll(ctx context.Context) error {
	m.record("shutdown_all", "")
	if m.ShutdownAllFn != nil {
		return m.ShutdownAllFn(ctx)
	}
	return nil
}
