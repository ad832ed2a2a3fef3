package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandev/vigil/internal/agent/registry"
	"github.com/kandev/vigil/internal/agent/runtime"
	"github.com/kandev/vigil/internal/backend"
	"github.com/kandev/vigil/internal/capture"
	"github.com/kandev/vigil/internal/common/logger"
	"github.com/kandev/vigil/internal/detection"
	"github.com/kandev/vigil/internal/events/bus"
	v1 "github.com/kandev/vigil/pkg/api/v1"
)

const (
	testInterval      = 10 * time.Second
	testCountdownTick = time.Second
	testPollTick      = 2 * time.Second
	waitFor           = 2 * time.Second
	pollEvery         = 5 * time.Millisecond
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

// manualTicker only fires when the test says so.
type manualTicker struct {
	d  time.Duration
	ch chan time.Time

	mu      sync.Mutex
	stopped bool
}

func (m *manualTicker) C() <-chan time.Time { return m.ch }

func (m *manualTicker) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

func (m *manualTicker) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func (m *manualTicker) Fire() {
	select {
	case m.ch <- time.Now():
	default:
	}
}

type tickerClock struct {
	mu      sync.Mutex
	tickers []*manualTicker
}

func (c *tickerClock) New(d time.Duration) Ticker {
	t := &manualTicker{d: d, ch: make(chan time.Time, 1)}
	c.mu.Lock()
	c.tickers = append(c.tickers, t)
	c.mu.Unlock()
	return t
}

// Active returns the newest running ticker with period d, or nil.
func (c *tickerClock) Active(d time.Duration) *manualTicker {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.tickers) - 1; i >= 0; i-- {
		if t := c.tickers[i]; t.d == d && !t.Stopped() {
			return t
		}
	}
	return nil
}

type harness struct {
	t          *testing.T
	ctx        context.Context
	sched      *Scheduler
	adapter    *backend.MockAdapter
	source     *capture.StaticSource
	registry   *registry.Registry
	states     *runtime.Store
	detections *detection.Log
	bus        *bus.MemoryEventBus
	clock      *tickerClock

	release chan struct{}
	started chan string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := newTestLogger()
	h := &harness{
		t:          t,
		ctx:        context.Background(),
		adapter:    backend.NewMockAdapter(),
		source:     capture.NewStaticSource([]byte("frame"), 64, 48),
		registry:   registry.New(registry.NewMemoryStore(), log),
		states:     runtime.NewStore(),
		detections: detection.NewLog(100),
		bus:        bus.NewMemoryEventBus(log),
		clock:      &tickerClock{},
		release:    make(chan struct{}),
		started:    make(chan string, 16),
	}
	t.Cleanup(h.bus.Close)
	return h
}

func (h *harness) start() *harness {
	h.t.Helper()
	h.sched = New(Config{
		StatusPollInterval:   testPollTick,
		CountdownInterval:    testCountdownTick,
		OverrunWarnThreshold: 3,
		ShutdownOnExit:       true,
		NewTicker:            h.clock.New,
	}, h.adapter, h.source, h.registry, h.states, h.detections, h.bus, newTestLogger())
	require.NoError(h.t, h.sched.Start(h.ctx))
	h.t.Cleanup(func() {
		if h.sched.IsRunning() {
			_ = h.sched.Stop()
		}
	})
	return h
}

// blockSubmits makes every submit wait until releaseSubmits or cancellation.
func (h *harness) blockSubmits() {
	h.adapter.SubmitFn = func(ctx context.Context, agentID string, image []byte, prompt string) (*backend.Result, error) {
		h.started <- agentID
		select {
		case <-h.release:
			return &backend.Result{Text: "a person at the door"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (h *harness) releaseSubmits() {
	close(h.release)
}

func (h *harness) waitStarted() string {
	h.t.Helper()
	select {
	case id := <-h.started:
		return id
	case <-time.After(waitFor):
		h.t.Fatal("timed out waiting for submit")
		return ""
	}
}

func (h *harness) addAgent(label string) string {
	h.t.Helper()
	cfg, err := h.sched.AddAgent(h.ctx, v1.AgentConfig{
		Label:           label,
		CaptureMode:     v1.CaptureModeInterval,
		IntervalSeconds: int(testInterval / time.Second),
		Device:          v1.DeviceCPU,
		UserPrompt:      "Who is at the door?",
	})
	require.NoError(h.t, err)
	return cfg.ID
}

func (h *harness) state(id string) v1.RuntimeState {
	st, _ := h.states.Get(id)
	return st
}

func (h *harness) waitState(id string, cond func(v1.RuntimeState) bool, msg string) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		st, ok := h.states.Get(id)
		return ok && cond(st)
	}, waitFor, pollEvery, msg)
}

func (h *harness) phase(id string) v1.AgentPhase {
	h.t.Helper()
	view, err := h.sched.View(h.ctx, id)
	require.NoError(h.t, err)
	return view.Phase
}

func (h *harness) paused(id string) bool {
	cfg, _ := h.registry.Get(id)
	return cfg.Paused
}

// armed reports whether id has a live interval timer.
func (h *harness) armed(id string) bool {
	h.t.Helper()
	armed := false
	require.NoError(h.t, h.sched.do(h.ctx, func() error {
		e, ok := h.sched.agents[id]
		armed = ok && e.timer != nil
		return nil
	}))
	return armed
}

// tick advances the countdown clock by n seconds, waiting for the loop to
// handle each one.
func (h *harness) tick(n int) {
	h.t.Helper()
	countdown := h.clock.Active(testCountdownTick)
	require.NotNil(h.t, countdown)
	for i := 0; i < n; i++ {
		countdown.ch <- time.Now()
		require.Eventually(h.t, func() bool { return len(countdown.ch) == 0 }, waitFor, pollEvery)
		require.NoError(h.t, h.sched.Sync(h.ctx))
	}
}
