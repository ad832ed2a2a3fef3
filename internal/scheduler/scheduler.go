// Package scheduler decides when each agent runs. A single event loop owns
// all per-agent scheduling state; backend and capture calls run on worker
// goroutines and post their completions back onto the loop.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/vigil/internal/agent/registry"
	"github.com/kandev/vigil/internal/agent/runtime"
	"github.com/kandev/vigil/internal/backend"
	"github.com/kandev/vigil/internal/capture"
	"github.com/kandev/vigil/internal/common/logger"
	"github.com/kandev/vigil/internal/detection"
	"github.com/kandev/vigil/internal/events/bus"
)

// Common errors
var (
	ErrSchedulerAlreadyRunning = errors.New("scheduler is already running")
	ErrSchedulerNotRunning     = errors.New("scheduler is not running")
	ErrAgentNotFound           = errors.New("agent not found")
	ErrAgentExists             = errors.New("agent is already registered")
	ErrRunInProgress           = errors.New("agent run already in progress")
	errLoopPanic               = errors.New("scheduler operation panicked")
)

const opQueueSize = 256

// Config holds scheduler configuration
type Config struct {
	StatusPollInterval   time.Duration // Cadence of the readiness reconciliation
	CountdownInterval    time.Duration // Countdown resolution, one second in production
	OverrunWarnThreshold int           // Consecutive skipped ticks before warning, 0 disables
	InitConcurrency      int           // Parallel backend initializations at startup
	ShutdownOnExit       bool          // Call ShutdownAll on Stop
	NewTicker            TickerFactory
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		StatusPollInterval:   2 * time.Second,
		CountdownInterval:    time.Second,
		OverrunWarnThreshold: 3,
		InitConcurrency:      4,
		ShutdownOnExit:       true,
	}
}

type agentEntry struct {
	id           string
	generation   uint64
	initialized  bool
	removing     bool
	resumeWanted bool
	timer        *intervalTimer
	run          *activeRun
	skips        int
}

type activeRun struct {
	generation      uint64
	cancel          context.CancelFunc
	cancelRequested bool // the run context was cancelled by the scheduler
	cancelHinted    bool // the backend was asked to stop; survives a resume
	manual          bool
	startedAt       time.Time
}

// Scheduler runs agents against the backend.
type Scheduler struct {
	cfg        Config
	backend    backend.Adapter
	source     capture.Source
	registry   *registry.Registry
	states     *runtime.Store
	detections *detection.Log
	bus        bus.EventBus
	logger     *logger.Logger
	newTicker  TickerFactory

	// Owned by the loop goroutine.
	agents map[string]*agentEntry

	captureAvailable atomic.Bool
	polling          atomic.Bool

	ops        chan func()
	stopCh     chan struct{}
	done       chan struct{}
	runCtx     context.Context
	cancelRuns context.CancelFunc

	mu      sync.RWMutex
	running bool
	wg      sync.WaitGroup
}

// New creates a scheduler. eventBus may be nil.
func New(
	cfg Config,
	adapter backend.Adapter,
	source capture.Source,
	reg *registry.Registry,
	states *runtime.Store,
	detections *detection.Log,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Scheduler {
	defaults := DefaultConfig()
	if cfg.StatusPollInterval <= 0 {
		cfg.StatusPollInterval = defaults.StatusPollInterval
	}
	if cfg.CountdownInterval <= 0 {
		cfg.CountdownInterval = defaults.CountdownInterval
	}
	if cfg.InitConcurrency <= 0 {
		cfg.InitConcurrency = defaults.InitConcurrency
	}
	newTicker := cfg.NewTicker
	if newTicker == nil {
		newTicker = NewStdTicker
	}

	s := &Scheduler{
		cfg:        cfg,
		backend:    adapter,
		source:     source,
		registry:   reg,
		states:     states,
		detections: detections,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "scheduler")),
		newTicker:  newTicker,
		agents:     make(map[string]*agentEntry),
	}
	s.captureAvailable.Store(true)
	return s
}

// Start runs the event loop and registers every agent in the registry.
// Agents always come up paused.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSchedulerAlreadyRunning
	}
	s.running = true
	s.ops = make(chan func(), opQueueSize)
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	s.runCtx, s.cancelRuns = context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Unlock()

	s.logger.Info("scheduler starting",
		zap.Duration("status_poll_interval", s.cfg.StatusPollInterval),
		zap.Int("overrun_warn_threshold", s.cfg.OverrunWarnThreshold))

	s.wg.Add(1)
	go s.loop(ctx)

	agents := s.registry.List()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.InitConcurrency)
	for _, cfg := range agents {
		g.Go(func() error {
			if err := s.Register(gctx, cfg); err != nil && !errors.Is(err, ErrAgentExists) {
				return fmt.Errorf("register agent %s: %w", cfg.ID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.logger.Info("scheduler started", zap.Int("agents", len(agents)))
	return nil
}

// Stop stops all timers, cancels in-flight runs and, when configured,
// shuts down every backend instance.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrSchedulerNotRunning
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	<-s.done
	s.cancelRuns()
	s.wg.Wait()

	if s.cfg.ShutdownOnExit {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.backend.ShutdownAll(ctx); err != nil {
			s.logger.Warn("failed to shut down backend instances", zap.Error(err))
		}
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// IsRunning returns true if the scheduler is active
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// CaptureAvailable reports the last known availability of the capture source.
func (s *Scheduler) CaptureAvailable() bool {
	return s.captureAvailable.Load()
}

// HandleDevicesChanged records the device list reported by a capture watcher.
// While no device is present runs fail fast as CaptureUnavailable without
// touching the source.
func (s *Scheduler) HandleDevicesChanged(devices []capture.Device) {
	available := len(devices) > 0
	if prev := s.captureAvailable.Swap(available); prev != available {
		s.logger.Info("capture availability changed",
			zap.Bool("available", available),
			zap.Int("devices", len(devices)))
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.done)

	countdown := s.newTicker(s.cfg.CountdownInterval)
	defer countdown.Stop()
	poll := s.newTicker(s.cfg.StatusPollInterval)
	defer poll.Stop()

	for {
		select {
		case op := <-s.ops:
			s.exec(op)
		case <-countdown.C():
			s.exec(s.handleCountdown)
		case <-poll.C():
			s.schedulePoll()
		case <-s.stopCh:
			s.exec(s.haltAgents)
			return
		case <-ctx.Done():
			s.exec(s.haltAgents)
			return
		}
	}
}

func (s *Scheduler) exec(op func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.DPanic("scheduler operation panicked", zap.Any("panic", r))
		}
	}()
	op()
}

// do runs fn on the loop and waits for its result.
func (s *Scheduler) do(ctx context.Context, fn func() error) error {
	if !s.IsRunning() {
		return ErrSchedulerNotRunning
	}

	errCh := make(chan error, 1)
	op := func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("%w: %v", errLoopPanic, r)
				panic(r)
			}
		}()
		errCh <- fn()
	}

	select {
	case s.ops <- op:
	case <-s.done:
		return ErrSchedulerNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errCh:
		return err
	case <-s.done:
		select {
		case err := <-errCh:
			return err
		default:
			return ErrSchedulerNotRunning
		}
	}
}

// post enqueues fn on the loop without waiting. It is dropped once the loop has exited.
func (s *Scheduler) post(fn func()) {
	select {
	case s.ops <- fn:
	case <-s.done:
	}
}

// Sync waits until every operation queued before the call has run.
func (s *Scheduler) Sync(ctx context.Context) error {
	return s.do(ctx, func() error { return nil })
}

func (s *Scheduler) haltAgents() {
	for _, e := range s.agents {
		s.stopTimer(e)
		if e.run != nil {
			e.run.cancelRequested = true
			e.run.cancel()
		}
	}
}

func (s *Scheduler) entry(id string) (*agentEntry, error) {
	e, ok := s.agents[id]
	if !ok || e.removing {
		return nil, ErrAgentNotFound
	}
	return e, nil
}

// live returns the entry for id when it still exists with the given generation.
func (s *Scheduler) live(id string, generation uint64) *agentEntry {
	e, ok := s.agents[id]
	if !ok || e.removing || e.generation != generation {
		return nil
	}
	return e
}
