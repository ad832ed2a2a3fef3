package scheduler

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/vigil/internal/backend"
	v1 "github.com/kandev/vigil/pkg/api/v1"
)

const statusConcurrency = 4

type target struct {
	id         string
	generation uint64
}

type statusResult struct {
	target
	status *backend.Status
	err    error
}

// Reconcile refreshes backend readiness for every initialized agent. It runs
// periodically on its own cadence and may also be called directly.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	var targets []target
	err := s.do(ctx, func() error {
		for id, e := range s.agents {
			if e.initialized && !e.removing {
				targets = append(targets, target{id: id, generation: e.generation})
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.reconcile(ctx, targets)
	return nil
}

func (s *Scheduler) schedulePoll() {
	if !s.polling.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.polling.Store(false)
		if err := s.Reconcile(s.runCtx); err != nil {
			s.logger.Debug("readiness reconciliation skipped", zap.Error(err))
		}
	}()
}

func (s *Scheduler) reconcile(ctx context.Context, targets []target) {
	if len(targets) == 0 {
		return
	}

	results := make([]statusResult, len(targets))
	g := new(errgroup.Group)
	g.SetLimit(statusConcurrency)
	for i, t := range targets {
		g.Go(func() error {
			st, err := s.backend.Status(ctx, t.id)
			results[i] = statusResult{target: t, status: st, err: err}
			return nil
		})
	}
	_ = g.Wait()

	err := s.do(ctx, func() error {
		for _, r := range results {
			if e := s.live(r.id, r.generation); e != nil && e.initialized {
				s.applyStatus(e, r.status, r.err)
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Debug("dropping status results", zap.Error(err))
	}
}

// applyStatus records readiness for an agent and starts or stops its timer.
// An unknown instance is simply not ready.
func (s *Scheduler) applyStatus(e *agentEntry, status *backend.Status, err error) {
	ready := err == nil && status != nil && status.Exists && status.Ready
	if err != nil {
		s.logger.Debug("status check failed", zap.String("agent_id", e.id), zap.Error(err))
	}

	prev, _ := s.states.Get(e.id)
	s.states.Update(e.id, func(st *v1.RuntimeState) {
		st.Ready = ready
		if status != nil {
			st.Exists = status.Exists
			st.DeviceActual = status.DeviceActual
			st.MemoryMB = status.MemoryMB
		} else {
			st.Exists = false
		}
	})
	if prev.Ready != ready {
		s.logger.Info("agent readiness changed", zap.String("agent_id", e.id), zap.Bool("ready", ready))
	}

	cfg, ok := s.registry.Get(e.id)
	if !ok {
		s.logger.DPanic("scheduled agent missing from registry", zap.String("agent_id", e.id))
		return
	}

	if !ready {
		if e.timer != nil {
			s.stopTimer(e)
			e.resumeWanted = true
			s.states.Update(e.id, func(st *v1.RuntimeState) { st.CountdownSeconds = 0 })
		}
		return
	}
	if !e.resumeWanted || cfg.Paused {
		return
	}

	e.resumeWanted = false
	if cfg.CaptureMode != v1.CaptureModeInterval {
		return
	}
	s.startTimer(e, cfg.IntervalSeconds)
	if e.run == nil {
		s.startRun(e, cfg, false)
	} else {
		s.states.Update(e.id, func(st *v1.RuntimeState) { st.CountdownSeconds = cfg.IntervalSeconds })
	}
}
