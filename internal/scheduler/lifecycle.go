package scheduler

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/kandev/vigil/internal/agent/registry"
	apperrors "github.com/kandev/vigil/internal/common/errors"
	v1 "github.com/kandev/vigil/pkg/api/v1"
)

// AddAgent stores a new agent and registers it. The agent starts paused.
func (s *Scheduler) AddAgent(ctx context.Context, cfg v1.AgentConfig) (v1.AgentConfig, error) {
	cfg.Paused = true
	created, err := s.registry.Add(ctx, cfg)
	if err != nil {
		return v1.AgentConfig{}, err
	}
	if err := s.Register(ctx, created); err != nil {
		return created, err
	}
	got, _ := s.registry.Get(created.ID)
	return got, nil
}

// Register creates runtime state for cfg and initializes its backend
// instance. The agent is paused regardless of the outcome; an initialization
// failure is recorded in lastError. The model load is not bound to ctx: a
// caller that gives up does not abort a load the backend is still running.
func (s *Scheduler) Register(ctx context.Context, cfg v1.AgentConfig) error {
	var gen uint64
	err := s.do(ctx, func() error {
		if _, exists := s.agents[cfg.ID]; exists {
			return ErrAgentExists
		}
		e := &agentEntry{id: cfg.ID}
		s.agents[cfg.ID] = e
		s.states.Ensure(cfg.ID)
		gen = s.bumpGeneration(e)
		return nil
	})
	if err != nil {
		return err
	}

	if err := s.registry.SetPaused(ctx, cfg.ID, true); err != nil {
		s.logger.Warn("failed to persist paused flag", zap.String("agent_id", cfg.ID), zap.Error(err))
	}
	cfg.Paused = true
	s.initialize(cfg, gen)
	return nil
}

func (s *Scheduler) bumpGeneration(e *agentEntry) uint64 {
	e.generation++
	gen := e.generation
	s.states.Update(e.id, func(st *v1.RuntimeState) { st.Generation = gen })
	return gen
}

// initialize loads the backend instance on the scheduler's own context.
// Adapters bound the load with their own initialization timeout.
func (s *Scheduler) initialize(cfg v1.AgentConfig, gen uint64) {
	ctx := s.runCtx
	log := s.logger.WithAgentID(cfg.ID)
	initErr := s.backend.Initialize(ctx, cfg)
	if initErr != nil {
		log.Warn("backend initialization failed", zap.Error(initErr))
	} else {
		log.Info("backend instance initialized", zap.String("device", string(cfg.Device)))
	}

	err := s.do(ctx, func() error {
		e := s.live(cfg.ID, gen)
		if e == nil {
			return nil
		}
		e.initialized = true
		s.states.Update(cfg.ID, func(st *v1.RuntimeState) {
			if initErr != nil {
				st.LastError = "initialize: " + initErr.Error()
				st.Ready = false
				return
			}
			st.LastError = ""
		})
		return nil
	})
	if err != nil || initErr != nil {
		return
	}
	s.reconcile(ctx, []target{{id: cfg.ID, generation: gen}})
}

// Resume unpauses an agent. Its timer starts, with one immediate run, once
// the backend reports the instance ready.
func (s *Scheduler) Resume(ctx context.Context, id string) error {
	var gen uint64
	needStatus := false
	err := s.do(ctx, func() error {
		e, err := s.entry(id)
		if err != nil {
			return err
		}
		cfg, ok := s.registry.Get(id)
		if !ok {
			s.logger.DPanic("scheduled agent missing from registry", zap.String("agent_id", id))
			return ErrAgentNotFound
		}

		if st, _ := s.states.Get(id); st.PendingPause {
			s.states.Update(id, func(st *v1.RuntimeState) { st.PendingPause = false })
			s.logger.Info("pending pause cancelled", zap.String("agent_id", id))
		}
		if !cfg.Paused {
			return nil
		}
		if err := s.registry.SetPaused(ctx, id, false); err != nil {
			return err
		}
		e.resumeWanted = true
		gen = e.generation
		needStatus = true
		s.logger.Info("agent resumed", zap.String("agent_id", id))
		return nil
	})
	if err != nil || !needStatus {
		return err
	}
	s.reconcile(ctx, []target{{id: id, generation: gen}})
	return nil
}

// Pause stops an agent. An idle agent pauses immediately; a processing agent
// is marked pending and pauses when its in-flight run completes.
func (s *Scheduler) Pause(ctx context.Context, id string) error {
	return s.do(ctx, func() error {
		e, err := s.entry(id)
		if err != nil {
			return err
		}
		cfg, _ := s.registry.Get(id)
		if cfg.Paused {
			return nil
		}

		if e.run != nil {
			e.run.cancelHinted = true
			s.states.Update(id, func(st *v1.RuntimeState) { st.PendingPause = true })
			s.cancelBackend(id)
			s.logger.Info("agent pausing after current run", zap.String("agent_id", id))
			return nil
		}
		return s.finalizePause(ctx, e)
	})
}

func (s *Scheduler) finalizePause(ctx context.Context, e *agentEntry) error {
	s.stopTimer(e)
	e.resumeWanted = false
	e.skips = 0
	err := s.registry.SetPaused(ctx, e.id, true)
	s.states.Update(e.id, func(st *v1.RuntimeState) {
		st.PendingPause = false
		st.LastError = ""
		st.LastResult = ""
		st.CountdownSeconds = 0
		st.OverrunWarning = false
	})
	if err != nil {
		return err
	}
	s.logger.Info("agent paused", zap.String("agent_id", e.id))
	return nil
}

// cancelBackend asks the backend to stop in-flight work for id without blocking the loop.
func (s *Scheduler) cancelBackend(id string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.backend.Cancel(s.runCtx, id); err != nil {
			s.logger.Debug("backend cancel failed", zap.String("agent_id", id), zap.Error(err))
		}
	}()
}

// Trigger runs an agent once, now. Paused agents may be triggered; an agent
// that is already processing is not.
func (s *Scheduler) Trigger(ctx context.Context, id string) error {
	return s.do(ctx, func() error {
		e, err := s.entry(id)
		if err != nil {
			return err
		}
		if e.run != nil {
			return ErrRunInProgress
		}
		cfg, ok := s.registry.Get(id)
		if !ok {
			s.logger.DPanic("scheduled agent missing from registry", zap.String("agent_id", id))
			return ErrAgentNotFound
		}
		s.startRun(e, cfg, true)
		return nil
	})
}

// Remove cancels any in-flight run, stops the timer, shuts the backend
// instance down and deletes the agent. Removing an unknown agent is a no-op.
func (s *Scheduler) Remove(ctx context.Context, id string) error {
	found, inFlight := false, false
	err := s.do(ctx, func() error {
		e, ok := s.agents[id]
		if !ok || e.removing {
			return nil
		}
		found = true
		e.removing = true
		s.stopTimer(e)
		if e.run != nil {
			inFlight = true
			e.run.cancelRequested = true
			e.run.cancel()
		}
		return nil
	})
	if err != nil {
		return err
	}

	if found {
		if inFlight {
			if _, err := s.backend.Cancel(ctx, id); err != nil {
				s.logger.Debug("backend cancel failed", zap.String("agent_id", id), zap.Error(err))
			}
		}
		if err := s.backend.Shutdown(ctx, id); err != nil {
			s.logger.Warn("backend shutdown failed", zap.String("agent_id", id), zap.Error(err))
		}
		err := s.do(ctx, func() error {
			delete(s.agents, id)
			s.states.Delete(id)
			return nil
		})
		if err != nil {
			return err
		}
	}

	if err := s.registry.Remove(ctx, id); err != nil {
		return err
	}
	if found {
		s.logger.Info("agent removed", zap.String("agent_id", id))
	}
	return nil
}

// UpdateAgent applies patch. Edits beyond label and description shut the
// backend instance down, re-initialize it with the new configuration, reset
// runtime statistics and leave the agent paused. Results still in flight
// from the old configuration are discarded.
func (s *Scheduler) UpdateAgent(ctx context.Context, id string, patch registry.Patch) (v1.AgentConfig, error) {
	current, ok := s.registry.Get(id)
	if !ok {
		return v1.AgentConfig{}, apperrors.NotFound("agent", id)
	}
	patch.Paused = nil

	if !patch.Reconfigures(current) {
		return s.registry.Update(ctx, id, patch)
	}

	candidate := patch.Apply(current)
	if err := registry.Validate(&candidate); err != nil {
		return v1.AgentConfig{}, err
	}

	var gen uint64
	inFlight := false
	err := s.do(ctx, func() error {
		e, err := s.entry(id)
		if err != nil {
			return err
		}
		s.stopTimer(e)
		e.resumeWanted = false
		e.initialized = false
		e.skips = 0
		if e.run != nil {
			inFlight = true
			e.run.cancelRequested = true
			e.run.cancel()
		}
		s.states.Reset(id)
		gen = s.bumpGeneration(e)
		s.states.Update(id, func(st *v1.RuntimeState) { st.Processing = e.run != nil })
		return nil
	})
	if errors.Is(err, ErrAgentNotFound) {
		return v1.AgentConfig{}, apperrors.NotFound("agent", id)
	}
	if err != nil {
		return v1.AgentConfig{}, err
	}

	if inFlight {
		if _, err := s.backend.Cancel(ctx, id); err != nil {
			s.logger.Debug("backend cancel failed", zap.String("agent_id", id), zap.Error(err))
		}
	}
	if err := s.backend.Shutdown(ctx, id); err != nil {
		s.logger.Warn("backend shutdown failed", zap.String("agent_id", id), zap.Error(err))
	}

	paused := true
	patch.Paused = &paused
	updated, err := s.registry.Update(ctx, id, patch)
	if err != nil {
		return v1.AgentConfig{}, err
	}
	s.logger.Info("agent reconfigured", zap.String("agent_id", id), zap.Uint64("generation", gen))

	s.initialize(updated, gen)
	return updated, nil
}
