package scheduler

import (
	"context"

	v1 "github.com/kandev/vigil/pkg/api/v1"
)

func phaseOf(e *agentEntry, cfg v1.AgentConfig, st v1.RuntimeState) v1.AgentPhase {
	switch {
	case e == nil:
		return v1.AgentPhaseUninitialized
	case e.removing:
		return v1.AgentPhaseRemoved
	case st.Processing && st.PendingPause:
		return v1.AgentPhasePausing
	case st.Processing:
		return v1.AgentPhaseProcessing
	case !e.initialized:
		return v1.AgentPhaseUninitialized
	case cfg.Paused:
		return v1.AgentPhasePaused
	default:
		return v1.AgentPhaseRunning
	}
}

// View returns the configuration, phase and runtime state of one agent.
func (s *Scheduler) View(ctx context.Context, id string) (v1.AgentView, error) {
	var view v1.AgentView
	err := s.do(ctx, func() error {
		cfg, ok := s.registry.Get(id)
		if !ok {
			return ErrAgentNotFound
		}
		view = s.viewOf(cfg)
		return nil
	})
	return view, err
}

// Views returns every registered agent in creation order.
func (s *Scheduler) Views(ctx context.Context) ([]v1.AgentView, error) {
	var views []v1.AgentView
	err := s.do(ctx, func() error {
		agents := s.registry.List()
		views = make([]v1.AgentView, 0, len(agents))
		for _, cfg := range agents {
			views = append(views, s.viewOf(cfg))
		}
		return nil
	})
	return views, err
}

func (s *Scheduler) viewOf(cfg v1.AgentConfig) v1.AgentView {
	e := s.agents[cfg.ID]
	st, ok := s.states.Get(cfg.ID)
	if !ok {
		st = v1.RuntimeState{AgentID: cfg.ID}
	}
	return v1.AgentView{Agent: cfg, Phase: phaseOf(e, cfg, st), State: st}
}
