package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/vigil/internal/backend"
	"github.com/kandev/vigil/internal/capture"
	"github.com/kandev/vigil/internal/common/tracing"
	"github.com/kandev/vigil/internal/events"
	"github.com/kandev/vigil/internal/events/bus"
	v1 "github.com/kandev/vigil/pkg/api/v1"
)

type runOutcome struct {
	frame      *capture.Frame
	result     *backend.Result
	captureErr error
	submitErr  error
}

// runDue starts the interval run of an idle agent whose countdown expired.
func (s *Scheduler) runDue(e *agentEntry) {
	s.clearOverrun(e)

	cfg, ok := s.registry.Get(e.id)
	if !ok {
		s.logger.DPanic("scheduled agent missing from registry", zap.String("agent_id", e.id))
		return
	}
	s.startRun(e, cfg, false)
}

// skipTick drops a tick that came due while the agent was still processing.
// Ticks dropped while a pause is pending are not counted against the agent.
func (s *Scheduler) skipTick(e *agentEntry) {
	if st, _ := s.states.Get(e.id); st.PendingPause {
		s.logger.Debug("tick dropped, agent pausing", zap.String("agent_id", e.id))
		return
	}

	e.skips++
	warn := s.cfg.OverrunWarnThreshold > 0 && e.skips == s.cfg.OverrunWarnThreshold
	st, _ := s.states.Update(e.id, func(st *v1.RuntimeState) {
		st.Stats.SkippedTicks++
		if warn {
			st.OverrunWarning = true
		}
	})
	s.logger.Debug("tick skipped, agent still processing",
		zap.String("agent_id", e.id),
		zap.Int("consecutive_skips", e.skips))

	if !warn {
		return
	}
	s.logger.Warn("agent cannot keep up with its interval",
		zap.String("agent_id", e.id),
		zap.Int("consecutive_skips", e.skips),
		zap.Float64("avg_latency_ms", st.Stats.AvgLatencyMs))
	s.publish(events.AgentOverrun, map[string]interface{}{
		"agent_id":          e.id,
		"consecutive_skips": e.skips,
		"avg_latency_ms":    st.Stats.AvgLatencyMs,
	})
}

func (s *Scheduler) clearOverrun(e *agentEntry) {
	if e.skips == 0 {
		return
	}
	e.skips = 0
	if st, ok := s.states.Get(e.id); ok && st.OverrunWarning {
		s.states.Update(e.id, func(st *v1.RuntimeState) { st.OverrunWarning = false })
	}
}

// handleCountdown is the one-second clock of every interval agent. Idle
// agents count down and run at zero; processing agents keep their countdown
// and drop a tick for each interval that elapses in flight.
func (s *Scheduler) handleCountdown() {
	for id, e := range s.agents {
		if e.timer == nil || e.removing {
			continue
		}
		if e.run != nil {
			if e.timer.advance() {
				s.skipTick(e)
			}
			continue
		}
		st, ok := s.states.Update(id, func(st *v1.RuntimeState) {
			if st.CountdownSeconds > 0 {
				st.CountdownSeconds--
			}
		})
		if ok && st.CountdownSeconds == 0 {
			s.runDue(e)
		}
	}
}

func (s *Scheduler) startRun(e *agentEntry, cfg v1.AgentConfig, manual bool) {
	ctx, cancel := context.WithCancel(s.runCtx)
	r := &activeRun{
		generation: e.generation,
		cancel:     cancel,
		manual:     manual,
		startedAt:  time.Now(),
	}
	e.run = r
	if e.timer != nil {
		e.timer.restart()
	}

	if _, ok := s.states.Update(e.id, func(st *v1.RuntimeState) {
		st.Processing = true
		st.CountdownSeconds = cfg.IntervalSeconds
	}); !ok {
		s.logger.DPanic("agent has no runtime state", zap.String("agent_id", e.id))
	}
	s.logger.Debug("run started", zap.String("agent_id", e.id), zap.Bool("manual", manual))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		spanCtx, span := tracing.TraceAgentRun(ctx, cfg.ID, r.generation, manual)
		out := s.execute(spanCtx, cfg)
		tracing.EndSpan(span, 0, out.err())
		s.post(func() { s.completeRun(cfg.ID, r, out) })
	}()
}

// execute captures a frame and submits it. It runs off the loop.
func (s *Scheduler) execute(ctx context.Context, cfg v1.AgentConfig) runOutcome {
	var out runOutcome
	if !s.captureAvailable.Load() {
		out.captureErr = capture.ErrUnavailable
		return out
	}
	frame, err := s.source.CaptureFrame(ctx)
	if err != nil {
		out.captureErr = err
		return out
	}
	out.frame = frame
	out.result, out.submitErr = s.backend.Submit(ctx, cfg.ID, frame.Data, cfg.UserPrompt)
	return out
}

func (o runOutcome) err() error {
	if o.captureErr != nil {
		return o.captureErr
	}
	return o.submitErr
}

func (s *Scheduler) completeRun(id string, r *activeRun, out runOutcome) {
	r.cancel()

	e, ok := s.agents[id]
	if !ok {
		s.logger.Debug("discarding result for removed agent", zap.String("agent_id", id))
		return
	}
	if e.run == r {
		e.run = nil
	}
	if e.removing || e.generation != r.generation {
		if e.run == nil && !e.removing {
			s.states.Update(id, func(st *v1.RuntimeState) {
				st.Processing = false
				st.PendingPause = false
			})
		}
		s.logger.Debug("discarding stale result",
			zap.String("agent_id", id),
			zap.Uint64("run_generation", r.generation),
			zap.Uint64("generation", e.generation))
		return
	}

	cfg, ok := s.registry.Get(id)
	if !ok {
		s.logger.DPanic("scheduled agent missing from registry", zap.String("agent_id", id))
		return
	}

	latency := time.Since(r.startedAt).Milliseconds()
	now := time.Now().UTC()
	failure := classify(out, r.cancelRequested || r.cancelHinted)
	log := s.logger.WithAgentID(id)

	if failure == nil || failure.Surfaced() {
		s.states.RecordRun(id, latency, failure != nil, now)
		s.detections.Append(s.detectionFor(cfg, out, failure, latency, now))
	}
	switch {
	case failure == nil:
		log.Debug("run completed", zap.Int64("latency_ms", latency))
	case failure.Surfaced():
		log.Warn("run failed", zap.String("kind", string(failure.Kind)), zap.Error(failure.Err))
	default:
		log.Debug("run cancelled")
	}

	st, _ := s.states.Update(id, func(st *v1.RuntimeState) {
		st.Processing = false
		switch {
		case failure == nil:
			st.LastResult = out.result.Text
			st.LastError = ""
		case failure.Surfaced():
			st.LastError = failure.Error()
		}
		if !st.PendingPause && e.timer != nil {
			st.CountdownSeconds = cfg.IntervalSeconds
		}
	})

	if st.PendingPause {
		if err := s.finalizePause(s.runCtx, e); err != nil {
			log.Error("failed to finalize pause", zap.Error(err))
		}
	}
}

func classify(out runOutcome, cancelRequested bool) *Failure {
	switch {
	case out.captureErr != nil:
		return captureFailure(out.captureErr)
	case out.submitErr != nil:
		return backendFailure(out.submitErr, cancelRequested)
	case out.result == nil:
		return &Failure{Kind: FailureBackendError, Err: fmt.Errorf("empty result")}
	}
	return nil
}

func (s *Scheduler) detectionFor(cfg v1.AgentConfig, out runOutcome, failure *Failure, latency int64, at time.Time) v1.Detection {
	d := v1.Detection{
		AgentID:          cfg.ID,
		AgentLabel:       cfg.Label,
		CreatedAt:        at,
		ProcessingTimeMs: latency,
	}
	if out.frame != nil {
		d.ImageRef = fmt.Sprintf("%s#%d", out.frame.DeviceID, out.frame.Seq)
	}
	if failure != nil {
		d.IsError = true
		d.ErrorKind = string(failure.Kind)
		d.Text = failure.Error()
		return d
	}
	d.Text = out.result.Text
	return d
}

func (s *Scheduler) publish(eventType string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, "scheduler", data)
	if err := s.bus.Publish(s.runCtx, events.Subject(eventType), event); err != nil {
		s.logger.Debug("failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}
