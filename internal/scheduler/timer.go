package scheduler

import (
	"time"
)

// Ticker is the subset of time.Ticker the scheduler uses.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory creates tickers. Tests substitute a manual implementation.
type TickerFactory func(d time.Duration) Ticker

type stdTicker struct {
	t *time.Ticker
}

func (s *stdTicker) C() <-chan time.Time { return s.t.C }
func (s *stdTicker) Stop()               { s.t.Stop() }

// NewStdTicker wraps time.NewTicker.
func NewStdTicker(d time.Duration) Ticker {
	return &stdTicker{t: time.NewTicker(d)}
}

// intervalTimer is the schedule handle of one interval agent, keyed by agent
// id through the entry map. It has no clock of its own: every countdown tick
// of the loop advances it. An idle agent runs when its countdown reaches
// zero. A processing agent keeps its countdown frozen and drops one tick per
// full interval spent in flight.
type intervalTimer struct {
	interval int
	inFlight int // seconds since the run started or the last tick was dropped
}

func (s *Scheduler) startTimer(e *agentEntry, intervalSeconds int) {
	if e.timer != nil {
		return
	}
	if intervalSeconds <= 0 {
		intervalSeconds = 1
	}
	e.timer = &intervalTimer{interval: intervalSeconds}
}

func (s *Scheduler) stopTimer(e *agentEntry) {
	e.timer = nil
}

// advance moves the timer on by one second of processing and reports whether
// an interval boundary was crossed.
func (t *intervalTimer) advance() bool {
	t.inFlight++
	if t.inFlight < t.interval {
		return false
	}
	t.inFlight = 0
	return true
}

func (t *intervalTimer) restart() {
	t.inFlight = 0
}
