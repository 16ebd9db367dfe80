package health

import (
	"sync"
	"sync/atomic"
	"time"
)

var (
	initialCovariance = matrix{{1, 0}, {0, 1}}
	processNoise      = matrix{{0.001, 0}, {0, 0.001}}
	measurementNoise  = matrix{{0.1, 0}, {0, 0.1}}
)

// Report is the per-PSP view served on the worker's health endpoint.
type Report struct {
	State
	Attempts int64 `json:"attempts"`
	Failures int64 `json:"failures"`
}

type pspStats struct {
	filter   *kalmanFilter
	attempts atomic.Int64
	failures atomic.Int64
}

// Tracker smooths the outcome of every adapter call per PSP. It only
// observes; routing order never depends on it.
type Tracker struct {
	mu  sync.RWMutex
	psp map[string]*pspStats
}

func NewTracker() *Tracker {
	return &Tracker{psp: make(map[string]*pspStats)}
}

func (t *Tracker) stats(id string) *pspStats {
	t.mu.RLock()
	st, ok := t.psp[id]
	t.mu.RUnlock()
	if ok {
		return st
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok = t.psp[id]; ok {
		return st
	}
	st = &pspStats{filter: newKalmanFilter(State{}, initialCovariance, processNoise, measurementNoise)}
	t.psp[id] = st
	return st
}

// Observe records one call to psp that took latency; failed marks a
// transport failure.
func (t *Tracker) Observe(psp string, latency time.Duration, failed bool) {
	st := t.stats(psp)
	st.attempts.Add(1)
	meas := State{Latency: latency.Seconds()}
	if failed {
		st.failures.Add(1)
		meas.ErrorRate = 1
	}
	st.filter.observe(meas)
}

func (t *Tracker) Report() map[string]Report {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Report, len(t.psp))
	for id, st := range t.psp {
		out[id] = Report{
			State:    st.filter.estimate(),
			Attempts: st.attempts.Load(),
			Failures: st.failures.Load(),
		}
	}
	return out
}
