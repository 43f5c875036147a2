package engine

import (
	"time"

	"github.com/reqshield/reqshield/internal/detect"
)

// Status is the operator view of an engine.
type Status struct {
	Breaker   detect.BreakerSnapshot `json:"breaker"`
	Detectors DetectorStatus         `json:"detectors"`
	Totals    Totals                 `json:"totals"`
	Faults    Faults                 `json:"faults"`
	Offenders []Offender             `json:"offenders"`
	Config    *Settings              `json:"config"`
}

// DetectorStatus holds the per-detector counters.
type DetectorStatus struct {
	RateLimit  detect.Stats `json:"rateLimit"`
	RapidBurst detect.Stats `json:"rapidBurst"`
	Pattern    detect.Stats `json:"pattern"`
}

// Totals are pipeline-wide decision counts since start or the last reset.
type Totals struct {
	Checked          uint64 `json:"checked"`
	Allowed          uint64 `json:"allowed"`
	CircuitOpen      uint64 `json:"circuitOpen"`
	RateLimited      uint64 `json:"rateLimited"`
	RapidBurst       uint64 `json:"rapidBurst"`
	IdenticalRequest uint64 `json:"identicalRequest"`
}

// Faults counts recovered detector panics.
type Faults struct {
	CircuitBreaker uint64 `json:"circuitBreaker"`
	RateLimit      uint64 `json:"rateLimit"`
	RapidBurst     uint64 `json:"rapidBurst"`
	Pattern        uint64 `json:"pattern"`
}

// Status collects the current state. maxOffenders caps the offender list;
// 0 returns all tracked offenders.
func (e *Engine) Status(maxOffenders int) Status {
	st := Status{
		Totals: Totals{
			Checked:          e.totals.checked.Load(),
			Allowed:          e.totals.allowed.Load(),
			CircuitOpen:      e.totals.circuit.Load(),
			RateLimited:      e.totals.rateLimit.Load(),
			RapidBurst:       e.totals.rapidBurst.Load(),
			IdenticalRequest: e.totals.identical.Load(),
		},
		Faults: Faults{
			CircuitBreaker: e.faults.breaker.Load(),
			RateLimit:      e.faults.rate.Load(),
			RapidBurst:     e.faults.rapid.Load(),
			Pattern:        e.faults.pattern.Load(),
		},
		Offenders: e.offenders.top(maxOffenders),
		Config:    e.store.Load(),
	}

	if !e.guard(DetectorBreaker, func() { st.Breaker = e.breaker.Snapshot() }) {
		// Report what the pipeline assumes for a broken breaker.
		st.Breaker = detect.BreakerSnapshot{State: detect.StateOpen}
	}
	e.guard(DetectorRateLimit, func() { st.Detectors.RateLimit = e.rate.Stats() })
	e.guard(DetectorRapid, func() { st.Detectors.RapidBurst = e.rapid.Stats() })
	e.guard(DetectorPattern, func() { st.Detectors.Pattern = e.pattern.Stats() })
	return st
}

// Reset clears every window, pattern entry, offender and counter and closes
// the breaker. The protection config is left as is. After Reset the engine
// behaves like a freshly constructed one with the same config.
func (e *Engine) Reset() {
	now := e.now()
	e.guard(DetectorRateLimit, e.rate.Reset)
	e.guard(DetectorRapid, e.rapid.Reset)
	e.guard(DetectorPattern, e.pattern.Reset)
	e.guard(DetectorBreaker, func() { e.breaker.Reset(now) })
	e.backstop.Reset()
	e.offenders.purge()

	e.totals.checked.Store(0)
	e.totals.allowed.Store(0)
	e.totals.circuit.Store(0)
	e.totals.rateLimit.Store(0)
	e.totals.rapidBurst.Store(0)
	e.totals.identical.Store(0)

	e.faults.breaker.Store(0)
	e.faults.rate.Store(0)
	e.faults.rapid.Store(0)
	e.faults.pattern.Store(0)

	e.logger.Info("protection state reset")
}

// SweepResult reports how many idle entries a sweep removed.
type SweepResult struct {
	RateLimit  int
	RapidBurst int
	Pattern    int
}

// Sweep removes windows and pattern entries that can no longer influence a
// decision at now. Lazy eviction on access keeps each key bounded; the sweep
// reclaims keys that stopped receiving traffic.
func (e *Engine) Sweep(now time.Time) SweepResult {
	s := e.store.Load()
	var res SweepResult
	e.guard(DetectorRateLimit, func() { res.RateLimit = e.rate.Sweep(now, s.RateLimitWindow()) })
	e.guard(DetectorRapid, func() { res.RapidBurst = e.rapid.Sweep(now, s.RapidRequestWindow()) })
	e.guard(DetectorPattern, func() { res.Pattern = e.pattern.Sweep(now, s.PatternCacheWindow()) })
	return res
}

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time { return e.now() }
