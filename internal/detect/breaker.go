package detect

import (
	"sync"
	"time"
)

// BreakerState is the state of a circuit breaker.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// MarshalText renders the state as its lowercase name in JSON output.
func (s BreakerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// BreakerDecision is the answer to Breaker.Check.
type BreakerDecision struct {
	Allowed bool

	// IsTrial marks the single probe request admitted in the half-open
	// state. Its outcome decides whether the breaker closes or re-opens.
	IsTrial bool

	// RetryAfter is the remaining open time when blocked.
	RetryAfter time.Duration
}

// BreakerSnapshot is a point-in-time view of the breaker for diagnostics.
type BreakerSnapshot struct {
	State               BreakerState `json:"state"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	OpenedAt            *time.Time   `json:"openedAt"`
}

// TransitionFunc observes breaker state changes. It is called after the
// breaker lock is released.
type TransitionFunc func(from, to BreakerState, at time.Time)

// Breaker is a consecutive-failure circuit breaker guarding the whole
// request pipeline.
//
//	Closed   --failures >= threshold-->  Open
//	Open     --timeout elapsed------->   HalfOpen (one trial admitted)
//	HalfOpen --trial succeeds-------->   Closed
//	HalfOpen --trial fails----------->   Open (timer restarts)
type Breaker struct {
	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	trial    bool // a half-open trial is in flight

	onTransition TransitionFunc
}

// NewBreaker creates a closed breaker. onTransition may be nil.
func NewBreaker(onTransition TransitionFunc) *Breaker {
	return &Breaker{onTransition: onTransition}
}

// Check decides whether a request may proceed at now. timeout is how long
// the breaker stays open before admitting a trial.
func (b *Breaker) Check(now time.Time, timeout time.Duration) BreakerDecision {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return BreakerDecision{Allowed: true}

	case StateOpen:
		elapsed := now.Sub(b.openedAt)
		if elapsed < timeout {
			b.mu.Unlock()
			return BreakerDecision{RetryAfter: timeout - elapsed}
		}
		b.trial = true
		b.transition(StateHalfOpen, now) // unlocks
		return BreakerDecision{Allowed: true, IsTrial: true}

	default: // half-open
		if !b.trial {
			b.trial = true
			b.mu.Unlock()
			return BreakerDecision{Allowed: true, IsTrial: true}
		}
		b.mu.Unlock()
		return BreakerDecision{RetryAfter: time.Second}
	}
}

// ReportOutcome feeds the result of an admitted request back into the
// breaker. It must be called exactly once per allowed request. threshold is
// the consecutive-failure count that opens the breaker.
//
// Outcomes of ordinary requests that finish while the breaker is open or
// half-open are ignored; only the trial decides recovery.
func (b *Breaker) ReportOutcome(isTrial, success bool, now time.Time, threshold int) {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		if success {
			b.failures = 0
			b.mu.Unlock()
			return
		}
		b.failures++
		if b.failures >= threshold {
			b.openedAt = now
			b.transition(StateOpen, now)
			return
		}
		b.mu.Unlock()

	case StateHalfOpen:
		if !isTrial {
			b.mu.Unlock()
			return
		}
		b.trial = false
		if success {
			b.failures = 0
			b.transition(StateClosed, now)
			return
		}
		b.openedAt = now
		b.transition(StateOpen, now)

	default:
		b.mu.Unlock()
	}
}

// ReleaseTrial gives back the half-open trial slot when the trial request was
// blocked by a later stage and never reached the handler.
func (b *Breaker) ReleaseTrial() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.trial = false
	}
}

// Snapshot returns the current state.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := BreakerSnapshot{State: b.state, ConsecutiveFailures: b.failures}
	if !b.openedAt.IsZero() && b.state != StateClosed {
		at := b.openedAt
		snap.OpenedAt = &at
	}
	return snap
}

// Reset closes the breaker and clears the failure count.
func (b *Breaker) Reset(now time.Time) {
	b.mu.Lock()
	b.failures = 0
	b.trial = false
	b.openedAt = time.Time{}
	if b.state == StateClosed {
		b.mu.Unlock()
		return
	}
	b.transition(StateClosed, now)
}

// transition changes state and releases the lock before notifying the
// observer. Callers must hold b.mu.
func (b *Breaker) transition(to BreakerState, at time.Time) {
	from := b.state
	b.state = to
	if to == StateClosed {
		b.failures = 0
	}
	fn := b.onTransition
	b.mu.Unlock()

	if fn != nil && from != to {
		fn(from, to, at)
	}
}
