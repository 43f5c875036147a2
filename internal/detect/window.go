package detect

import (
	"sync/atomic"
	"time"
)

// Result is the outcome of recording one request with a detector.
type Result struct {
	Allowed bool

	// RetryAfter is how long until the oldest sample that caused the block
	// leaves the window. Zero when allowed.
	RetryAfter time.Duration

	// Count is the number of samples (or pattern occurrences) the decision
	// was made on, including this request.
	Count int

	// Recorded is the timestamp actually stored for this request. It can be
	// later than the requested time when requests arrive out of order.
	Recorded time.Time
}

// Stats are the diagnostic counters of a detector. They are cleared by Reset.
type Stats struct {
	TrackedKeys int    `json:"trackedKeys"`
	Allowed     uint64 `json:"allowed"`
	Blocked     uint64 `json:"blocked"`
}

// SlidingWindow counts requests per scope key over a trailing window. The
// same type backs both the coarse rate limiter and the fine-grained
// rapid-burst detector; the limit and window length are passed on every call
// so that config changes take effect without rebuilding state.
//
// Every retained sample for a key lies in (now-span, now]. Samples are kept in
// insertion order, which is also timestamp order, so eviction only ever
// trims the front.
type SlidingWindow struct {
	entries *shardedMap[string, *window]
	allowed atomic.Uint64
	blocked atomic.Uint64
}

type window struct {
	stamps []time.Time
}

// NewSlidingWindow creates an empty detector.
func NewSlidingWindow() *SlidingWindow {
	return &SlidingWindow{entries: newStringMap[*window]()}
}

// RecordAndCheck records a request for key at now and reports whether it fits
// within limit requests per span. A request that would exceed the limit is not
// retained, so rejected traffic does not extend the block.
func (s *SlidingWindow) RecordAndCheck(key string, now time.Time, limit int, span time.Duration) Result {
	sh := s.entries.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	w := sh.m[key]
	if w == nil {
		w = &window{}
		sh.m[key] = w
	}

	if n := len(w.stamps); n > 0 && now.Before(w.stamps[n-1]) {
		now = w.stamps[n-1]
	}
	w.evict(now.Add(-span))
	w.stamps = append(w.stamps, now)

	if len(w.stamps) > limit {
		w.stamps = w.stamps[:len(w.stamps)-1]
		s.blocked.Add(1)
		res := Result{Count: len(w.stamps) + 1, Recorded: now}
		if len(w.stamps) > 0 {
			res.RetryAfter = span - now.Sub(w.stamps[0])
		}
		if res.RetryAfter <= 0 {
			res.RetryAfter = span
		}
		return res
	}

	s.allowed.Add(1)
	return Result{Allowed: true, Count: len(w.stamps), Recorded: now}
}

// Forget removes one sample recorded at "at" for key. The pipeline uses it to
// undo an admission when a later stage blocks the same request.
func (s *SlidingWindow) Forget(key string, at time.Time) {
	sh := s.entries.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	w := sh.m[key]
	if w == nil {
		return
	}
	for i := len(w.stamps) - 1; i >= 0; i-- {
		if w.stamps[i].Equal(at) {
			w.stamps = append(w.stamps[:i], w.stamps[i+1:]...)
			break
		}
	}
	if len(w.stamps) == 0 {
		delete(sh.m, key)
	}
}

// Sweep drops keys whose samples have all left the window ending at now.
func (s *SlidingWindow) Sweep(now time.Time, span time.Duration) int {
	cutoff := now.Add(-span)
	return s.entries.sweep(func(_ string, w *window) bool {
		return len(w.stamps) == 0 || !w.stamps[len(w.stamps)-1].After(cutoff)
	})
}

// Reset discards all windows and counters.
func (s *SlidingWindow) Reset() {
	s.entries.clear()
	s.allowed.Store(0)
	s.blocked.Store(0)
}

// Stats returns the current diagnostic counters.
func (s *SlidingWindow) Stats() Stats {
	return Stats{
		TrackedKeys: s.entries.len(),
		Allowed:     s.allowed.Load(),
		Blocked:     s.blocked.Load(),
	}
}

// evict drops samples at or before cutoff. A sample exactly one window old
// is outside (now-span, now].
func (w *window) evict(cutoff time.Time) {
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	n := copy(w.stamps, w.stamps[i:])
	w.stamps = w.stamps[:n]
}
