package detect

import (
	"sync/atomic"
	"time"
)

// PatternEntry tracks how often one request signature was seen within the
// current cache window. The window is anchored at FirstSeen: it does not
// slide with later occurrences.
type PatternEntry struct {
	Count     int
	FirstSeen time.Time
	LastSeen  time.Time
}

// PatternCache detects the same request (same scope and signature) being
// repeated many times in a short period.
type PatternCache struct {
	entries *shardedMap[uint64, *PatternEntry]
	allowed atomic.Uint64
	blocked atomic.Uint64
}

// NewPatternCache creates an empty pattern cache.
func NewPatternCache() *PatternCache {
	return &PatternCache{
		// Signatures are already hashes; fold the high bits into the shard index.
		entries: newShardedMap[uint64, *PatternEntry](func(sig uint64) uint64 { return sig ^ sig>>32 }),
	}
}

// RecordAndCheck counts one occurrence of signature at now. The request is
// blocked once the count reaches limit within span of the first occurrence.
// An entry older than span is replaced by a fresh one.
func (c *PatternCache) RecordAndCheck(signature uint64, now time.Time, limit int, span time.Duration) Result {
	sh := c.entries.shardFor(signature)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.m[signature]
	if e == nil || now.Sub(e.FirstSeen) > span {
		sh.m[signature] = &PatternEntry{Count: 1, FirstSeen: now, LastSeen: now}
		return c.decide(1, limit, span, 0, now)
	}

	e.Count++
	if now.After(e.LastSeen) {
		e.LastSeen = now
	}
	return c.decide(e.Count, limit, span, now.Sub(e.FirstSeen), now)
}

func (c *PatternCache) decide(count, limit int, span, age time.Duration, now time.Time) Result {
	if count < limit {
		c.allowed.Add(1)
		return Result{Allowed: true, Count: count, Recorded: now}
	}
	c.blocked.Add(1)
	retry := span - age
	if retry <= 0 {
		// The entry expires on the next request; ask for a minimal wait.
		retry = time.Millisecond
	}
	return Result{Count: count, RetryAfter: retry, Recorded: now}
}

// Sweep removes entries whose window ended before now.
func (c *PatternCache) Sweep(now time.Time, span time.Duration) int {
	return c.entries.sweep(func(_ uint64, e *PatternEntry) bool {
		return now.Sub(e.FirstSeen) > span
	})
}

// Reset discards all entries and counters.
func (c *PatternCache) Reset() {
	c.entries.clear()
	c.allowed.Store(0)
	c.blocked.Store(0)
}

// Stats returns the current diagnostic counters.
func (c *PatternCache) Stats() Stats {
	return Stats{
		TrackedKeys: c.entries.len(),
		Allowed:     c.allowed.Load(),
		Blocked:     c.blocked.Load(),
	}
}
