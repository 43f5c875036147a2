package detect

import "time"

// count returns how many samples for key are inside the window ending at now.
func (s *SlidingWindow) count(key string, now time.Time, span time.Duration) int {
	sh := s.entries.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	w := sh.m[key]
	if w == nil {
		return 0
	}
	cutoff := now.Add(-span)
	n := 0
	for _, ts := range w.stamps {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}

// lookup returns a copy of the entry for signature, if any.
func (c *PatternCache) lookup(signature uint64) (PatternEntry, bool) {
	sh := c.entries.shardFor(signature)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.m[signature]
	if !ok {
		return PatternEntry{}, false
	}
	return *e, true
}
