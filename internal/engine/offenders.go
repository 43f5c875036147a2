package engine

import (
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Offender summarizes the blocks recorded for one scope key.
type Offender struct {
	Scope       string    `json:"scope"`
	Blocked     uint64    `json:"blocked"`
	LastReason  Reason    `json:"lastReason"`
	LastBlocked time.Time `json:"lastBlocked"`
}

// offenders remembers the most recently blocked scope keys. The LRU bound
// keeps memory flat when a flood spreads over many keys.
type offenders struct {
	mu    sync.Mutex
	cache *lru.Cache[string, Offender]
}

func newOffenders(size int) *offenders {
	if size <= 0 {
		return &offenders{}
	}
	cache, err := lru.New[string, Offender](size)
	if err != nil {
		// Only fails for a non-positive size, excluded above.
		panic("lru: " + err.Error())
	}
	return &offenders{cache: cache}
}

func (o *offenders) record(scope string, reason Reason, at time.Time) {
	if o.cache == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	off, _ := o.cache.Get(scope)
	off.Scope = scope
	off.Blocked++
	off.LastReason = reason
	off.LastBlocked = at
	o.cache.Add(scope, off)
}

// top returns up to n offenders, most blocked first.
func (o *offenders) top(n int) []Offender {
	if o.cache == nil {
		return []Offender{}
	}
	o.mu.Lock()
	out := o.cache.Values()
	o.mu.Unlock()

	slices.SortFunc(out, func(a, b Offender) int {
		if a.Blocked != b.Blocked {
			if a.Blocked > b.Blocked {
				return -1
			}
			return 1
		}
		return b.LastBlocked.Compare(a.LastBlocked)
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func (o *offenders) purge() {
	if o.cache == nil {
		return
	}
	o.mu.Lock()
	o.cache.Purge()
	o.mu.Unlock()
}
