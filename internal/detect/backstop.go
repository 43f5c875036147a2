package detect

import (
	"sync"
	"time"
	"unsafe"

	"github.com/dgraph-io/ristretto/v2"
)

// backstopMaxCost is the memory budget for backstop buckets (16 MiB).
const backstopMaxCost = 16 << 20

// maxFreshBuckets caps the buckets held outside the cache while ristretto's
// set buffer drains.
const maxFreshBuckets = 4096

var bucketCost = int64(unsafe.Sizeof(bucket{}))

// Backstop is a per-key token bucket that only comes into play while a
// detector is faulting open. It keeps a broken detector from turning into
// unlimited admission.
//
// Buckets live in a ristretto cache: admission, TinyLFU eviction and TTL
// expiry keep the memory bounded no matter how many scope keys are seen
// during the fault. Sets are buffered by ristretto, so a new bucket is also
// kept in a small fresh map until a later Get can see it; the request path
// never waits for the buffer to drain.
type Backstop struct {
	disabled bool
	cache    *ristretto.Cache[string, *bucket]
	rate     float64
	burst    float64
	ttl      time.Duration

	freshMu sync.Mutex
	fresh   map[string]*bucket
}

type bucket struct {
	mu       sync.Mutex
	tokens   float64
	lastTime time.Time
}

// NewBackstop creates a backstop allowing ratePerSecond per key with a burst
// of the same size. A rate <= 0 disables it: Allow always returns true.
func NewBackstop(ratePerSecond float64) *Backstop {
	if ratePerSecond <= 0 {
		return &Backstop{disabled: true}
	}

	estimatedItems := backstopMaxCost / bucketCost
	cache, err := ristretto.NewCache(&ristretto.Config[string, *bucket]{
		NumCounters: estimatedItems * 10,
		MaxCost:     backstopMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		// Only fails with invalid config; the values above are always valid.
		panic("ristretto: " + err.Error())
	}

	burst := ratePerSecond
	if burst < 1 {
		burst = 1
	}
	return &Backstop{
		cache: cache,
		rate:  ratePerSecond,
		burst: burst,
		ttl:   time.Minute,
		fresh: make(map[string]*bucket),
	}
}

// Allow takes one token from key's bucket at now.
func (b *Backstop) Allow(key string, now time.Time) bool {
	if b.disabled {
		return true
	}

	bk, found := b.cache.Get(key)
	if !found {
		var created bool
		if bk, created = b.freshBucket(key, now); created {
			return true
		}
	}

	bk.mu.Lock()
	defer bk.mu.Unlock()

	if elapsed := now.Sub(bk.lastTime).Seconds(); elapsed > 0 {
		bk.tokens = min(bk.tokens+b.rate*elapsed, b.burst)
		bk.lastTime = now
	}

	if bk.tokens >= 1 {
		bk.tokens--
		return true
	}
	return false
}

// freshBucket returns the bucket for a key the cache does not know yet,
// creating it with the first token already taken.
func (b *Backstop) freshBucket(key string, now time.Time) (*bucket, bool) {
	b.freshMu.Lock()
	defer b.freshMu.Unlock()

	if bk, ok := b.fresh[key]; ok {
		return bk, false
	}
	if len(b.fresh) >= maxFreshBuckets {
		// Buckets the cache admitted are still reachable through it.
		clear(b.fresh)
	}
	bk := &bucket{tokens: b.burst - 1, lastTime: now}
	b.fresh[key] = bk
	b.cache.SetWithTTL(key, bk, bucketCost, b.ttl)
	return bk, true
}

// Reset drops all buckets.
func (b *Backstop) Reset() {
	if b.cache == nil {
		return
	}
	b.freshMu.Lock()
	clear(b.fresh)
	b.freshMu.Unlock()
	b.cache.Clear()
}

// Close releases the cache. Safe to call multiple times.
func (b *Backstop) Close() {
	if b.cache != nil {
		b.cache.Close()
	}
}
