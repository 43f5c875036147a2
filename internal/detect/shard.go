// Package detect implements the per-key detectors used by the protection
// engine: sliding-window counters, the identical-request pattern cache, the
// circuit breaker and the fail-open backstop.
//
// All detectors take the current time as an argument instead of reading a
// clock, so the engine decides what "now" is for a request and tests can
// drive time explicitly.
package detect

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 64

// shardedMap spreads keys over independently locked shards so that traffic
// for different keys does not contend on one mutex.
type shardedMap[K comparable, V any] struct {
	hash   func(K) uint64
	shards [shardCount]shard[K, V]
}

type shard[K comparable, V any] struct {
	mu sync.Mutex
	m  map[K]V
}

func newShardedMap[K comparable, V any](hash func(K) uint64) *shardedMap[K, V] {
	s := &shardedMap[K, V]{hash: hash}
	for i := range s.shards {
		s.shards[i].m = make(map[K]V)
	}
	return s
}

func newStringMap[V any]() *shardedMap[string, V] {
	return newShardedMap[string, V](xxhash.Sum64String)
}

// shardFor returns the locked-by-caller shard owning key.
func (s *shardedMap[K, V]) shardFor(key K) *shard[K, V] {
	return &s.shards[s.hash(key)%shardCount]
}

// sweep calls drop for every entry under its shard lock and deletes the
// entries for which it returns true. It returns the number removed.
func (s *shardedMap[K, V]) sweep(drop func(K, V) bool) int {
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, v := range sh.m {
			if drop(k, v) {
				delete(sh.m, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

func (s *shardedMap[K, V]) len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.m)
		sh.mu.Unlock()
	}
	return n
}

func (s *shardedMap[K, V]) clear() {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		clear(sh.m)
		sh.mu.Unlock()
	}
}
