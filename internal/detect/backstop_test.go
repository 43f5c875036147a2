package detect

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackstop(t *testing.T) {
	t.Run("disabled backstop always allows", func(t *testing.T) {
		b := NewBackstop(0)
		defer b.Close()
		for i := 0; i < 100; i++ {
			assert.True(t, b.Allow("k", t0))
		}
	})

	t.Run("denies after the burst is spent", func(t *testing.T) {
		b := NewBackstop(3)
		defer b.Close()

		assert.True(t, b.Allow("k", t0))
		assert.True(t, b.Allow("k", t0))
		assert.True(t, b.Allow("k", t0))
		assert.False(t, b.Allow("k", t0))
	})

	t.Run("refills over time", func(t *testing.T) {
		b := NewBackstop(2)
		defer b.Close()

		assert.True(t, b.Allow("k", t0))
		assert.True(t, b.Allow("k", t0))
		assert.False(t, b.Allow("k", t0))
		assert.True(t, b.Allow("k", at(500*time.Millisecond)))
	})

	t.Run("keys have separate buckets", func(t *testing.T) {
		b := NewBackstop(1)
		defer b.Close()

		assert.True(t, b.Allow("a", t0))
		assert.False(t, b.Allow("a", t0))
		assert.True(t, b.Allow("b", t0))
	})

	t.Run("spent buckets outlive the fresh map", func(t *testing.T) {
		b := NewBackstop(1)
		defer b.Close()

		assert.True(t, b.Allow("k", t0))
		b.cache.Wait()
		for i := range maxFreshBuckets {
			b.Allow(fmt.Sprintf("other-%d", i), t0)
		}
		assert.LessOrEqual(t, len(b.fresh), maxFreshBuckets)
		assert.False(t, b.Allow("k", t0))
	})

	t.Run("reset refills every bucket", func(t *testing.T) {
		b := NewBackstop(1)
		defer b.Close()

		assert.True(t, b.Allow("k", t0))
		assert.False(t, b.Allow("k", t0))
		b.Reset()
		assert.True(t, b.Allow("k", t0))
	})

	t.Run("close twice is safe", func(t *testing.T) {
		b := NewBackstop(1)
		b.Close()
		b.Close()
	})
}
