package engine

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reqshield/reqshield/internal/config"
	"github.com/reqshield/reqshield/internal/detect"
	"github.com/reqshield/reqshield/internal/events"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(d time.Duration) {
	c.mu.Lock()
	c.now = t0.Add(d)
	c.mu.Unlock()
}

type captureSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *captureSink) Emit(ev events.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *captureSink) ofType(typ string) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Event
	for _, ev := range s.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// only returns a protection config with every stage off except the ones
// enable turns back on.
func only(enable func(*config.ProtectionConfig)) config.ProtectionConfig {
	p := config.DefaultProtection()
	p.RateLimitEnabled = false
	p.RapidBurstEnabled = false
	p.PatternEnabled = false
	p.CircuitBreakerEnabled = false
	enable(&p)
	return p
}

func newTestEngine(t *testing.T, p config.ProtectionConfig, opts ...Option) (*Engine, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: t0}
	e, err := New(p, append([]Option{WithClock(clk.Now)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e, clk
}

func get(path string) Request {
	return Request{Method: http.MethodGet, Path: path}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	p := config.DefaultProtection()
	p.RateLimitRequests = 0
	_, err := New(p)
	var verr *config.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestRateLimit(t *testing.T) {
	p := only(func(p *config.ProtectionConfig) {
		p.RateLimitEnabled = true
		p.RateLimitRequests = 3
		p.RateLimitWindowSeconds = 10
	})

	t.Run("blocks the request past the limit", func(t *testing.T) {
		e, clk := newTestEngine(t, p)

		for i := range 3 {
			clk.Set(time.Duration(i) * time.Second)
			d := e.Check(get("/api/items"))
			require.True(t, d.Allowed, "request %d", i+1)
			assert.Equal(t, "GET /api/items", d.Scope)
		}

		clk.Set(4 * time.Second)
		d := e.Check(get("/api/items"))
		assert.False(t, d.Allowed)
		assert.Equal(t, http.StatusTooManyRequests, d.StatusCode)
		assert.Equal(t, ReasonRateLimited, d.Reason)
		assert.Equal(t, DetailRateLimited, d.Detail)
		// Oldest sample (t=0) leaves the window at t=10s.
		assert.Equal(t, 6*time.Second, d.RetryAfter)
		assert.Equal(t, 6, d.RetryAfterSeconds())
	})

	t.Run("admits again once the oldest sample leaves the window", func(t *testing.T) {
		e, clk := newTestEngine(t, p)
		for range 3 {
			require.True(t, e.Check(get("/a")).Allowed)
		}
		require.False(t, e.Check(get("/a")).Allowed)

		clk.Set(10 * time.Second)
		assert.True(t, e.Check(get("/a")).Allowed)
	})

	t.Run("keys are independent", func(t *testing.T) {
		e, _ := newTestEngine(t, p)
		for range 3 {
			require.True(t, e.Check(get("/a")).Allowed)
		}
		assert.False(t, e.Check(get("/a")).Allowed)
		assert.True(t, e.Check(get("/b")).Allowed)
		assert.True(t, e.Check(Request{Method: http.MethodPost, Path: "/a"}).Allowed)
	})

	t.Run("scope by client separates callers", func(t *testing.T) {
		pc := p
		pc.ScopeByClient = true
		e, _ := newTestEngine(t, pc)

		for range 3 {
			require.True(t, e.Check(Request{Method: "GET", Path: "/a", ClientID: "10.0.0.1"}).Allowed)
		}
		assert.False(t, e.Check(Request{Method: "GET", Path: "/a", ClientID: "10.0.0.1"}).Allowed)
		assert.True(t, e.Check(Request{Method: "GET", Path: "/a", ClientID: "10.0.0.2"}).Allowed)
	})
}

func TestRapidBurst(t *testing.T) {
	e, clk := newTestEngine(t, only(func(p *config.ProtectionConfig) {
		p.RapidBurstEnabled = true
		p.RapidRequestThreshold = 3
		p.RapidRequestWindowSeconds = 1
	}))

	for i := range 3 {
		clk.Set(time.Duration(i) * 100 * time.Millisecond)
		require.True(t, e.Check(get("/search")).Allowed)
	}

	clk.Set(300 * time.Millisecond)
	d := e.Check(get("/search"))
	assert.False(t, d.Allowed)
	assert.Equal(t, http.StatusTooManyRequests, d.StatusCode)
	assert.Equal(t, ReasonRapidBurst, d.Reason)
	assert.Equal(t, DetailRapidBurst, d.Detail)
	assert.Equal(t, 700*time.Millisecond, d.RetryAfter)
	assert.Equal(t, 1, d.RetryAfterSeconds())
}

func TestIdenticalRequestPattern(t *testing.T) {
	p := only(func(p *config.ProtectionConfig) {
		p.PatternEnabled = true
		p.IdenticalRequestThreshold = 5
		p.PatternCacheWindowSeconds = 5
		p.PatternIncludeQuery = true
	})

	t.Run("blocks once the count reaches the threshold", func(t *testing.T) {
		e, clk := newTestEngine(t, p)
		req := Request{Method: "GET", Path: "/report", Query: "id=7"}

		for i := range 4 {
			clk.Set(time.Duration(i) * time.Second)
			require.True(t, e.Check(req).Allowed, "request %d", i+1)
		}

		clk.Set(4 * time.Second)
		d := e.Check(req)
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonIdenticalRequest, d.Reason)
		assert.Equal(t, DetailIdenticalRequest, d.Detail)
		assert.Equal(t, time.Second, d.RetryAfter)

		// A different query is a different pattern.
		assert.True(t, e.Check(Request{Method: "GET", Path: "/report", Query: "id=8"}).Allowed)

		// The entry expires span after its first occurrence.
		clk.Set(5*time.Second + time.Millisecond)
		assert.True(t, e.Check(req).Allowed)
	})

	t.Run("query is ignored when not part of the signature", func(t *testing.T) {
		pc := p
		pc.PatternIncludeQuery = false
		pc.IdenticalRequestThreshold = 2
		e, _ := newTestEngine(t, pc)

		require.True(t, e.Check(Request{Method: "GET", Path: "/r", Query: "a=1"}).Allowed)
		assert.False(t, e.Check(Request{Method: "GET", Path: "/r", Query: "a=2"}).Allowed)
	})

	t.Run("body hash separates patterns when enabled", func(t *testing.T) {
		pc := p
		pc.PatternIncludeBody = true
		pc.IdenticalRequestThreshold = 2
		e, _ := newTestEngine(t, pc)

		require.True(t, e.Check(Request{Method: "POST", Path: "/r", BodyHash: 1}).Allowed)
		assert.True(t, e.Check(Request{Method: "POST", Path: "/r", BodyHash: 2}).Allowed)
		assert.False(t, e.Check(Request{Method: "POST", Path: "/r", BodyHash: 1}).Allowed)
	})
}

func TestBlockedRequestsDoNotConsumeUpstreamWindows(t *testing.T) {
	e, clk := newTestEngine(t, only(func(p *config.ProtectionConfig) {
		p.RateLimitEnabled = true
		p.RateLimitRequests = 5
		p.RateLimitWindowSeconds = 10
		p.RapidBurstEnabled = true
		p.RapidRequestThreshold = 3
		p.RapidRequestWindowSeconds = 1
	}))

	step := func(ms int) Decision {
		clk.Set(time.Duration(ms) * time.Millisecond)
		return e.Check(get("/feed"))
	}

	for _, ms := range []int{0, 50, 100} {
		require.True(t, step(ms).Allowed)
	}
	for _, ms := range []int{150, 200} {
		d := step(ms)
		require.False(t, d.Allowed)
		assert.Equal(t, ReasonRapidBurst, d.Reason)
	}

	// The rapid window has drained; the rate window still holds only the
	// three admitted requests.
	require.True(t, step(1100).Allowed)
	require.True(t, step(1150).Allowed)

	d := step(1200)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonRateLimited, d.Reason)
}

func TestEndToEndBurst(t *testing.T) {
	p := config.DefaultProtection()
	p.RateLimitRequests = 5
	p.RateLimitWindowSeconds = 10
	p.RapidRequestThreshold = 3
	p.RapidRequestWindowSeconds = 1
	p.IdenticalRequestThreshold = 5
	p.PatternCacheWindowSeconds = 5
	p.CircuitBreakerFailureThreshold = 10
	p.CircuitBreakerTimeoutSeconds = 30
	e, clk := newTestEngine(t, p)

	for i := range 12 {
		clk.Set(time.Duration(i) * 50 * time.Millisecond)
		d := e.Check(get("/api/profile"))
		if i < 3 {
			require.True(t, d.Allowed, "request %d", i+1)
			e.Report(d, true)
			continue
		}
		require.False(t, d.Allowed, "request %d", i+1)
		assert.Equal(t, ReasonRapidBurst, d.Reason, "request %d", i+1)
		assert.Equal(t, DetailRapidBurst, d.Detail)
	}

	st := e.Status(0)
	assert.Equal(t, uint64(3), st.Totals.Allowed)
	assert.Equal(t, uint64(9), st.Totals.RapidBurst)
	assert.Equal(t, detect.StateClosed, st.Breaker.State)
}

func TestResetMatchesFreshEngine(t *testing.T) {
	p := config.DefaultProtection()
	p.RateLimitRequests = 5
	p.RateLimitWindowSeconds = 10
	p.RapidRequestThreshold = 3
	p.RapidRequestWindowSeconds = 1
	p.IdenticalRequestThreshold = 5
	p.PatternCacheWindowSeconds = 5
	p.CircuitBreakerFailureThreshold = 10
	p.CircuitBreakerTimeoutSeconds = 30

	replay := func(e *Engine, clk *fakeClock, base time.Duration) []Verdict {
		var out []Verdict
		for i := range 12 {
			clk.Set(base + time.Duration(i)*50*time.Millisecond)
			d := e.Check(get("/api/profile"))
			if d.Allowed {
				e.Report(d, true)
			}
			out = append(out, d.Verdict)
		}
		return out
	}

	fresh, freshClk := newTestEngine(t, p)
	want := replay(fresh, freshClk, 0)
	wantStatus := fresh.Status(0)

	used, clk := newTestEngine(t, p)
	// Fill the windows for the replayed scope and open the breaker.
	replay(used, clk, 0)
	for i := range 10 {
		d := used.Check(get(fmt.Sprintf("/fail/%d", i)))
		require.True(t, d.Allowed)
		used.Report(d, false)
	}
	require.Equal(t, detect.StateOpen, used.Status(0).Breaker.State)
	require.NotZero(t, used.Status(0).Detectors.RapidBurst.TrackedKeys)

	used.Reset()
	used.Reset()

	assert.Equal(t, want, replay(used, clk, 700*time.Millisecond))
	got := used.Status(0)
	assert.Equal(t, wantStatus.Totals, got.Totals)
	assert.Equal(t, wantStatus.Detectors, got.Detectors)
	assert.Equal(t, wantStatus.Faults, got.Faults)
	assert.Equal(t, wantStatus.Breaker, got.Breaker)
	assert.Len(t, got.Offenders, len(wantStatus.Offenders))
}

func TestCircuitBreaker(t *testing.T) {
	p := only(func(p *config.ProtectionConfig) {
		p.CircuitBreakerEnabled = true
		p.CircuitBreakerFailureThreshold = 2
		p.CircuitBreakerTimeoutSeconds = 30
	})

	fail := func(t *testing.T, e *Engine) {
		d := e.Check(get("/x"))
		require.True(t, d.Allowed)
		e.Report(d, false)
	}

	t.Run("opens after consecutive failures and recovers through a trial", func(t *testing.T) {
		sink := &captureSink{}
		e, clk := newTestEngine(t, p, WithEventSink(sink))

		fail(t, e)
		fail(t, e)
		assert.Equal(t, detect.StateOpen, e.Status(0).Breaker.State)

		clk.Set(10 * time.Second)
		d := e.Check(get("/x"))
		assert.False(t, d.Allowed)
		assert.Equal(t, http.StatusServiceUnavailable, d.StatusCode)
		assert.Equal(t, ReasonCircuitOpen, d.Reason)
		assert.Equal(t, DetailCircuitOpen, d.Detail)
		assert.Equal(t, 20*time.Second, d.RetryAfter)

		clk.Set(30 * time.Second)
		trial := e.Check(get("/x"))
		require.True(t, trial.Allowed)
		assert.Equal(t, detect.StateHalfOpen, e.Status(0).Breaker.State)

		// Only one trial at a time.
		assert.Equal(t, ReasonCircuitOpen, e.Check(get("/y")).Reason)

		e.Report(trial, true)
		assert.Equal(t, detect.StateClosed, e.Status(0).Breaker.State)
		assert.True(t, e.Check(get("/x")).Allowed)

		transitions := sink.ofType(events.TypeBreakerTransition)
		require.Len(t, transitions, 3)
		assert.Equal(t, "closed", transitions[0].From)
		assert.Equal(t, "open", transitions[0].To)
		assert.Equal(t, "half_open", transitions[1].To)
		assert.Equal(t, "closed", transitions[2].To)
	})

	t.Run("a failed trial reopens the breaker", func(t *testing.T) {
		e, clk := newTestEngine(t, p)
		fail(t, e)
		fail(t, e)

		clk.Set(30 * time.Second)
		trial := e.Check(get("/x"))
		require.True(t, trial.Allowed)
		e.Report(trial, false)

		st := e.Status(0).Breaker
		assert.Equal(t, detect.StateOpen, st.State)
		require.NotNil(t, st.OpenedAt)
		assert.Equal(t, t0.Add(30*time.Second), *st.OpenedAt)
	})

	t.Run("a success resets the failure count", func(t *testing.T) {
		e, _ := newTestEngine(t, p)
		fail(t, e)
		d := e.Check(get("/x"))
		e.Report(d, true)
		fail(t, e)
		assert.Equal(t, detect.StateClosed, e.Status(0).Breaker.State)
	})

	t.Run("reporting the same decision twice counts once", func(t *testing.T) {
		e, _ := newTestEngine(t, p)
		d := e.Check(get("/x"))
		e.Report(d, false)
		e.Report(d, false)
		assert.Equal(t, 1, e.Status(0).Breaker.ConsecutiveFailures)
	})

	t.Run("a trial blocked by a later stage releases the slot", func(t *testing.T) {
		pc := p
		pc.RateLimitEnabled = true
		pc.RateLimitRequests = 1
		pc.RateLimitWindowSeconds = 60
		e, clk := newTestEngine(t, pc)

		// /busy uses up its rate budget before the breaker opens.
		busy := e.Check(get("/busy"))
		require.True(t, busy.Allowed)
		e.Report(busy, true)
		for _, path := range []string{"/f1", "/f2"} {
			d := e.Check(get(path))
			require.True(t, d.Allowed)
			e.Report(d, false)
		}
		require.Equal(t, detect.StateOpen, e.Status(0).Breaker.State)

		clk.Set(30 * time.Second)
		blocked := e.Check(get("/busy"))
		require.False(t, blocked.Allowed)
		assert.Equal(t, ReasonRateLimited, blocked.Reason)

		next := e.Check(get("/other"))
		require.True(t, next.Allowed, "trial slot must be free again")
		e.Report(next, true)
		assert.Equal(t, detect.StateClosed, e.Status(0).Breaker.State)
	})

	t.Run("a released decision leaves the breaker untouched", func(t *testing.T) {
		e, _ := newTestEngine(t, p)
		fail(t, e)

		d := e.Check(get("/x"))
		require.True(t, d.Allowed)
		e.Release(d)
		e.Report(d, false)
		assert.Equal(t, 1, e.Status(0).Breaker.ConsecutiveFailures)
	})

	t.Run("a released trial frees the slot", func(t *testing.T) {
		e, clk := newTestEngine(t, p)
		fail(t, e)
		fail(t, e)

		clk.Set(30 * time.Second)
		trial := e.Check(get("/x"))
		require.True(t, trial.Allowed)
		e.Release(trial)
		assert.Equal(t, detect.StateHalfOpen, e.Status(0).Breaker.State)

		next := e.Check(get("/y"))
		require.True(t, next.Allowed, "trial slot must be free again")
		e.Report(next, true)
		assert.Equal(t, detect.StateClosed, e.Status(0).Breaker.State)
	})
}

func TestDisabledProtectionAllowsEverything(t *testing.T) {
	p := config.DefaultProtection()
	p.Enabled = false
	p.RateLimitRequests = 1
	e, _ := newTestEngine(t, p)

	for range 20 {
		assert.True(t, e.Check(get("/a")).Allowed)
	}
}

func TestBlockedEventsAndOffenders(t *testing.T) {
	sink := &captureSink{}
	e, _ := newTestEngine(t, only(func(p *config.ProtectionConfig) {
		p.RateLimitEnabled = true
		p.RateLimitRequests = 1
	}), WithEventSink(sink), WithMaxOffenders(10))

	e.Check(get("/a"))
	e.Check(Request{Method: "GET", Path: "/a", RequestID: "req-1", ClientID: "1.2.3.4"})
	e.Check(get("/a"))
	e.Check(get("/b"))
	e.Check(get("/b"))

	blocked := sink.ofType(events.TypeBlocked)
	require.Len(t, blocked, 3)
	assert.Equal(t, "GET /a", blocked[0].Scope)
	assert.Equal(t, string(ReasonRateLimited), blocked[0].Reason)
	assert.Equal(t, http.StatusTooManyRequests, blocked[0].StatusCode)
	assert.Equal(t, "req-1", blocked[0].RequestID)
	assert.Equal(t, "1.2.3.4", blocked[0].ClientID)
	assert.Equal(t, 60, blocked[0].RetryAfterSeconds)

	st := e.Status(0)
	require.Len(t, st.Offenders, 2)
	assert.Equal(t, "GET /a", st.Offenders[0].Scope)
	assert.Equal(t, uint64(2), st.Offenders[0].Blocked)
	assert.Equal(t, "GET /b", st.Offenders[1].Scope)

	assert.Len(t, e.Status(1).Offenders, 1)
	assert.Equal(t, uint64(5), st.Totals.Checked)
	assert.Equal(t, uint64(2), st.Totals.Allowed)
	assert.Equal(t, uint64(3), st.Totals.RateLimited)
}

func TestConfigure(t *testing.T) {
	e, _ := newTestEngine(t, only(func(p *config.ProtectionConfig) {
		p.RateLimitEnabled = true
		p.RateLimitRequests = 1
	}))
	require.True(t, e.Check(get("/a")).Allowed)
	require.False(t, e.Check(get("/a")).Allowed)

	limit := 3
	s, err := e.Configure(config.ProtectionPatch{RateLimitRequests: &limit})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), s.Version)
	assert.Equal(t, 3, e.Settings().RateLimitRequests)

	// The new limit applies to existing windows immediately.
	assert.True(t, e.Check(get("/a")).Allowed)

	bad := -1
	_, err = e.Configure(config.ProtectionPatch{RateLimitRequests: &bad})
	var verr *config.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, uint64(2), e.Settings().Version)
}

func TestReset(t *testing.T) {
	e, _ := newTestEngine(t, only(func(p *config.ProtectionConfig) {
		p.RateLimitEnabled = true
		p.RateLimitRequests = 1
		p.CircuitBreakerEnabled = true
		p.CircuitBreakerFailureThreshold = 1
	}))

	d := e.Check(get("/a"))
	e.Report(d, false)
	require.Equal(t, detect.StateOpen, e.Status(0).Breaker.State)
	version := e.Settings().Version

	e.Reset()
	e.Reset()

	st := e.Status(0)
	assert.Equal(t, detect.StateClosed, st.Breaker.State)
	assert.Equal(t, Totals{}, st.Totals)
	assert.Empty(t, st.Offenders)
	assert.Equal(t, 0, st.Detectors.RateLimit.TrackedKeys)
	assert.Equal(t, version, st.Config.Version)

	assert.True(t, e.Check(get("/a")).Allowed)
}

func TestConcurrentChecksHonorTheLimit(t *testing.T) {
	e, _ := newTestEngine(t, only(func(p *config.ProtectionConfig) {
		p.RateLimitEnabled = true
		p.RateLimitRequests = 50
	}))

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if e.Check(get("/hot")).Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), allowed.Load())
}

func TestSweep(t *testing.T) {
	p := config.DefaultProtection()
	p.CircuitBreakerEnabled = false
	e, _ := newTestEngine(t, p)

	e.Check(get("/a"))
	e.Check(get("/b"))

	res := e.Sweep(t0.Add(30 * time.Second))
	assert.Equal(t, 0, res.RateLimit, "rate windows are still live")
	assert.Equal(t, 2, res.RapidBurst)
	assert.Equal(t, 2, res.Pattern)

	res = e.Sweep(t0.Add(2 * time.Minute))
	assert.Equal(t, 2, res.RateLimit)
}
