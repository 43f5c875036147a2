// Package engine implements the request-protection pipeline: for every
// request it consults the circuit breaker, the rate limiter, the rapid-burst
// detector and the identical-request pattern cache, in that order, and stops
// at the first one that blocks.
package engine

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/reqshield/reqshield/internal/classify"
	"github.com/reqshield/reqshield/internal/config"
	"github.com/reqshield/reqshield/internal/detect"
	"github.com/reqshield/reqshield/internal/events"
)

// Reason identifies which stage blocked a request.
type Reason string

const (
	ReasonCircuitOpen      Reason = "circuit_open"
	ReasonRateLimited      Reason = "rate_limited"
	ReasonRapidBurst       Reason = "rapid_burst"
	ReasonIdenticalRequest Reason = "identical_request"
)

// Detail messages sent to clients. They are part of the wire contract.
const (
	DetailCircuitOpen      = "Service Temporarily Unavailable"
	DetailRateLimited      = "Rate Limit Exceeded"
	DetailRapidBurst       = "Rapid Request Pattern Detected"
	DetailIdenticalRequest = "Identical Request Pattern Detected"
)

// Detector names used in fault counters, metrics and logs.
const (
	DetectorBreaker   = "circuit_breaker"
	DetectorRateLimit = "rate_limit"
	DetectorRapid     = "rapid_burst"
	DetectorPattern   = "pattern"
)

// Request is what the engine needs to know about an inbound request.
type Request struct {
	Method   string
	Path     string
	Query    string
	ClientID string

	// BodyHash is folded into the pattern signature when body matching is
	// enabled. Zero means no body.
	BodyHash uint64

	// RequestID is carried into emitted events.
	RequestID string

	// Time overrides the engine clock for this request when non-zero.
	Time time.Time
}

// Verdict is the admission decision for one request.
type Verdict struct {
	Allowed    bool
	StatusCode int
	Reason     Reason
	Detail     string
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, with a minimum of
// one so that clients always back off.
func (v Verdict) RetryAfterSeconds() int {
	secs := int(math.Ceil(v.RetryAfter.Seconds()))
	return max(secs, 1)
}

// Decision is a Verdict plus what the engine needs to account for the
// request's outcome. Every allowed Decision must be passed to Report once
// the handler has finished.
type Decision struct {
	Verdict
	Scope    string
	Settings *Settings

	trial    bool
	breaker  bool // the breaker admitted this request and wants its outcome
	reported *atomic.Bool
}

// WindowDetector is the contract of the rate and rapid-burst detectors.
type WindowDetector interface {
	RecordAndCheck(key string, now time.Time, limit int, span time.Duration) detect.Result
	Forget(key string, at time.Time)
	Sweep(now time.Time, span time.Duration) int
	Reset()
	Stats() detect.Stats
}

// PatternDetector is the contract of the identical-request detector.
type PatternDetector interface {
	RecordAndCheck(signature uint64, now time.Time, limit int, span time.Duration) detect.Result
	Sweep(now time.Time, span time.Duration) int
	Reset()
	Stats() detect.Stats
}

// CircuitBreaker is the contract of the breaker stage.
type CircuitBreaker interface {
	Check(now time.Time, timeout time.Duration) detect.BreakerDecision
	ReportOutcome(isTrial, success bool, now time.Time, threshold int)
	ReleaseTrial()
	Snapshot() detect.BreakerSnapshot
	Reset(now time.Time)
}

// Recorder receives engine metrics.
type Recorder interface {
	ObserveDecision(reason string, elapsed time.Duration)
	IncDetectorFault(detector string)
	IncBackstopRejected()
	RecordBreakerTransition(to detect.BreakerState)
}

// EventSink receives block and breaker events. Emit must not block.
type EventSink interface {
	Emit(ev events.Event)
}

type noopRecorder struct{}

func (noopRecorder) ObserveDecision(string, time.Duration)         {}
func (noopRecorder) IncDetectorFault(string)                       {}
func (noopRecorder) IncBackstopRejected()                          {}
func (noopRecorder) RecordBreakerTransition(to detect.BreakerState) {}

// Engine owns all detector state for one guarded resource. Several engines
// can coexist (for example one per tenant); they share nothing.
type Engine struct {
	store      *Store
	classifier classify.Classifier

	rate    WindowDetector
	rapid   WindowDetector
	pattern PatternDetector
	breaker CircuitBreaker

	backstop  *detect.Backstop
	offenders *offenders

	recorder Recorder
	events   EventSink
	logger   *slog.Logger
	faultLog *rate.Limiter
	now      func() time.Time

	totals counters
	faults faultCounters
}

type counters struct {
	checked    atomic.Uint64
	allowed    atomic.Uint64
	circuit    atomic.Uint64
	rateLimit  atomic.Uint64
	rapidBurst atomic.Uint64
	identical  atomic.Uint64
}

type faultCounters struct {
	breaker atomic.Uint64
	rate    atomic.Uint64
	rapid   atomic.Uint64
	pattern atomic.Uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger used for detector faults.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithEventSink sets where block and breaker events go.
func WithEventSink(s EventSink) Option {
	return func(e *Engine) { e.events = s }
}

// WithClassifier sets the scope classifier.
func WithClassifier(c classify.Classifier) Option {
	return func(e *Engine) { e.classifier = c }
}

// WithBackstop caps per-scope throughput at rps while a detector is faulting
// open. 0 disables the cap.
func WithBackstop(rps float64) Option {
	return func(e *Engine) { e.backstop = detect.NewBackstop(rps) }
}

// WithMaxOffenders bounds the recent-offender list.
func WithMaxOffenders(n int) Option {
	return func(e *Engine) { e.offenders = newOffenders(n) }
}

// WithFaultLogInterval limits detector fault logging to one line per
// interval (with a small burst).
func WithFaultLogInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.faultLog = rate.NewLimiter(rate.Every(d), 3)
		}
	}
}

// WithDetectors replaces the built-in detectors. Nil arguments keep the
// defaults.
func WithDetectors(rateLimit, rapid WindowDetector, pattern PatternDetector, breaker CircuitBreaker) Option {
	return func(e *Engine) {
		if rateLimit != nil {
			e.rate = rateLimit
		}
		if rapid != nil {
			e.rapid = rapid
		}
		if pattern != nil {
			e.pattern = pattern
		}
		if breaker != nil {
			e.breaker = breaker
		}
	}
}

// New builds an engine with the given initial protection config.
func New(initial config.ProtectionConfig, opts ...Option) (*Engine, error) {
	store, err := NewStore(initial)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		store:     store,
		rate:      detect.NewSlidingWindow(),
		rapid:     detect.NewSlidingWindow(),
		pattern:   detect.NewPatternCache(),
		backstop:  detect.NewBackstop(0),
		offenders: newOffenders(100),
		recorder:  noopRecorder{},
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		faultLog:  rate.NewLimiter(rate.Every(10*time.Second), 3),
		now:       time.Now,
	}
	e.breaker = detect.NewBreaker(e.onBreakerTransition)

	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Store exposes the config store.
func (e *Engine) Store() *Store { return e.store }

// Settings returns the current protection snapshot.
func (e *Engine) Settings() *Settings { return e.store.Load() }

// Configure applies a partial update and returns the new snapshot.
func (e *Engine) Configure(patch config.ProtectionPatch) (*Settings, error) {
	s, err := e.store.Apply(patch)
	if err != nil {
		return nil, err
	}
	e.logger.Info("protection config updated", "version", s.Version)
	return s, nil
}

// Check runs the pipeline for req.
func (e *Engine) Check(req Request) Decision {
	start := time.Now()
	now := req.Time
	if now.IsZero() {
		now = e.now()
	}
	s := e.store.Load()
	e.totals.checked.Add(1)

	scope := e.classifier.Scope(req.Method, req.Path, req.ClientID, s.ScopeByClient)
	d := Decision{Scope: scope, Settings: s, reported: new(atomic.Bool)}

	if !s.Enabled {
		return e.allow(d, start)
	}

	// Admissions recorded by earlier stages are undone when a later stage
	// blocks, so a blocked request leaves no trace in upstream windows.
	var undo []func()
	block := func(v Verdict) Decision {
		for i := len(undo) - 1; i >= 0; i-- {
			e.guard("rollback", undo[i])
		}
		d.Verdict = v
		return e.blocked(d, req, now, start)
	}

	if s.CircuitBreakerEnabled {
		var bd detect.BreakerDecision
		if !e.guard(DetectorBreaker, func() { bd = e.breaker.Check(now, s.CircuitBreakerTimeout()) }) {
			// An unreadable breaker counts as open.
			return block(circuitOpen(s.CircuitBreakerTimeout()))
		}
		if !bd.Allowed {
			return block(circuitOpen(bd.RetryAfter))
		}
		d.breaker = true
		d.trial = bd.IsTrial
		if bd.IsTrial {
			undo = append(undo, e.breaker.ReleaseTrial)
		}
	}

	faulted := false

	if s.RateLimitEnabled {
		res, ok := e.checkWindow(DetectorRateLimit, e.rate, scope, now, s.RateLimitRequests, s.RateLimitWindow())
		switch {
		case !ok:
			faulted = true
		case !res.Allowed:
			return block(Verdict{StatusCode: http.StatusTooManyRequests, Reason: ReasonRateLimited, Detail: DetailRateLimited, RetryAfter: res.RetryAfter})
		default:
			undo = append(undo, func() { e.rate.Forget(scope, res.Recorded) })
		}
	}

	if s.RapidBurstEnabled {
		res, ok := e.checkWindow(DetectorRapid, e.rapid, scope, now, s.RapidRequestThreshold, s.RapidRequestWindow())
		switch {
		case !ok:
			faulted = true
		case !res.Allowed:
			return block(Verdict{StatusCode: http.StatusTooManyRequests, Reason: ReasonRapidBurst, Detail: DetailRapidBurst, RetryAfter: res.RetryAfter})
		default:
			undo = append(undo, func() { e.rapid.Forget(scope, res.Recorded) })
		}
	}

	if s.PatternEnabled {
		var query string
		if s.PatternIncludeQuery {
			query = req.Query
		}
		var bodyHash uint64
		if s.PatternIncludeBody {
			bodyHash = req.BodyHash
		}
		sig := classify.Signature(scope, query, bodyHash)

		var res detect.Result
		ok := e.guard(DetectorPattern, func() {
			res = e.pattern.RecordAndCheck(sig, now, s.IdenticalRequestThreshold, s.PatternCacheWindow())
		})
		switch {
		case !ok:
			faulted = true
		case !res.Allowed:
			return block(Verdict{StatusCode: http.StatusTooManyRequests, Reason: ReasonIdenticalRequest, Detail: DetailIdenticalRequest, RetryAfter: res.RetryAfter})
		}
	}

	if faulted && !e.backstop.Allow(scope, now) {
		e.recorder.IncBackstopRejected()
		return block(Verdict{StatusCode: http.StatusTooManyRequests, Reason: ReasonRateLimited, Detail: DetailRateLimited, RetryAfter: time.Second})
	}

	return e.allow(d, start)
}

// Report feeds the handler outcome of an allowed request back into the
// circuit breaker. Calls for blocked decisions and repeated calls for the
// same decision are ignored.
func (e *Engine) Report(d Decision, success bool) {
	if !d.Allowed || d.reported == nil || !d.reported.CompareAndSwap(false, true) {
		return
	}
	if !d.breaker {
		return
	}
	threshold := e.store.Load().CircuitBreakerFailureThreshold
	now := e.now()
	e.guard(DetectorBreaker, func() { e.breaker.ReportOutcome(d.trial, success, now, threshold) })
}

// Release settles an allowed decision without an outcome, for requests the
// client abandoned before the backend answered. A held half-open trial slot is
// given back so the next request can probe the backend.
func (e *Engine) Release(d Decision) {
	if !d.Allowed || d.reported == nil || !d.reported.CompareAndSwap(false, true) {
		return
	}
	if d.trial {
		e.guard(DetectorBreaker, e.breaker.ReleaseTrial)
	}
}

func (e *Engine) checkWindow(name string, w WindowDetector, scope string, now time.Time, limit int, span time.Duration) (detect.Result, bool) {
	var res detect.Result
	ok := e.guard(name, func() { res = w.RecordAndCheck(scope, now, limit, span) })
	return res, ok
}

func (e *Engine) allow(d Decision, start time.Time) Decision {
	d.Verdict = Verdict{Allowed: true, StatusCode: http.StatusOK}
	e.totals.allowed.Add(1)
	e.recorder.ObserveDecision("", time.Since(start))
	return d
}

func (e *Engine) blocked(d Decision, req Request, now, start time.Time) Decision {
	switch d.Reason {
	case ReasonCircuitOpen:
		e.totals.circuit.Add(1)
	case ReasonRateLimited:
		e.totals.rateLimit.Add(1)
	case ReasonRapidBurst:
		e.totals.rapidBurst.Add(1)
	case ReasonIdenticalRequest:
		e.totals.identical.Add(1)
	}
	e.offenders.record(d.Scope, d.Reason, now)
	e.recorder.ObserveDecision(string(d.Reason), time.Since(start))

	if e.events != nil {
		e.events.Emit(events.Event{
			Type:              events.TypeBlocked,
			Scope:             d.Scope,
			Reason:            string(d.Reason),
			StatusCode:        d.StatusCode,
			RetryAfterSeconds: d.RetryAfterSeconds(),
			Method:            req.Method,
			Path:              req.Path,
			ClientID:          req.ClientID,
			RequestID:         req.RequestID,
			Timestamp:         now.UTC().Format(time.RFC3339Nano),
		})
	}
	return d
}

func circuitOpen(retry time.Duration) Verdict {
	return Verdict{
		StatusCode: http.StatusServiceUnavailable,
		Reason:     ReasonCircuitOpen,
		Detail:     DetailCircuitOpen,
		RetryAfter: retry,
	}
}

// guard runs fn and converts a panic into a logged, counted detector fault.
// It reports whether fn completed normally.
func (e *Engine) guard(detector string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			e.fault(detector, r)
		}
	}()
	fn()
	return true
}

func (e *Engine) fault(detector string, cause any) {
	switch detector {
	case DetectorBreaker:
		e.faults.breaker.Add(1)
	case DetectorRateLimit:
		e.faults.rate.Add(1)
	case DetectorRapid:
		e.faults.rapid.Add(1)
	case DetectorPattern:
		e.faults.pattern.Add(1)
	}
	e.recorder.IncDetectorFault(detector)
	if e.faultLog.Allow() {
		e.logger.Error("detector fault", "detector", detector, "error", fmt.Sprint(cause))
	}
}

func (e *Engine) onBreakerTransition(from, to detect.BreakerState, at time.Time) {
	e.recorder.RecordBreakerTransition(to)
	e.logger.Warn("circuit breaker state changed", "from", from.String(), "to", to.String())
	if e.events != nil {
		e.events.Emit(events.Event{
			Type:      events.TypeBreakerTransition,
			From:      from.String(),
			To:        to.String(),
			Timestamp: at.UTC().Format(time.RFC3339Nano),
		})
	}
}

// Close releases background resources held by the engine.
func (e *Engine) Close() {
	e.backstop.Close()
}
