// Package middleware puts the protection engine in front of an http.Handler.
// Every request is classified, checked against the engine and either
// rejected with the blocked-response contract or passed on; the handler's
// outcome is reported back to the engine's circuit breaker.
package middleware

import (
	"bytes"
	cryptorand "crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/reqshield/reqshield/internal/classify"
	"github.com/reqshield/reqshield/internal/engine"
	"github.com/reqshield/reqshield/internal/observability"
)

// RequestIDHeader is the canonical HTTP header for request correlation.
const RequestIDHeader = "X-Request-Id"

const maxRequestIDLen = 128

var (
	requestIDMu  sync.Mutex
	requestIDRng = func() *rand.ChaCha8 {
		var seed [32]byte
		if _, err := cryptorand.Read(seed[:]); err != nil {
			panic("failed to seed ChaCha8: " + err.Error())
		}
		return rand.NewChaCha8(seed)
	}()
)

// generateRequestID creates a 128-bit hex-encoded random ID.
func generateRequestID() string {
	var buf [16]byte
	requestIDMu.Lock()
	binary.LittleEndian.PutUint64(buf[:8], requestIDRng.Uint64())
	binary.LittleEndian.PutUint64(buf[8:], requestIDRng.Uint64())
	requestIDMu.Unlock()
	return hex.EncodeToString(buf[:])
}

// validRequestID accepts client-supplied IDs made of alphanumerics, hyphens,
// underscores, dots and colons, up to maxRequestIDLen bytes.
func validRequestID(s string) bool {
	if len(s) == 0 || len(s) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == ':':
		default:
			return false
		}
	}
	return true
}

// rateLimitedBody is the 429 body.
type rateLimitedBody struct {
	Detail            string `json:"detail"`
	RetryAfterSeconds int    `json:"retryAfterSeconds"`
}

// unavailableBody is the 503 body.
type unavailableBody struct {
	Detail string `json:"detail"`
}

// WriteBlocked writes the response for a blocked decision.
func WriteBlocked(w http.ResponseWriter, v engine.Verdict) {
	secs := v.RetryAfterSeconds()

	var body []byte
	if v.StatusCode == http.StatusServiceUnavailable {
		body, _ = json.Marshal(unavailableBody{Detail: v.Detail})
	} else {
		body, _ = json.Marshal(rateLimitedBody{Detail: v.Detail, RetryAfterSeconds: secs})
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	w.WriteHeader(v.StatusCode)
	_, _ = w.Write(body)
}

// statusWriter captures the HTTP status code written by downstream handlers.
type statusWriter struct {
	http.ResponseWriter
	code    int
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.code = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.code = http.StatusOK
		sw.written = true
	}
	return sw.ResponseWriter.Write(b)
}

// Unwrap supports http.ResponseController.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// Flush implements http.Flusher for streaming responses.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// Guard is the protection middleware.
type Guard struct {
	engine       *engine.Engine
	identity     classify.IdentityStrategy
	next         http.Handler
	metrics      *observability.Metrics
	logger       *slog.Logger
	maxBodyBytes int64
}

// GuardOption configures optional Guard behavior.
type GuardOption func(*Guard)

// WithMaxBodyBytes bounds how much of a request body is hashed into the
// pattern signature. The body is always forwarded in full.
func WithMaxBodyBytes(n int64) GuardOption {
	return func(g *Guard) { g.maxBodyBytes = n }
}

// NewGuard wraps next with the engine's checks.
func NewGuard(eng *engine.Engine, identity classify.IdentityStrategy, next http.Handler, metrics *observability.Metrics, logger *slog.Logger, opts ...GuardOption) *Guard {
	g := &Guard{
		engine:       eng,
		identity:     identity,
		next:         next,
		metrics:      metrics,
		logger:       logger,
		maxBodyBytes: 64 << 10,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ServeHTTP runs the engine checks and, when allowed, the wrapped handler.
func (g *Guard) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	reqID := r.Header.Get(RequestIDHeader)
	if !validRequestID(reqID) {
		reqID = generateRequestID()
		r.Header.Set(RequestIDHeader, reqID)
	}
	w.Header().Set(RequestIDHeader, reqID)

	ctx, span := observability.Tracer().Start(r.Context(), "reqshield.check")
	req := engine.Request{
		Method:    r.Method,
		Path:      r.URL.Path,
		Query:     r.URL.RawQuery,
		ClientID:  g.identity.Identity(r),
		RequestID: reqID,
	}
	if g.engine.Settings().PatternIncludeBody {
		req.BodyHash = g.hashBody(r)
	}
	d := g.engine.Check(req)

	span.SetAttributes(
		attribute.String("reqshield.scope", d.Scope),
		attribute.Bool("reqshield.allowed", d.Allowed),
	)
	if !d.Allowed {
		span.SetAttributes(attribute.String("reqshield.reason", string(d.Reason)))
		span.End()

		g.logger.Debug("request blocked",
			"request_id", reqID, "scope", d.Scope, "reason", d.Reason,
			"retry_after", d.RetryAfterSeconds())
		WriteBlocked(w, d.Verdict)
		return
	}
	span.End()

	g.serve(w, r.WithContext(ctx), d, start)
}

// serve runs the wrapped handler and reports its outcome. A 5xx response or
// a panic counts as a failure; panics keep propagating after the report. An
// http.ErrAbortHandler panic after the client went away is not the backend's
// fault: the decision is released without an outcome.
func (g *Guard) serve(w http.ResponseWriter, r *http.Request, d engine.Decision, start time.Time) {
	sw := statusWriterPool.Get().(*statusWriter)
	sw.ResponseWriter = w
	sw.code = http.StatusOK
	sw.written = false

	ctx, span := observability.Tracer().Start(r.Context(), "reqshield.handler")
	r = r.WithContext(ctx)

	completed := false
	defer func() {
		rec := recover()
		switch {
		case rec == http.ErrAbortHandler && r.Context().Err() != nil:
			g.engine.Release(d)
			span.SetStatus(codes.Error, "client disconnected")
		case completed && sw.code < http.StatusInternalServerError:
			g.engine.Report(d, true)
		default:
			g.metrics.IncHandlerFailures()
			span.SetStatus(codes.Error, "handler failed")
			g.engine.Report(d, false)
		}

		span.SetAttributes(attribute.Int("http.status_code", sw.code))
		span.End()
		g.metrics.PromRequestDuration.WithLabelValues(r.Method, strconv.Itoa(sw.code)).
			Observe(time.Since(start).Seconds())

		sw.ResponseWriter = nil
		statusWriterPool.Put(sw)
		if rec != nil {
			panic(rec)
		}
	}()

	g.next.ServeHTTP(sw, r)
	completed = true
}

// hashBody hashes up to maxBodyBytes of the request body and puts the body
// back so the handler sees it unchanged.
func (g *Guard) hashBody(r *http.Request) uint64 {
	if r.Body == nil || r.Body == http.NoBody || g.maxBodyBytes <= 0 {
		return 0
	}

	buf, err := io.ReadAll(io.LimitReader(r.Body, g.maxBodyBytes))
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(buf), r.Body), r.Body}
	if err != nil {
		g.logger.Debug("failed to read request body for pattern signature", "error", err)
		return 0
	}
	if len(buf) == 0 {
		return 0
	}
	return classify.HashBody(buf)
}
