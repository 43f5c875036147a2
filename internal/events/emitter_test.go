package events

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/reqshield/reqshield/internal/config"
	"github.com/reqshield/reqshield/internal/redis"
)

type dropCounter struct{ n atomic.Int64 }

func (d *dropCounter) IncEventsDropped() { d.n.Add(1) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func blockedEvent(scope string) Event {
	return Event{
		Type:              TypeBlocked,
		Scope:             scope,
		Reason:            "rate_limited",
		StatusCode:        http.StatusTooManyRequests,
		RetryAfterSeconds: 3,
		Timestamp:         time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func TestEmitter_DisabledReturnsNil(t *testing.T) {
	e := NewEmitter(config.EventsConfig{Enabled: false}, nil, testLogger(), nil)
	if e != nil {
		t.Fatal("expected nil emitter when disabled")
	}
	// A nil emitter is safe to use.
	e.Emit(blockedEvent("GET:/x"))
	if err := e.Close(); err != nil {
		t.Fatalf("close on nil emitter: %v", err)
	}
}

func TestEmitter_BatchFlushing(t *testing.T) {
	var mu sync.Mutex
	var received []Event

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type %q", ct)
		}
		var payload struct {
			Events []Event `json:"events"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode error: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, payload.Events...)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewEmitter(config.EventsConfig{
		Enabled:       true,
		HTTP:          config.EventsHTTPConfig{URL: srv.URL},
		BatchSize:     5,
		FlushInterval: "100ms",
		BufferSize:    100,
	}, nil, testLogger(), nil)

	for range 12 {
		e.Emit(blockedEvent("GET:/api"))
	}

	time.Sleep(500 * time.Millisecond)

	if err := e.Close(); err != nil {
		t.Fatalf("close error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 12 {
		t.Fatalf("expected 12 events, got %d", len(received))
	}
	if received[0].Reason != "rate_limited" || received[0].RetryAfterSeconds != 3 {
		t.Errorf("unexpected event payload: %+v", received[0])
	}
}

func TestEmitter_BufferOverflow(t *testing.T) {
	drops := &dropCounter{}
	e := NewEmitter(config.EventsConfig{
		Enabled:       true,
		HTTP:          config.EventsHTTPConfig{URL: "http://localhost:0/noop"},
		BatchSize:     1000, // larger than the buffer, so nothing flushes
		FlushInterval: "1h",
		BufferSize:    5,
	}, nil, testLogger(), drops)

	for i := range 10 {
		e.Emit(Event{Type: TypeBlocked, Scope: string(rune('a' + i))})
	}

	e.ringMu.Lock()
	length := e.ringLen
	oldest := e.ring[e.ringHead].Scope
	e.ringMu.Unlock()

	if length != 5 {
		t.Errorf("expected ring length 5 (capped), got %d", length)
	}
	if oldest != "f" {
		t.Errorf("expected oldest surviving event to be f, got %q", oldest)
	}
	if got := drops.n.Load(); got != 5 {
		t.Errorf("expected 5 drops, got %d", got)
	}

	close(e.done)
	e.wg.Wait()
}

func TestEmitter_GracefulShutdownDrain(t *testing.T) {
	var mu sync.Mutex
	var received int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Events []Event `json:"events"`
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &payload); err == nil {
			mu.Lock()
			received += len(payload.Events)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewEmitter(config.EventsConfig{
		Enabled:       true,
		HTTP:          config.EventsHTTPConfig{URL: srv.URL},
		BatchSize:     100,
		FlushInterval: "1h", // only Close drains
		BufferSize:    100,
	}, nil, testLogger(), nil)

	for range 7 {
		e.Emit(blockedEvent("POST:/login"))
	}

	if err := e.Close(); err != nil {
		t.Fatalf("close error: %v", err)
	}
	// Close is idempotent.
	if err := e.Close(); err != nil {
		t.Fatalf("second close error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if received != 7 {
		t.Errorf("expected 7 events drained on close, got %d", received)
	}
}

func TestEmitter_RedisStream(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb, err := redis.NewClient(config.RedisConfig{Endpoints: []string{mr.Addr()}})
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer rdb.Close()

	e := NewEmitter(config.EventsConfig{
		Enabled: true,
		Redis: config.EventsRedisConfig{
			Enabled: true,
			Stream:  "reqshield:events",
			MaxLen:  1000,
		},
		BatchSize:     10,
		FlushInterval: "1h",
		BufferSize:    10,
	}, rdb, testLogger(), nil)

	e.Emit(blockedEvent("GET:/a"))
	e.Emit(Event{Type: TypeBreakerTransition, From: "closed", To: "open", Timestamp: time.Now().UTC().Format(time.RFC3339Nano)})
	if err := e.Close(); err != nil {
		t.Fatalf("close error: %v", err)
	}

	entries, err := mr.Stream("reqshield:events")
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 stream entries, got %d", len(entries))
	}

	values := entries[1].Values
	if len(values) != 4 || values[0] != "type" || values[1] != TypeBreakerTransition {
		t.Fatalf("unexpected stream entry: %v", values)
	}
	var ev Event
	if err := json.Unmarshal([]byte(values[3]), &ev); err != nil {
		t.Fatalf("decode stream event: %v", err)
	}
	if ev.From != "closed" || ev.To != "open" {
		t.Errorf("unexpected transition event: %+v", ev)
	}
}

func TestEmitter_RedisSinkIgnoredWithoutClient(t *testing.T) {
	e := NewEmitter(config.EventsConfig{
		Enabled:       true,
		Redis:         config.EventsRedisConfig{Enabled: true, Stream: "s"},
		FlushInterval: "1h",
	}, nil, testLogger(), nil)
	defer e.Close()

	if e.rdb != nil {
		t.Fatal("expected no redis sink without a client")
	}
}
