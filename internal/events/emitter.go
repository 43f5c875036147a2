// Package events ships protection events (blocked requests and circuit
// breaker transitions) to an HTTP webhook and/or a Redis stream. Events are
// buffered in a ring and flushed in batches from a background goroutine, so
// emitting never blocks the request path.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/reqshield/reqshield/internal/config"
	"github.com/reqshield/reqshield/internal/redis"
)

// Event types.
const (
	TypeBlocked           = "blocked"
	TypeBreakerTransition = "breaker_transition"
)

// Event is a single protection event.
type Event struct {
	Type              string `json:"type"`
	Scope             string `json:"scope,omitempty"`
	Reason            string `json:"reason,omitempty"`
	StatusCode        int    `json:"statusCode,omitempty"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
	Method            string `json:"method,omitempty"`
	Path              string `json:"path,omitempty"`
	ClientID          string `json:"clientId,omitempty"`
	RequestID         string `json:"requestId,omitempty"`
	From              string `json:"from,omitempty"`
	To                string `json:"to,omitempty"`
	Timestamp         string `json:"timestamp"` // RFC 3339
}

// DropCounter counts events lost to a full buffer.
type DropCounter interface {
	IncEventsDropped()
}

// Emitter is an async, buffered event emitter.
type Emitter struct {
	logger  *slog.Logger
	dropped DropCounter

	httpURL    string
	httpClient *http.Client

	rdb    redis.Client
	stream string
	maxLen int64

	batchSize     int
	flushInterval time.Duration
	bufferSize    int

	ringMu   sync.Mutex
	ring     []Event
	ringHead int
	ringTail int
	ringLen  int

	flushCh   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewEmitter creates an emitter. It returns nil when events are disabled.
// rdb may be nil when the Redis stream sink is not enabled.
func NewEmitter(cfg config.EventsConfig, rdb redis.Client, logger *slog.Logger, dropped DropCounter) *Emitter {
	if !cfg.Enabled {
		return nil
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	flushInterval := config.MustParseDuration(cfg.FlushInterval, 5*time.Second)
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}

	e := &Emitter{
		logger:        logger.With("component", "events"),
		dropped:       dropped,
		httpURL:       cfg.HTTP.URL,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		batchSize:     batchSize,
		flushInterval: flushInterval,
		bufferSize:    bufferSize,
		ring:          make([]Event, bufferSize),
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	if cfg.Redis.Enabled && rdb != nil {
		e.rdb = rdb
		e.stream = cfg.Redis.Stream
		e.maxLen = cfg.Redis.MaxLen
	}

	e.wg.Add(1)
	go e.flushLoop()

	return e
}

// Emit enqueues ev. It never blocks; when the buffer is full the oldest
// event is dropped.
func (e *Emitter) Emit(ev Event) {
	if e == nil {
		return
	}

	e.ringMu.Lock()
	e.ring[e.ringTail] = ev
	e.ringTail = (e.ringTail + 1) % e.bufferSize
	if e.ringLen == e.bufferSize {
		e.ringHead = (e.ringHead + 1) % e.bufferSize
		if e.dropped != nil {
			e.dropped.IncEventsDropped()
		}
	} else {
		e.ringLen++
	}
	shouldFlush := e.ringLen >= e.batchSize
	e.ringMu.Unlock()

	if shouldFlush {
		select {
		case e.flushCh <- struct{}{}:
		default:
		}
	}
}

// Close stops the flush loop and sends whatever is still buffered.
func (e *Emitter) Close() error {
	if e == nil {
		return nil
	}
	e.closeOnce.Do(func() {
		close(e.done)
		e.wg.Wait()
		e.flush()
	})
	return nil
}

func (e *Emitter) flushLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.flush()
		case <-e.flushCh:
			e.flush()
		}
	}
}

func (e *Emitter) flush() {
	for {
		batch := e.drain()
		if len(batch) == 0 {
			return
		}
		e.send(batch)
	}
}

func (e *Emitter) drain() []Event {
	e.ringMu.Lock()
	defer e.ringMu.Unlock()

	if e.ringLen == 0 {
		return nil
	}

	n := min(e.ringLen, e.batchSize)
	batch := make([]Event, n)
	for i := range n {
		batch[i] = e.ring[(e.ringHead+i)%e.bufferSize]
	}
	e.ringHead = (e.ringHead + n) % e.bufferSize
	e.ringLen -= n
	return batch
}

func (e *Emitter) send(batch []Event) {
	sent := false
	if e.httpURL != "" {
		e.sendHTTP(batch)
		sent = true
	}
	if e.rdb != nil {
		e.sendRedis(batch)
		sent = true
	}
	if !sent {
		e.logger.Warn("no events destination configured, dropping batch", "count", len(batch))
	}
}

func (e *Emitter) sendHTTP(batch []Event) {
	payload := struct {
		Events []Event `json:"events"`
	}{Events: batch}

	body, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("failed to marshal events batch", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.httpURL, bytes.NewReader(body))
	if err != nil {
		e.logger.Error("failed to create events HTTP request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		e.logger.Warn("failed to send events batch", "error", err, "count", len(batch))
		return
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		e.logger.Warn("events receiver returned error", "status", resp.StatusCode, "count", len(batch))
	}
}

func (e *Emitter) sendRedis(batch []Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i, ev := range batch {
		data, err := json.Marshal(ev)
		if err != nil {
			e.logger.Error("failed to marshal event", "error", err)
			continue
		}
		args := &goredis.XAddArgs{
			Stream: e.stream,
			Values: []any{"type", ev.Type, "event", string(data)},
		}
		if e.maxLen > 0 {
			args.MaxLen = e.maxLen
			args.Approx = true
		}
		if err := e.rdb.XAdd(ctx, args).Err(); err != nil {
			lvl := slog.LevelError
			if redis.IsConnectivityErr(err) {
				lvl = slog.LevelWarn
			}
			e.logger.Log(ctx, lvl, "failed to append events to redis stream",
				"error", err, "stream", e.stream, "lost", len(batch)-i)
			return
		}
	}
}

// String implements fmt.Stringer for debug logging.
func (e *Emitter) String() string {
	return fmt.Sprintf("Emitter(http=%s, stream=%s, batch=%d, flush=%s, buf=%d)",
		e.httpURL, e.stream, e.batchSize, e.flushInterval, e.bufferSize)
}
