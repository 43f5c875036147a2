package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper periodically purges idle detector state off the request path.
type Sweeper struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// NewSweeper schedules e.Sweep every interval. The job is not started until
// Start is called.
func NewSweeper(e *Engine, interval time.Duration, logger *slog.Logger) (*Sweeper, error) {
	cl := cronLogger{logger: logger}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))

	_, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		res := e.Sweep(e.Now())
		if removed := res.RateLimit + res.RapidBurst + res.Pattern; removed > 0 {
			logger.Debug("swept idle protection state",
				"rate_limit", res.RateLimit, "rapid_burst", res.RapidBurst, "pattern", res.Pattern)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("scheduling sweeper: %w", err)
	}
	return &Sweeper{cron: c, logger: logger}, nil
}

// Start runs the schedule in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("sweeper started")
}

// Stop halts the schedule and waits for a running sweep to finish or ctx to
// expire.
func (s *Sweeper) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
