// Package server orchestrates reqshield's guarded proxy server and admin
// server. The proxy server runs every request through the protection engine
// before forwarding it to the backend; the admin server exposes the control
// surface, health probes and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/reqshield/reqshield/internal/classify"
	"github.com/reqshield/reqshield/internal/config"
	"github.com/reqshield/reqshield/internal/control"
	"github.com/reqshield/reqshield/internal/engine"
	"github.com/reqshield/reqshield/internal/events"
	"github.com/reqshield/reqshield/internal/middleware"
	"github.com/reqshield/reqshield/internal/observability"
	"github.com/reqshield/reqshield/internal/proxy"
	iredis "github.com/reqshield/reqshield/internal/redis"
)

// Server is the main reqshield server.
type Server struct {
	cfg             atomic.Pointer[config.Config] // swapped by Reload
	logger          *slog.Logger
	version         string
	mainServer      *http.Server
	adminServer     *http.Server
	engine          *engine.Engine
	sweeper         *engine.Sweeper
	emitter         *events.Emitter // nil when events are disabled.
	redis           iredis.Client   // nil unless the Redis event sink is enabled.
	health          *observability.HealthChecker
	metrics         *observability.Metrics
	tracingShutdown func(context.Context) error
}

// New creates a new reqshield server instance.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	rp, err := proxy.New(cfg.Backend, logger)
	if err != nil {
		return nil, fmt.Errorf("create proxy: %w", err)
	}
	if cfg.Backend.TLSInsecureVerify {
		logger.Warn("SECURITY WARNING: backend TLS certificate verification is DISABLED (tls_insecure_skip_verify=true)")
	}

	identity, err := classify.NewIdentityStrategy(cfg.Classifier)
	if err != nil {
		return nil, fmt.Errorf("create identity strategy: %w", err)
	}

	s := &Server{
		logger:  logger,
		version: version,
		health:  health,
		metrics: metrics,
	}
	s.cfg.Store(cfg)

	if cfg.Events.Enabled && cfg.Events.Redis.Enabled {
		s.redis = connectRedis(cfg.Redis, logger)
		if s.redis != nil {
			rdb := s.redis
			health.SetRedisPinger(observability.PingerFunc(func(ctx context.Context) error {
				return rdb.Ping(ctx).Err()
			}))
		}
	}
	s.emitter = events.NewEmitter(cfg.Events, s.redis, logger, metrics)

	opts := []engine.Option{
		engine.WithLogger(logger.With("component", "engine")),
		engine.WithRecorder(metrics),
		engine.WithClassifier(classify.Classifier{MaxPathLength: cfg.Classifier.MaxPathLength}),
		engine.WithBackstop(cfg.Engine.BackstopRPS),
		engine.WithMaxOffenders(cfg.Engine.MaxOffenders),
		engine.WithFaultLogInterval(config.MustParseDuration(cfg.Engine.FaultLogInterval, 10*time.Second)),
	}
	if s.emitter != nil {
		opts = append(opts, engine.WithEventSink(s.emitter))
	}
	s.engine, err = engine.New(cfg.Protection, opts...)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("create engine: %w", err), s.closeResources())
	}

	sweepInterval := config.MustParseDuration(cfg.Engine.SweepInterval, 30*time.Second)
	s.sweeper, err = engine.NewSweeper(s.engine, sweepInterval, logger.With("component", "sweeper"))
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("create sweeper: %w", err), s.closeResources())
	}

	guard := middleware.NewGuard(s.engine, identity, rp, metrics, logger,
		middleware.WithMaxBodyBytes(cfg.Classifier.MaxBodyBytes))
	ctl := control.NewHandler(s.engine, cfg.Admin.ControlToken, metrics, logger.With("component", "control"))

	s.mainServer = buildMainServer(cfg, guard, logger)
	s.adminServer = buildAdminServer(cfg, health, reg, ctl, logger)
	return s, nil
}

// connectRedis returns nil when Redis is unreachable. Events are best
// effort; the webhook sink keeps working without Redis.
func connectRedis(cfg config.RedisConfig, logger *slog.Logger) iredis.Client {
	iredis.InitLogger(logger)
	iredis.WarnInsecureRedis(cfg.TLS, logger)

	rdb, err := iredis.NewClient(cfg)
	if err != nil {
		logger.Warn("redis unavailable, events will not be written to the stream", "error", err)
		return nil
	}
	return rdb
}

func buildMainServer(cfg *config.Config, guard http.Handler, logger *slog.Logger) *http.Server {
	readTimeout, _ := config.ParseDuration(cfg.Server.ReadTimeout, 30*time.Second)
	writeTimeout, _ := config.ParseDuration(cfg.Server.WriteTimeout, 30*time.Second)
	idleTimeout, _ := config.ParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	return &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           h2c.NewHandler(guard, &http2.Server{}),
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
}

func buildAdminServer(cfg *config.Config, health *observability.HealthChecker, reg *prometheus.Registry, ctl *control.Handler, logger *slog.Logger) *http.Server {
	adminReadTimeout, _ := config.ParseDuration(cfg.Admin.ReadTimeout, 5*time.Second)
	adminWriteTimeout, _ := config.ParseDuration(cfg.Admin.WriteTimeout, 10*time.Second)
	adminIdleTimeout, _ := config.ParseDuration(cfg.Admin.IdleTimeout, 30*time.Second)

	adminMux := http.NewServeMux()
	adminMux.Handle("/startz", health.StartzHandler())
	adminMux.Handle("/healthz", health.HealthzHandler())
	adminMux.Handle("/readyz", health.ReadyzHandler())
	adminMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	ctl.Register(adminMux)

	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           adminMux,
		ReadTimeout:       adminReadTimeout,
		WriteTimeout:      adminWriteTimeout,
		IdleTimeout:       adminIdleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
}

// Run starts both servers and the sweeper and blocks until ctx is canceled
// or a server fails, then performs a graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.cfg.Load()
	tracingShutdown, err := observability.InitTracing(ctx, cfg.Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	// Bind both listeners before reporting ready so probes never race the
	// socket setup.
	adminLn, err := net.Listen("tcp", cfg.Admin.Address)
	if err != nil {
		return multierr.Append(fmt.Errorf("admin server listen: %w", err), s.closeResources())
	}
	mainLn, err := net.Listen("tcp", cfg.Server.Address)
	if err != nil {
		_ = adminLn.Close()
		return multierr.Append(fmt.Errorf("proxy server listen: %w", err), s.closeResources())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("admin server starting", "address", adminLn.Addr().String())
		return serve(s.adminServer, adminLn, "admin server")
	})
	g.Go(func() error {
		s.logger.Info("proxy server starting",
			"address", mainLn.Addr().String(),
			"backend", cfg.Backend.URL)
		return serve(s.mainServer, mainLn, "proxy server")
	})

	s.sweeper.Start()
	s.health.SetStarted()
	s.health.SetReady()
	s.logger.Info("reqshield is ready", "version", s.version)

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutdown signal received, draining...")
		return s.shutdown()
	})
	return g.Wait()
}

func serve(srv *http.Server, ln net.Listener, name string) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// Reload applies a reloaded config file. The protection snapshot is replaced
// wholesale; settings that need a restart are reported and ignored.
func (s *Server) Reload(newCfg *config.Config) error {
	if fields := newCfg.RequiresRestart(s.cfg.Load()); len(fields) > 0 {
		s.logger.Warn("config changes require a restart and were not applied", "fields", fields)
	}

	settings, err := s.engine.Store().Replace(newCfg.Protection)
	s.metrics.IncConfigReload("file", err == nil)
	if err != nil {
		return fmt.Errorf("reload protection config: %w", err)
	}
	s.logger.Info("protection config reloaded", "version", settings.Version)

	s.cfg.Store(newCfg)
	return nil
}

// Engine returns the protection engine.
func (s *Server) Engine() *engine.Engine { return s.engine }

func (s *Server) shutdown() error {
	s.health.SetNotReady()

	drainTimeout, _ := config.ParseDuration(s.cfg.Load().Server.DrainTimeout, 30*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	var errs error
	if err := s.mainServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("main server shutdown error", "error", err)
		errs = multierr.Append(errs, fmt.Errorf("main server shutdown: %w", err))
	}
	if err := s.adminServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("admin server shutdown error", "error", err)
		errs = multierr.Append(errs, fmt.Errorf("admin server shutdown: %w", err))
	}

	s.sweeper.Stop(shutdownCtx)
	errs = multierr.Append(errs, s.closeResources())

	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(shutdownCtx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
			errs = multierr.Append(errs, fmt.Errorf("tracing shutdown: %w", err))
		}
	}

	s.logger.Info("shutdown complete")
	return errs
}

// closeResources flushes pending events and releases the engine and Redis.
func (s *Server) closeResources() error {
	var errs error
	if err := s.emitter.Close(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("events close: %w", err))
	}
	if s.engine != nil {
		s.engine.Close()
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("redis close: %w", err))
		}
		s.redis = nil
	}
	return errs
}
