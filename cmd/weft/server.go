package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/weftlabs/weft/api/handlers"
	"github.com/weftlabs/weft/config"
	"github.com/weftlabs/weft/eventbridge"
	"github.com/weftlabs/weft/executor"
	"github.com/weftlabs/weft/internal/metrics"
	"github.com/weftlabs/weft/internal/server"
	"github.com/weftlabs/weft/internal/telemetry"
	"github.com/weftlabs/weft/registry"
	"github.com/weftlabs/weft/store"
	"github.com/weftlabs/weft/workflow"
)

// Server wires the full orchestration stack: persistence, agent
// registry, approval gate, container executor, event bus, bridge,
// execution engine, and the two HTTP listeners (API and metrics).
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	otel   *telemetry.Providers

	st          *store.Store
	registry    *registry.Registry
	gate        *workflow.Gate
	exec        *executor.ContainerExecutor
	engine      *workflow.Engine
	bus         eventbridge.Bus
	bridge      *eventbridge.Bridge
	unsubscribe func()
	redisClient *redis.Client

	collector *metrics.Collector

	httpManager    *server.Manager
	metricsManager *server.Manager

	healthHandler    *handlers.HealthHandler
	workflowHandler  *handlers.WorkflowHandler
	runsHandler      *handlers.RunsHandler
	approvalsHandler *handlers.ApprovalsHandler
	agentsHandler    *handlers.AgentsHandler

	backgroundCancel context.CancelFunc
}

// NewServer creates an unstarted server from loaded configuration.
func NewServer(cfg *config.Config, logger *zap.Logger, otelProviders *telemetry.Providers) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
		otel:   otelProviders,
	}
}

// lazyStarter defers engine resolution so the bridge and engine can
// hold references to each other despite being constructed in sequence.
type lazyStarter struct {
	srv *Server
}

func (l *lazyStarter) Start(ctx context.Context, wf *workflow.Workflow, event map[string]any) (*workflow.Run, error) {
	return l.srv.engine.Start(ctx, wf, event)
}

// Start brings up every component in dependency order and begins
// serving. Failures leave already-started components running; callers
// should Shutdown on error.
func (s *Server) Start() error {
	s.collector = metrics.NewCollector("weft", s.logger)

	if err := s.initStore(); err != nil {
		return fmt.Errorf("failed to init store: %w", err)
	}

	if err := s.initEngine(); err != nil {
		return fmt.Errorf("failed to init engine: %w", err)
	}

	s.initHandlers()

	ctx, cancel := context.WithCancel(context.Background())
	s.backgroundCancel = cancel
	go s.reportPoolStats(ctx)

	if err := s.startHTTPServer(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("events_driver", s.cfg.Events.Driver),
	)

	return nil
}

func (s *Server) initStore() error {
	st, err := store.Open(store.Config{
		Driver:          s.cfg.Database.Driver,
		DSN:             s.cfg.Database.DSN(),
		MaxIdleConns:    s.cfg.Database.MaxIdleConns,
		MaxOpenConns:    s.cfg.Database.MaxOpenConns,
		ConnMaxLifetime: s.cfg.Database.ConnMaxLifetime,
	}, s.logger)
	if err != nil {
		return err
	}
	s.st = st
	s.registry = registry.New(st, s.logger)
	return nil
}

func (s *Server) initEngine() error {
	s.gate = workflow.NewGate(s.st, s.cfg.Engine.ApprovalExpire, s.logger)

	backend := executor.NewDockerBackend(s.logger)
	s.exec = executor.New(backend, executor.Config{
		MaxAttempts:      s.cfg.Executor.MaxAttempts,
		BackoffBase:      s.cfg.Executor.BackoffBase,
		DefaultTimeout:   s.cfg.Executor.DefaultTimeout,
		ReadinessTimeout: s.cfg.Executor.ReadinessTimeout,
		ProbeInterval:    s.cfg.Executor.ProbeInterval,
		Slots:            int64(s.cfg.Executor.Slots),
	}, s.logger)

	switch s.cfg.Events.Driver {
	case "redis":
		s.redisClient = redis.NewClient(&redis.Options{
			Addr:         s.cfg.Redis.Addr,
			Password:     s.cfg.Redis.Password,
			DB:           s.cfg.Redis.DB,
			PoolSize:     s.cfg.Redis.PoolSize,
			MinIdleConns: s.cfg.Redis.MinIdleConns,
		})
		s.bus = eventbridge.NewRedisBus(s.redisClient, s.logger)
	default:
		s.bus = eventbridge.NewMemoryBus(s.logger)
	}

	s.bridge = eventbridge.NewBridge(s.bus, s.st, &lazyStarter{srv: s}, s.logger)

	s.engine = workflow.NewEngine(s.exec, s.gate, s.registry, s.st, workflow.Options{
		MaxParallel: s.cfg.Engine.MaxParallel,
		Logger:      s.logger,
		Publisher:   s.bridge,
		Metrics:     s.collector,
	})

	unsubscribe, err := s.bridge.Run()
	if err != nil {
		return fmt.Errorf("failed to subscribe trigger events: %w", err)
	}
	s.unsubscribe = unsubscribe

	return nil
}

func (s *Server) initHandlers() {
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.NewPingCheck("database", s.st.Ping))
	if s.redisClient != nil {
		s.healthHandler.RegisterCheck(handlers.NewPingCheck("redis", func(ctx context.Context) error {
			return s.redisClient.Ping(ctx).Err()
		}))
	}

	s.workflowHandler = handlers.NewWorkflowHandler(s.st, s.engine, s.logger)
	s.runsHandler = handlers.NewRunsHandler(s.st, s.logger)
	s.approvalsHandler = handlers.NewApprovalsHandler(s.gate, s.st, s.logger)
	s.agentsHandler = handlers.NewAgentsHandler(s.registry, s.logger)
}

// reportPoolStats feeds database connection pool gauges on a fixed
// interval until the server shuts down.
func (s *Server) reportPoolStats(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			open, idle := s.st.PoolStats()
			s.collector.RecordDBConnections(s.cfg.Database.Driver, open, idle)
		}
	}
}

func (s *Server) startHTTPServer(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	mux.HandleFunc("POST /api/v1/workflows", s.workflowHandler.HandleCreate)
	mux.HandleFunc("GET /api/v1/workflows/{id}", s.workflowHandler.HandleGet)
	mux.HandleFunc("POST /api/v1/workflows/{id}/trigger", s.workflowHandler.HandleTrigger)
	mux.HandleFunc("GET /api/v1/workflows/{id}/runs/{runId}", s.runsHandler.HandleGetRun)
	mux.HandleFunc("POST /api/v1/workflows/{id}/runs/{runId}/cancel", s.workflowHandler.HandleCancelRun)

	mux.HandleFunc("POST /api/v1/approvals/{id}/approve", s.approvalsHandler.HandleApprove)
	mux.HandleFunc("POST /api/v1/approvals/{id}/reject", s.approvalsHandler.HandleReject)

	mux.HandleFunc("GET /api/v1/agents", s.agentsHandler.HandleList)
	mux.HandleFunc("POST /api/v1/agents", s.agentsHandler.HandleCreate)
	mux.HandleFunc("GET /api/v1/agents/{id}", s.agentsHandler.HandleGet)
	mux.HandleFunc("PATCH /api/v1/agents/{id}", s.agentsHandler.HandleUpdate)
	mux.HandleFunc("DELETE /api/v1/agents/{id}", s.agentsHandler.HandleDelete)

	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
		OTelTracing(),
		RateLimiter(ctx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
	)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// WaitForShutdown blocks until a termination signal or server error,
// then shuts everything down.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown stops accepting work, waits for in-flight runs, and closes
// every component in reverse dependency order.
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	if s.backgroundCancel != nil {
		s.backgroundCancel()
	}

	// Stop new trigger events first so no run starts mid-shutdown.
	if s.unsubscribe != nil {
		s.unsubscribe()
	}

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// Let in-flight runs reach a terminal state before persistence
	// and transport close underneath them.
	if s.engine != nil {
		s.engine.Wait()
	}

	if s.exec != nil {
		s.exec.Shutdown(ctx)
	}

	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			s.logger.Error("Event bus close error", zap.Error(err))
		}
	}

	if s.st != nil {
		if err := s.st.Close(); err != nil {
			s.logger.Error("Store close error", zap.Error(err))
		}
	}

	if s.otel != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := s.otel.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
		cancel()
	}

	s.logger.Info("Graceful shutdown completed")
}
