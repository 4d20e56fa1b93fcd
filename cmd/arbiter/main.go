package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	arbhttp "github.com/arbiterhq/arbiter/internal/adapter/http"
	"github.com/arbiterhq/arbiter/internal/adapter/litellm"
	arbnats "github.com/arbiterhq/arbiter/internal/adapter/nats"
	"github.com/arbiterhq/arbiter/internal/adapter/otel"
	"github.com/arbiterhq/arbiter/internal/adapter/postgres"
	"github.com/arbiterhq/arbiter/internal/adapter/ristretto"
	"github.com/arbiterhq/arbiter/internal/adapter/simworker"
	"github.com/arbiterhq/arbiter/internal/adapter/ws"
	"github.com/arbiterhq/arbiter/internal/config"
	"github.com/arbiterhq/arbiter/internal/logger"
	"github.com/arbiterhq/arbiter/internal/port/coordination"
	"github.com/arbiterhq/arbiter/internal/port/inference"
	"github.com/arbiterhq/arbiter/internal/port/sessionstore"
	"github.com/arbiterhq/arbiter/internal/resilience"
	"github.com/arbiterhq/arbiter/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closeLogger := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer closeLogger.Close()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"max_sessions", cfg.Session.MaxSessions,
		"quality_threshold", cfg.Orchestrator.QualityThreshold,
	)

	ctx := context.Background()

	shutdownOtel, err := otel.Init(ctx, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		if err := shutdownOtel(context.Background()); err != nil {
			slog.Warn("otel shutdown failed", "error", err)
		}
	}()

	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	// --- Infrastructure ---

	// PostgreSQL session store. An empty DSN means in-memory only.
	var store sessionstore.Store = sessionstore.Nop{}
	if cfg.Postgres.DSN != "" {
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()

		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		store = postgres.NewSessionStore(pool)
		slog.Info("postgres session store enabled")
	}

	// NATS coordination backend. An empty URL means simulation only.
	var backend coordination.Backend
	if cfg.NATS.URL != "" {
		nc, err := arbnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = nc.Close() }()
		backend = nc
		slog.Info("nats coordination backend enabled", "url", cfg.NATS.URL)
	}

	receipts, err := ristretto.NewReceiptCache(cfg.Cache.MaxSizeMB, cfg.Comms.ReceiptTTL)
	if err != nil {
		return fmt.Errorf("receipt cache: %w", err)
	}
	defer receipts.Close()

	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)

	// LiteLLM inference client. An empty URL disables inference
	// prioritization; the static priority table takes over.
	var inf inference.Client
	if cfg.Inference.URL != "" {
		llm := litellm.NewClient(cfg.Inference.URL, cfg.Inference.MasterKey, cfg.Inference.Model, cfg.Inference.Timeout)
		llm.SetBreaker(breaker)
		inf = llm
	}

	// --- Agent workers ---
	simworker.Register()

	// --- Services ---
	hub := ws.NewHub()

	coordinator := service.NewCoordinatorService(backend, breaker)

	sessions := service.NewSessionService(cfg.Session, store, cfg.Orchestrator.WorkflowTimeout)
	if err := sessions.RestoreSessions(ctx); err != nil {
		slog.Warn("session restore failed", "error", err)
	}
	sessions.StartSweep(ctx)
	defer sessions.Stop(context.Background())

	comms := service.NewCommsService(cfg.Comms, coordinator, receipts)
	comms.StartSweep(ctx)
	defer comms.StopSweep()

	supervisor := service.NewSupervisorService(cfg.Orchestrator, sessions, comms, coordinator, inf, hub, metrics)

	monitor := service.NewMonitorService(cfg.Monitor, supervisor)
	monitor.RegisterHandler(hub.NotifyAlert)
	monitor.Start(ctx)
	defer monitor.Stop()

	// --- HTTP ---
	handlers := &arbhttp.Handlers{
		Supervisor: supervisor,
		Sessions:   sessions,
		Monitor:    monitor,
		Hub:        hub,
	}

	r := chi.NewRouter()
	r.Use(arbhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(arbhttp.RequestID)
	r.Use(arbhttp.Logger)
	r.Use(otel.HTTPMiddleware(cfg.Logging.Service))
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	arbhttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := supervisor.Drain(shutdownCtx); err != nil {
		slog.Warn("workflow drain incomplete", "error", err)
	}
	return srv.Shutdown(shutdownCtx)
}
