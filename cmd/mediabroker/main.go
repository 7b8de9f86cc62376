package main

import (
	"context"
	"encoding/json"
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
	"golang.org/x/sync/errgroup"

	mbhttp "github.com/Strob0t/MediaBroker/internal/adapter/http"
	mbotel "github.com/Strob0t/MediaBroker/internal/adapter/otel"
	"github.com/Strob0t/MediaBroker/internal/config"
	"github.com/Strob0t/MediaBroker/internal/logger"
	"github.com/Strob0t/MediaBroker/internal/middleware"
	"github.com/Strob0t/MediaBroker/internal/service"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		return
	}

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

	log, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"store", cfg.Backends.Store,
		"task_queue", cfg.Backends.TaskQueue,
		"bus", cfg.Backends.Bus,
		"max_task_retries", cfg.Broker.MaxTaskRetries,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Telemetry ---
	shutdownOtel, err := mbotel.Init(ctx, cfg.Logging.Service, version, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(flushCtx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()
	metrics, err := mbotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	// --- Infrastructure ---
	prov, err := openProviders(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer prov.Close()

	groupCache, err := prov.groupCache(ctx, cfg.Cache)
	if err != nil {
		return err
	}
	idemCache, err := prov.idempotencyCache(ctx, cfg.Cache)
	if err != nil {
		return err
	}

	// --- Services ---
	groups := service.NewGroupDirectory(prov.store, groupCache, cfg.Cache.L2TTL)
	tasks := service.NewTaskManager(prov.store, prov.queue, prov.bus, groups, prov.dispatcher(cfg), metrics, cfg.Broker)
	broker := service.NewBroker(prov.store, prov.queue, tasks, metrics)

	consumer := service.NewStatusConsumer(prov.bus, tasks, metrics)
	if err := consumer.Start(ctx); err != nil {
		return fmt.Errorf("status consumer: %w", err)
	}
	defer consumer.Stop()

	reconciler := service.NewReconciler(prov.store, tasks, cfg.Broker.ReconcileBatch)
	if err := reconciler.Start(ctx, cfg.Broker.ReconcileSchedule); err != nil {
		return fmt.Errorf("reconciler: %w", err)
	}
	defer reconciler.Stop()

	// --- HTTP ---
	handlers := &mbhttp.Handlers{
		Tasks:  tasks,
		Broker: broker,
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(mbhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(mbotel.HTTPMiddleware(cfg.Logging.Service))
	r.Use(middleware.Idempotency(idemCache, cfg.Cache.IdempotencyTTL))

	r.Get("/health", healthHandler(cfg, prov))

	// API routes
	mbhttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting server", "addr", addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		if err := prov.bus.Drain(); err != nil {
			slog.Warn("bus drain", "error", err)
		}
		return nil
	})
	return g.Wait()
}

// healthHandler reports liveness and which backends are in use.
func healthHandler(cfg *config.Config, prov *providers) http.HandlerFunc {
	type healthStatus struct {
		Status    string `json:"status"`
		Version   string `json:"version"`
		Store     string `json:"store"`
		TaskQueue string `json:"taskQueue"`
		Bus       string `json:"bus"`
	}

	return func(w http.ResponseWriter, _ *http.Request) {
		status := healthStatus{
			Status:    "ok",
			Version:   version,
			Store:     cfg.Backends.Store,
			TaskQueue: cfg.Backends.TaskQueue,
			Bus:       cfg.Backends.Bus,
		}
		code := http.StatusOK
		if !prov.bus.IsConnected() {
			status.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	}
}
