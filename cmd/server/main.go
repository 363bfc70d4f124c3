// Package main is the entry point for the confplane server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Open the rule source: PostgreSQL via pgxpool (with migrations), or a
//     watched rules directory in read-only file mode.
//  3. Create the service, eagerly loading the rule cache.
//  4. Start the HTTP server and wait for SIGINT/SIGTERM, then gracefully
//     shut down.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/confplane/confplane/internal/config"
	"github.com/confplane/confplane/internal/logging"
	"github.com/confplane/confplane/internal/metrics"
	"github.com/confplane/confplane/internal/middleware"
	"github.com/confplane/confplane/internal/repository"
	"github.com/confplane/confplane/internal/rulesource"
	"github.com/confplane/confplane/internal/server"
	"github.com/confplane/confplane/internal/service"
	"github.com/confplane/confplane/internal/tracing"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	opts := service.Options{
		ResyncInterval: cfg.CacheResyncInterval,
		Metrics:        m,
		Logger:         log,
	}

	var svc *service.Service
	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()

		if err := runMigrations(pool); err != nil {
			return err
		}
		metrics.RegisterPoolMetrics(m.Registry, pool)

		repo := repository.NewPostgresRepository(pool)
		svc, err = service.New(ctx, repo, opts)
		if err != nil {
			return fmt.Errorf("init service: %w", err)
		}
		log.Info("rule source opened", "source", "postgres")

	default:
		files := rulesource.NewFileSource(cfg.RulesDir, log)
		svc, err = service.NewFromFiles(ctx, files, opts)
		if err != nil {
			return fmt.Errorf("init service: %w", err)
		}

		go func() {
			if err := files.Watch(ctx, func() { svc.Reload(ctx) }); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("rule directory watch failed", "error", err)
			}
		}()
		log.Info("rule source opened", "source", "files", "dir", cfg.RulesDir)
	}

	limiter := middleware.NewRateLimiter(ctx, cfg.WriteRateLimit)
	defer limiter.Stop()

	apiHandler := server.NewHTTPHandlerWithOptions(svc, server.HandlerOptions{
		MaxJSONBodySize: cfg.MaxJSONBodySize,
		MetricsHandler:  m.Handler(),
		WriteLimit:      middleware.WriteRateLimit(limiter),
		Observe:         observeWith(m),
	})
	handler := middleware.HTTPRequestLogging(log)(apiHandler)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(handler, "confplane-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer listener.Close()

	serveErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()

	log.Info("server started", "http_addr", cfg.HTTPAddr)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	return serveErr
}

// observeWith feeds the handler's per-request observations into the
// Prometheus request counters.
func observeWith(m *metrics.Metrics) func(method, route string, status int, elapsed time.Duration) {
	return func(method, route string, status int, elapsed time.Duration) {
		code := strconv.Itoa(status)
		m.HTTPRequestsTotal.WithLabelValues(method, route, code).Inc()
		m.HTTPRequestDuration.WithLabelValues(method, route, code).Observe(elapsed.Seconds())
	}
}
