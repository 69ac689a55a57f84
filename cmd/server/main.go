// Package main is the entry point for the rollouts server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Connect to PostgreSQL via pgxpool and apply migrations.
//  3. Build the stores, payload decrypter, and evaluation service.
//  4. Start the HTTP server and wait for SIGINT/SIGTERM.
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
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/matt-riley/rollouts/internal/config"
	"github.com/matt-riley/rollouts/internal/core"
	"github.com/matt-riley/rollouts/internal/logging"
	"github.com/matt-riley/rollouts/internal/metrics"
	"github.com/matt-riley/rollouts/internal/middleware"
	"github.com/matt-riley/rollouts/internal/repository"
	"github.com/matt-riley/rollouts/internal/secrets"
	"github.com/matt-riley/rollouts/internal/server"
	"github.com/matt-riley/rollouts/internal/service"
	"github.com/matt-riley/rollouts/internal/tracing"
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

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := runMigrations(pool); err != nil {
		return err
	}

	m := metrics.New()
	metrics.RegisterPoolMetrics(m.Registry, pool)

	var decrypter core.PayloadDecrypter
	if cfg.PayloadDecryptionKey != "" {
		box, err := secrets.NewBox(cfg.PayloadDecryptionKey)
		if err != nil {
			return fmt.Errorf("init payload decrypter: %w", err)
		}
		decrypter = box
	}

	flagRepo := repository.NewFlagRepository(pool, pool)
	entities := repository.NewEntityStore(pool, cfg.StoreQueryTimeout)
	stores := core.Stores{
		Persons:    entities,
		Groups:     entities,
		Cohorts:    repository.NewCohortStore(pool),
		GroupTypes: repository.NewGroupTypeStore(pool),
		Decrypter:  decrypter,
	}

	svc, err := service.New(ctx, flagRepo,
		repository.NewOverrideStore(pool, cfg.StoreQueryTimeout),
		stores,
		service.Options{
			Logger:         log,
			Metrics:        m,
			FlagCacheTTL:   cfg.FlagCacheTTL,
			ResyncInterval: cfg.CacheResyncInterval,
		})
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	apiHandler := server.NewHTTPHandler(svc, repository.NewTeamRepository(pool), server.Options{
		MetricsHandler: m.Handler(),
		MaxBodyBytes:   cfg.MaxJSONBodySize,
	})
	httpHandler := middleware.HTTPRequestLogging(log)(middleware.HTTPMetrics(m)(apiHandler))

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(httpHandler, "rollouts-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	serveErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
