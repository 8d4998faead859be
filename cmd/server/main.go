// Command server runs the AI dispatch gateway: an HTTP service that
// routes completion requests across LLM providers with fallback,
// budgets, quotas, and experiments.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/learnloop/aidispatch/internal/admission"
	"github.com/learnloop/aidispatch/internal/api"
	"github.com/learnloop/aidispatch/internal/budget"
	"github.com/learnloop/aidispatch/internal/config"
	"github.com/learnloop/aidispatch/internal/dispatch"
	"github.com/learnloop/aidispatch/internal/executor"
	"github.com/learnloop/aidispatch/internal/experiment"
	"github.com/learnloop/aidispatch/internal/guardrails"
	"github.com/learnloop/aidispatch/internal/health"
	"github.com/learnloop/aidispatch/internal/metrics"
	"github.com/learnloop/aidispatch/internal/observability"
	"github.com/learnloop/aidispatch/internal/quota"
	"github.com/learnloop/aidispatch/internal/ratelimit"
	"github.com/learnloop/aidispatch/internal/registry"
	"github.com/learnloop/aidispatch/internal/selector"
	"github.com/learnloop/aidispatch/internal/store"
	"github.com/learnloop/aidispatch/internal/usage"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		cfg *config.Config
		mgr *config.Manager
		err error
	)
	bootLogger := observability.NewLogger("info", "json", os.Stdout)
	if configPath != "" {
		mgr, err = config.NewManager(configPath, bootLogger)
		if err != nil {
			return err
		}
		defer mgr.Close()
		cfg = mgr.Get()
	} else {
		cfg = config.DefaultConfig()
	}

	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format, os.Stdout)
	slog.SetDefault(logger)

	tp, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}()

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	counter, err := openQuotaCounter(cfg)
	if err != nil {
		return fmt.Errorf("open quota counter: %w", err)
	}
	defer counter.Close()

	reg := registry.New(st, cfg.Dispatch.RegistryRefresh, logger)
	limiter := ratelimit.NewLimiter()
	sel := selector.New(reg, limiter, logger)
	meter := usage.NewMeter(st, logger)
	tracker := budget.NewTracker(st, logger)
	exec := executor.New(sel, limiter, meter, tracker, executor.Defaults{
		MaxRetries:     cfg.Dispatch.MaxRetries,
		RetryDelayBase: cfg.Dispatch.RetryDelayBase,
		AttemptTimeout: cfg.Dispatch.AttemptTimeout,
	}, logger)
	adm := admission.NewController(st, counter, cfg.Dispatch.QuotaWarnPercent, logger)
	assigner := experiment.NewAssigner(st, time.Now().UnixNano(), logger)

	var filter guardrails.Filter
	if cfg.Guardrails.Enabled {
		filter, err = guardrails.NewPatternFilter(cfg.Guardrails.BlockedPatterns)
		if err != nil {
			return fmt.Errorf("compile guardrail patterns: %w", err)
		}
	}

	monitor := health.NewMonitor(reg, st, health.Options{
		ProbeTimeout:      cfg.Health.ProbeTimeout,
		DegradedLatency:   cfg.Health.DegradedLatency,
		UnhealthyFailures: cfg.Health.UnhealthyFailures,
	}, logger)

	svc := dispatch.NewService(reg, adm, tracker, exec, assigner, filter, st, logger)

	mux := http.NewServeMux()
	api.NewHandler(svc, st, reg, monitor, assigner, logger).RegisterRoutes(mux)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}

	var handler http.Handler = mux
	handler = metrics.Middleware(handler)
	handler = observability.RequestIDMiddleware(handler)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if mgr != nil {
		// Config edits invalidate the provider cache so registry changes
		// made through the file take effect without a restart.
		mgr.Subscribe(func(_ *config.Config) { reg.Invalidate() })
		go func() {
			if err := mgr.Watch(ctx); err != nil {
				logger.Warn("config watch stopped", "error", err)
			}
		}()
	}

	if cfg.Health.Enabled {
		go monitor.Run(ctx, cfg.Health.Interval)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "postgres":
		pg := cfg.Store.Postgres
		return store.NewPostgresStore(&store.PostgresConfig{
			Host:         pg.Host,
			Port:         pg.Port,
			User:         pg.User,
			Password:     pg.Password,
			Database:     pg.Database,
			SSLMode:      pg.SSLMode,
			MaxOpenConns: pg.MaxOpenConns,
			MaxIdleConns: pg.MaxIdleConns,
			ConnLifetime: pg.ConnLifetime,
		})
	default:
		return store.NewMemoryStore(), nil
	}
}

func openQuotaCounter(cfg *config.Config) (quota.Counter, error) {
	switch cfg.Quota.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Quota.Redis.Addr,
			Password: cfg.Quota.Redis.Password,
			DB:       cfg.Quota.Redis.DB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return quota.NewRedisCounter(client, "aidispatch"), nil
	default:
		return quota.NewMemoryCounter(), nil
	}
}
