// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adiadia/playbook-runtime/internal/backoff"
	"github.com/adiadia/playbook-runtime/internal/config"
	"github.com/adiadia/playbook-runtime/internal/domain"
	"github.com/adiadia/playbook-runtime/internal/engine"
	"github.com/adiadia/playbook-runtime/internal/events"
	"github.com/adiadia/playbook-runtime/internal/logging"
	"github.com/adiadia/playbook-runtime/internal/persistence/postgres"
	"github.com/adiadia/playbook-runtime/internal/playbook"
	"github.com/adiadia/playbook-runtime/internal/quota"
	"github.com/adiadia/playbook-runtime/internal/repository"
	"github.com/adiadia/playbook-runtime/internal/steps"
	httptransport "github.com/adiadia/playbook-runtime/internal/transport/http"
	"github.com/adiadia/playbook-runtime/internal/webhook"
	"golang.org/x/sync/errgroup"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger := logging.New(logging.Options{
		Env:     cfg.Env,
		Level:   cfg.LogLevel,
		Service: "playbook-api",
		Version: Version,
	})

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, max(cfg.DBMaxConns, cfg.WorkerConcurrency+4))
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	if cfg.AutoMigrate {
		if err := postgres.EnsureSchema(ctx, pool, logger); err != nil {
			log.Fatalf("schema migration failed: %v", err)
		}
	}

	store := repository.NewStore(pool, logger)
	registry := steps.NewDefaultRegistry(&http.Client{Timeout: cfg.StepTimeout})

	if cfg.PlaybookDir != "" {
		if err := seedPlaybooks(ctx, store, registry, cfg.PlaybookDir, logger); err != nil {
			log.Fatalf("load playbooks failed: %v", err)
		}
	}

	publisher, closeRedis, err := newPublisher(cfg, store, logger)
	if err != nil {
		log.Fatalf("event publisher setup failed: %v", err)
	}
	defer closeRedis()

	quotas := quota.New(quota.Deps{
		Runs:   store,
		Usage:  store,
		Logger: logger,
		Defaults: quota.Limits{
			MaxConcurrentRuns: cfg.MaxConcurrentRuns,
			MaxStepsPerRun:    cfg.MaxStepsPerRun,
		},
	})

	eng, err := engine.New(engine.Deps{
		Store:     store,
		Playbooks: store,
		Steps:     registry,
		Logger:    logger,
		Quota:     quotas,
		Events:    publisher,
		Webhooks: webhook.New(webhook.Deps{
			Logger:  logger,
			Secret:  cfg.WebhookSecret,
			Timeout: cfg.WebhookTimeout,
		}),
		Backoff:         backoff.NewExponential(cfg.RetryBaseDelay, cfg.RetryMaxDelay),
		Concurrency:     cfg.WorkerConcurrency,
		MaxAttempts:     cfg.MaxAttempts,
		StepTimeout:     cfg.StepTimeout,
		DrainTimeout:    cfg.DrainTimeout,
		ReclaimAfter:    cfg.ReclaimAfter,
		RecoverInterval: cfg.RecoverInterval,
		WebhookTimeout:  cfg.WebhookTimeout,
	})
	if err != nil {
		log.Fatalf("engine setup failed: %v", err)
	}

	handler := httptransport.NewRouter(httptransport.Deps{
		Engine:         eng,
		Runs:           store,
		Playbooks:      store,
		Events:         store,
		Usage:          store,
		APIKeyAdmin:    store,
		APIKeyResolver: store,
		Health:         postgres.NewSchemaHealthChecker(pool),
		Logger:         logger,
		AdminToken:     cfg.AdminToken,
		Version:        Version,
		Commit:         Commit,
		BuildDate:      BuildDate,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return eng.Start(gctx)
	})

	g.Go(func() error {
		logger.Info("api listening",
			"addr", cfg.HTTPAddr,
			"version", Version,
			"commit", Commit,
			"build_date", BuildDate,
			"workers", cfg.WorkerConcurrency,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout+5*time.Second)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := eng.Stop(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		quotas.Wait()
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// seedPlaybooks stores every playbook definition found in dir, replacing
// earlier versions with the same id.
func seedPlaybooks(ctx context.Context, store *repository.Store, registry *steps.Registry, dir string, logger *slog.Logger) error {
	pbs, err := playbook.LoadDir(dir)
	if err != nil {
		return err
	}
	known := func(t domain.StepType) bool {
		_, ok := registry.Get(t)
		return ok
	}
	for _, pb := range pbs {
		if err := playbook.CheckTypes(pb, known); err != nil {
			return err
		}
		if err := store.CreatePlaybook(ctx, pb); err != nil {
			return err
		}
		logger.Info("playbook loaded",
			"playbook_id", pb.ID,
			"name", pb.Name,
			"steps", len(pb.Steps),
		)
	}
	return nil
}

// newPublisher fans run events out to the event log and the process log,
// and to Redis when REDIS_URL is set.
func newPublisher(cfg config.Config, store *repository.Store, logger *slog.Logger) (events.Publisher, func(), error) {
	fanout := events.Fanout{
		events.NewStoreSink(store),
		events.NewLogSink(logger, slog.LevelDebug),
	}
	if cfg.RedisURL == "" {
		return fanout, func() {}, nil
	}

	client, err := events.NewRedisClient(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("publishing events to redis")
	return append(fanout, events.NewRedisSink(client)), func() { _ = client.Close() }, nil
}
