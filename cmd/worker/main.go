// Package main is the export worker entry point. The worker claims menu
// export jobs from the shared relational queue, renders them in a headless
// browser, uploads the artifacts to blob storage and reports the outcome.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/leonclem/one-minute-menu-sub000/internal/adapter/extract/tika"
	"github.com/leonclem/one-minute-menu-sub000/internal/adapter/notify"
	"github.com/leonclem/one-minute-menu-sub000/internal/adapter/notify/kafka"
	"github.com/leonclem/one-minute-menu-sub000/internal/adapter/observability"
	renderpool "github.com/leonclem/one-minute-menu-sub000/internal/adapter/render/chromedp"
	"github.com/leonclem/one-minute-menu-sub000/internal/adapter/repo/postgres"
	"github.com/leonclem/one-minute-menu-sub000/internal/adapter/storage"
	"github.com/leonclem/one-minute-menu-sub000/internal/adapter/storage/gcs"
	"github.com/leonclem/one-minute-menu-sub000/internal/adapter/template/menuhtml"
	"github.com/leonclem/one-minute-menu-sub000/internal/app"
	"github.com/leonclem/one-minute-menu-sub000/internal/config"
	"github.com/leonclem/one-minute-menu-sub000/internal/domain"
	"github.com/leonclem/one-minute-menu-sub000/internal/service/quota"
	"github.com/leonclem/one-minute-menu-sub000/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}

	slog.Info("starting export worker",
		slog.String("env", cfg.AppEnv),
		slog.String("worker_id", cfg.WorkerID))

	ctx := context.Background()

	// Relational store.
	if cfg.AutoMigrate {
		if err := postgres.Migrate(cfg.StoreURL); err != nil {
			slog.Error("migration failed", slog.Any("error", err))
			os.Exit(1)
		}
	}
	pool, err := postgres.NewPool(ctx, cfg.StoreURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	jobs := postgres.NewRetryingJobStore(postgres.NewJobRepo(pool), cfg.DBMaxRetries, cfg.DBRetryDelay())

	var extractions domain.ExtractionStore
	if cfg.ExtractionEnabled() {
		extractions = postgres.NewRetryingExtractionStore(postgres.NewExtractionRepo(pool), cfg.DBMaxRetries, cfg.DBRetryDelay())
	}

	// Blob store behind the upload circuit breaker.
	blobStore, err := gcs.NewStore(ctx, cfg.BlobBucket, cfg.StoreKey, cfg.BlobPublicBaseURL)
	if err != nil {
		slog.Error("blob store init failed", slog.Any("error", err))
		os.Exit(1)
	}
	blobs := storage.NewGuarded(blobStore, storage.NewDefaultBreaker())

	// Render pool, canary-gated: a worker that cannot render must not claim.
	allowlist, err := config.LoadRenderAllowlist(cfg)
	if err != nil {
		slog.Error("render allowlist load failed", slog.Any("error", err))
		os.Exit(1)
	}
	renderer := renderpool.NewPool(cfg, allowlist)
	if cfg.EnableCanary {
		if err := renderpool.Canary(ctx, renderer); err != nil {
			slog.Error("render canary failed", slog.Any("error", err))
			os.Exit(1)
		}
		slog.Info("render canary passed")
	}

	templates, err := menuhtml.NewRenderer(allowlist)
	if err != nil {
		slog.Error("template renderer init failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Notifications are fire-and-forget; without brokers they only log.
	var notifier domain.Notifier = notify.Noop{}
	var producer *kafka.Producer
	if cfg.NotifierEnabled() {
		producer, err = kafka.NewProducer(cfg.KafkaBrokers, cfg.NotifyTopic)
		if err != nil {
			slog.Error("notification producer init failed", slog.Any("error", err))
			os.Exit(1)
		}
		notifier = producer
	}

	// Owner quota gate. Redis is optional; the gate degrades to store counts.
	var rdb *redis.Client
	if cfg.QuotaRedisEnabled() {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", slog.Any("error", err))
			os.Exit(1)
		}
		rdb = redis.NewClient(opts)
	}
	gate := quota.NewOwnerGate(jobs, rdb, pool, cfg.OwnerHourlyLimit, cfg.OwnerActiveLimit)
	if err := gate.WarmFromStore(ctx); err != nil {
		slog.Warn("quota warm from store failed", slog.Any("error", err))
	}

	processor := usecase.NewProcessor(jobs, blobs, renderer, templates, notifier, cfg.SignedURLTTL())

	poller := &app.Poller{
		Jobs:            jobs,
		Exports:         processor,
		Quota:           gate,
		WorkerID:        cfg.WorkerID,
		BusyDelay:       cfg.PollBusy(),
		IdleDelay:       cfg.PollIdle(),
		ExtractionFirst: cfg.ClaimExtractionFirst,
	}
	if extractions != nil {
		poller.Extractions = extractions
		poller.Extractor = usecase.NewExtractionProcessor(extractions, blobs, tika.New(cfg.TikaURL))
		slog.Info("extraction job family enabled", slog.String("tika_url", cfg.TikaURL))
	}

	health := app.HealthChecker{DB: jobs, Blobs: blobs, Renderer: renderer}

	sup := &app.Supervisor{
		Cfg:    cfg,
		Poller: poller,
		Sweepers: []app.Runner{
			app.NewStaleSweeper(jobs, extractions, cfg.StaleSweepInterval()),
			app.NewRetentionSweeper(jobs, blobs, cfg.RetentionSweepInterval(), cfg.RetentionDays),
		},
		Health:   app.BuildRouter(health.Handler()),
		Metrics:  app.BuildMetricsRouter(),
		Renderer: renderer,
		Closers: []func() error{
			func() error {
				if producer != nil {
					return producer.Close()
				}
				return nil
			},
			func() error {
				if rdb != nil {
					return rdb.Close()
				}
				return nil
			},
			blobStore.Close,
			func() error {
				pool.Close()
				return nil
			},
			func() error {
				if shutdownTracer != nil {
					return shutdownTracer(context.Background())
				}
				return nil
			},
		},
	}

	os.Exit(sup.Run())
}
