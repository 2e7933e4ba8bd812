package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alcast-labs/alcast-go/internal/api"
	"github.com/alcast-labs/alcast-go/internal/config"
	"github.com/alcast-labs/alcast-go/internal/exports"
	"github.com/alcast-labs/alcast-go/internal/marketdata"
	"github.com/alcast-labs/alcast-go/internal/pipeline"
	"github.com/alcast-labs/alcast-go/internal/platform/httpserver"
	"github.com/alcast-labs/alcast-go/internal/platform/lease"
	"github.com/alcast-labs/alcast-go/internal/platform/objectstore"
	"github.com/alcast-labs/alcast-go/internal/platform/postgres"
	repopg "github.com/alcast-labs/alcast-go/internal/repo/postgres"
	"github.com/alcast-labs/alcast-go/internal/scheduler"
	"github.com/alcast-labs/alcast-go/internal/snapshot"
	"github.com/alcast-labs/alcast-go/internal/timeline"
)

const service = "backoffice"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load("")
	if err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	storeClient, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	if err := objectstore.EnsureBuckets(ctx, storeClient, storeCfg); err != nil {
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	objects, err := objectstore.NewMinioStoreWithClient(storeClient)
	if err != nil {
		logger.Error("object store init failed", "error", err)
		os.Exit(2)
	}

	runs := repopg.NewPipelineRunStore(db)
	steps := repopg.NewPipelineStepStore(db)
	events := repopg.NewTimelineStore(db)
	snapshots := repopg.NewSnapshotStore(db)
	jobs := repopg.NewExportJobStore(db)
	prices := repopg.NewMarketPriceStore(db)
	contracts := repopg.NewContractStore(db)

	emitter := timeline.NewEmitter(events, logger)
	families := snapshot.NewFamilySet(snapshots, contracts, prices, logger)
	exportsSvc := exports.NewService(jobs, logger)
	ingestor := marketdata.NewIngestor(prices, marketdata.NewWestmetallClient(""), logger)

	executor := pipeline.NewExecutor(runs, steps, emitter, logger)
	if err := pipeline.RegisterDefaultSteps(executor, pipeline.Deps{
		Families:  families,
		Exports:   exportsSvc,
		Contracts: contracts,
		Prices:    prices,
		Timeline:  emitter,
	}); err != nil {
		logger.Error("pipeline wiring failed", "error", err)
		os.Exit(2)
	}

	worker := exports.NewWorker(jobs, snapshots, objects, storeCfg.BucketExports, cfg.Exports.BuildVersion, cfg.Exports.WorkerInterval, logger)
	go func() {
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("export worker stopped", "error", err)
		}
	}()

	sched := scheduler.New(scheduler.Config{
		IngestHourUTC:   cfg.Scheduler.IngestHourUTC,
		PipelineHourUTC: cfg.Scheduler.PipelineHourUTC,
		PipelineVersion: cfg.Scheduler.PipelineVersion,
		EmitExports:     cfg.Scheduler.EmitExports,
		PipelineEnabled: cfg.Scheduler.PipelineEnabled,
	}, ingestor, executor, lease.NewPostgresLocker(db, logger), logger)
	go func() {
		if err := sched.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler stopped", "error", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", httpserver.Healthz(service))
	mux.HandleFunc("GET /readyz", httpserver.Readyz(service,
		httpserver.ReadinessCheck{
			Name:  "postgres",
			Check: func(ctx context.Context) error { return db.PingContext(ctx) },
		},
		httpserver.ReadinessCheck{
			Name:  "objectstore",
			Check: func(ctx context.Context) error { return objectstore.CheckBuckets(ctx, storeClient, storeCfg) },
		},
	))

	backofficeAPI := api.New(logger, executor, runs, steps, emitter, exportsSvc, ingestor)
	if backofficeAPI == nil {
		logger.Error("api wiring failed")
		os.Exit(2)
	}
	backofficeAPI.Register(mux)

	handler := httpserver.Wrap(logger, service, mux)
	if err := httpserver.Run(ctx, logger, httpserver.Config{
		Service:         service,
		Addr:            cfg.HTTP.Addr,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
	}, handler); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server failed", "error", err)
		os.Exit(1)
	}
}
