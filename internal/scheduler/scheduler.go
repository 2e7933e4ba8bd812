// Package scheduler runs the daily background jobs: market data ingestion
// followed by the finance pipeline. Every instance of the service starts a
// scheduler; advisory leases keep concurrent instances from duplicating
// work, and the jobs themselves are idempotent either way.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alcast-labs/alcast-go/internal/domain"
	"github.com/alcast-labs/alcast-go/internal/marketdata"
	"github.com/alcast-labs/alcast-go/internal/pipeline"
	"github.com/alcast-labs/alcast-go/internal/platform/lease"
)

// Default UTC hours: ingest at 09:00, pipeline at 10:00 so the day's prices
// are in place before valuation.
const (
	DefaultIngestHourUTC   = 9
	DefaultPipelineHourUTC = 10

	defaultPipelineVersion = "daily.v1"
)

type Config struct {
	IngestHourUTC   int
	PipelineHourUTC int
	PipelineVersion string
	EmitExports     bool
	PipelineEnabled bool
}

type Scheduler struct {
	cfg      Config
	ingestor *marketdata.Ingestor
	executor *pipeline.Executor
	locker   lease.Locker
	cron     *cron.Cron
	logger   *slog.Logger
	now      func() time.Time
}

func New(cfg Config, ingestor *marketdata.Ingestor, executor *pipeline.Executor, locker lease.Locker, logger *slog.Logger) *Scheduler {
	if ingestor == nil || executor == nil {
		return nil
	}
	if locker == nil {
		locker = lease.NoopLocker{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	// Hour zero means unset; the jobs are not scheduled at midnight.
	if cfg.IngestHourUTC <= 0 || cfg.IngestHourUTC > 23 {
		cfg.IngestHourUTC = DefaultIngestHourUTC
	}
	if cfg.PipelineHourUTC <= 0 || cfg.PipelineHourUTC > 23 {
		cfg.PipelineHourUTC = DefaultPipelineHourUTC
	}
	if cfg.PipelineVersion == "" {
		cfg.PipelineVersion = defaultPipelineVersion
	}
	return &Scheduler{
		cfg:      cfg,
		ingestor: ingestor,
		executor: executor,
		locker:   locker,
		cron:     cron.New(cron.WithLocation(time.UTC)),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start registers the cron entries and runs them until the context is
// cancelled. It returns after the running jobs have finished.
func (s *Scheduler) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("scheduler not initialized")
	}
	if _, err := s.cron.AddFunc(fmt.Sprintf("0 %d * * *", s.cfg.IngestHourUTC), func() {
		s.RunIngest(ctx)
	}); err != nil {
		return fmt.Errorf("register ingest job: %w", err)
	}
	if s.cfg.PipelineEnabled {
		if _, err := s.cron.AddFunc(fmt.Sprintf("0 %d * * *", s.cfg.PipelineHourUTC), func() {
			s.RunPipeline(ctx)
		}); err != nil {
			return fmt.Errorf("register pipeline job: %w", err)
		}
	}
	s.cron.Start()
	s.logger.InfoContext(ctx, "scheduler started",
		"ingest_hour_utc", s.cfg.IngestHourUTC,
		"pipeline_hour_utc", s.cfg.PipelineHourUTC,
		"pipeline_enabled", s.cfg.PipelineEnabled,
	)
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return ctx.Err()
}

// RunIngest ingests the current year's Westmetall settlements under the
// ingest lease. Failures are logged, never fatal to the scheduler.
func (s *Scheduler) RunIngest(ctx context.Context) {
	held, acquired, err := s.locker.TryAcquire(ctx, lease.KeyWestmetallIngest)
	if err != nil {
		s.logger.ErrorContext(ctx, "ingest lease failed", "error", err)
		return
	}
	if !acquired {
		s.logger.InfoContext(ctx, "ingest skipped, lease held elsewhere")
		return
	}
	defer func() {
		if err := held.Release(ctx); err != nil {
			s.logger.WarnContext(ctx, "ingest lease release failed", "error", err)
		}
	}()

	year := s.now().Year()
	res, err := s.ingestor.IngestYear(ctx, year)
	if err != nil {
		s.logger.ErrorContext(ctx, "westmetall ingest failed", "year", year, "error", err)
		return
	}
	s.logger.InfoContext(ctx, "westmetall ingest ok",
		"year", res.Year,
		"inserted", res.Inserted,
		"skipped", res.Skipped,
	)
}

// RunPipeline materializes today's pipeline run under the pipeline lease.
func (s *Scheduler) RunPipeline(ctx context.Context) {
	held, acquired, err := s.locker.TryAcquire(ctx, lease.KeyFinancePipeline)
	if err != nil {
		s.logger.ErrorContext(ctx, "pipeline lease failed", "error", err)
		return
	}
	if !acquired {
		s.logger.InfoContext(ctx, "pipeline skipped, lease held elsewhere")
		return
	}
	defer func() {
		if err := held.Release(ctx); err != nil {
			s.logger.WarnContext(ctx, "pipeline lease release failed", "error", err)
		}
	}()

	asOf := s.now().Truncate(24 * time.Hour)
	res, err := s.executor.Execute(ctx, pipeline.Request{
		AsOfDate:        asOf,
		PipelineVersion: s.cfg.PipelineVersion,
		Mode:            domain.ModeMaterialize,
		EmitExports:     s.cfg.EmitExports,
		RequestedBy:     "scheduler",
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "daily pipeline failed",
			"as_of_date", asOf.Format(time.DateOnly),
			"error", err,
		)
		return
	}
	s.logger.InfoContext(ctx, "daily pipeline ok",
		"as_of_date", asOf.Format(time.DateOnly),
		"run_id", res.RunID,
		"status", res.Status,
	)
}
