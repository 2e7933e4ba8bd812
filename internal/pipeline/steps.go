package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/alcast-labs/alcast-go/internal/domain"
	"github.com/alcast-labs/alcast-go/internal/exports"
	"github.com/alcast-labs/alcast-go/internal/repo"
	"github.com/alcast-labs/alcast-go/internal/snapshot"
	"github.com/alcast-labs/alcast-go/internal/timeline"
)

// Snapshot lifecycle events emitted by the materializing steps. Keyed on the
// family inputs hash, so replaying a run never duplicates them.
const (
	EventMtmSnapshotCreated = "MTM_SNAPSHOT_CREATED"
	EventPnlSnapshotCreated = "PNL_SNAPSHOT_CREATED"
)

// Deps carries everything the default step implementations touch.
type Deps struct {
	Families  *snapshot.FamilySet
	Exports   *exports.Service
	Contracts repo.ContractRepository
	Prices    repo.MarketPriceRepository
	Timeline  *timeline.Emitter
}

// RegisterDefaultSteps binds the standard implementation of every ordered
// step. Callers may re-register individual steps afterwards, e.g. to stub a
// source in tests.
func RegisterDefaultSteps(e *Executor, deps Deps) error {
	if e == nil {
		return fmt.Errorf("executor not initialized")
	}
	if deps.Families == nil || deps.Exports == nil || deps.Contracts == nil || deps.Prices == nil || deps.Timeline == nil {
		return fmt.Errorf("incomplete step dependencies")
	}
	e.RegisterStep(domain.StepMarketSnapshotResolve, marketSnapshotResolveStep(deps))
	e.RegisterStep(domain.StepMtmSnapshot, snapshotStep(deps, deps.Families.Mtm, "mtm"))
	e.RegisterStep(domain.StepPnlSnapshot, snapshotStep(deps, deps.Families.Pnl, "pnl"))
	e.RegisterStep(domain.StepCashflowBaseline, snapshotStep(deps, deps.Families.CashflowBaseline, "cashflow_baseline"))
	e.RegisterStep(domain.StepRiskFlags, snapshotStep(deps, deps.Families.RiskFlags, "risk_flags"))
	e.RegisterStep(domain.StepExports, exportsStep(deps))
	return nil
}

// marketSnapshotResolveStep checks that a reference price exists for every
// symbol the active contracts trade. It never fails the run: symbols without
// a usable price are reported in the artifacts and surface later as
// not-computable marks and risk flags.
func marketSnapshotResolveStep(deps Deps) StepFunc {
	return func(ctx context.Context, sc StepContext) (domain.Metadata, error) {
		contracts, err := deps.Contracts.ListActiveContracts(ctx, sc.Plan.ScopeFilters)
		if err != nil {
			return nil, &StepError{Code: "market_snapshot_source_unavailable", Err: err}
		}
		seen := map[string]bool{}
		symbols := []string{}
		for _, c := range contracts {
			if c.Symbol == "" || seen[c.Symbol] {
				continue
			}
			seen[c.Symbol] = true
			symbols = append(symbols, c.Symbol)
		}
		sort.Strings(symbols)

		resolved := []string{}
		missing := []string{}
		for _, symbol := range symbols {
			_, err := deps.Prices.LatestOnOrBefore(ctx, symbol, sc.Plan.AsOfDate)
			switch {
			case errors.Is(err, repo.ErrNotFound):
				missing = append(missing, symbol)
			case err != nil:
				return nil, &StepError{Code: "market_snapshot_source_unavailable", Err: err}
			default:
				resolved = append(resolved, symbol)
			}
		}
		return domain.Metadata{
			"symbols":        symbols,
			"resolved":       resolved,
			"missing":        missing,
			"resolved_count": len(resolved),
			"missing_count":  len(missing),
		}, nil
	}
}

// snapshotStep materializes one family and records pointers to the run it
// produced. Prefix names the artifact keys, e.g. mtm_snapshot_run_id.
func snapshotStep(deps Deps, m *snapshot.Materializer, prefix string) StepFunc {
	return func(ctx context.Context, sc StepContext) (domain.Metadata, error) {
		res, err := m.Materialize(ctx, sc.Plan.AsOfDate, sc.Plan.ScopeFilters, sc.Actor)
		if err != nil {
			return nil, &StepError{Code: prefix + "_materialize_failed", Err: err}
		}
		if err := emitSnapshotCreated(ctx, deps, sc, prefix, res); err != nil {
			return nil, err
		}
		return domain.Metadata{
			prefix + "_snapshot_run_id":  res.RunID,
			prefix + "_inputs_hash":      res.InputsHash,
			"written":                    res.Written,
			"skipped_existing":           res.SkippedExisting,
			"skipped_not_computable":     res.SkippedNotComputable,
		}, nil
	}
}

// emitSnapshotCreated publishes the created event for the families that have
// one. Cashflow and risk-flag runs are internal read models and stay off the
// timeline.
func emitSnapshotCreated(ctx context.Context, deps Deps, sc StepContext, prefix string, res snapshot.Result) error {
	var eventType, subjectType, key string
	switch prefix {
	case "mtm":
		eventType = EventMtmSnapshotCreated
		subjectType = "mtm_contract_snapshot_run"
		key = "mtm_snapshot:create:" + res.InputsHash
	case "pnl":
		eventType = EventPnlSnapshotCreated
		subjectType = "pnl_snapshot_run"
		key = "pnl_snapshot:create:" + res.InputsHash
	default:
		return nil
	}
	filters := sc.Plan.ScopeFilters
	if filters == nil {
		filters = domain.ScopeFilters{}
	}
	_, _, err := deps.Timeline.Emit(ctx, domain.TimelineEvent{
		EventType:      eventType,
		SubjectType:    subjectType,
		SubjectID:      res.RunID,
		CorrelationID:  sc.CorrelationID,
		IdempotencyKey: key,
		Visibility:     domain.VisibilityFinance,
		Payload: domain.Metadata{
			prefix + "_snapshot_run_id": res.RunID,
			"inputs_hash":               res.InputsHash,
			"as_of_date":                sc.Plan.AsOfDate.UTC().Format(time.DateOnly),
			"filters":                   map[string]any(filters),
			"pipeline_run_id":           sc.Run.ID,
		},
		Actor: sc.Actor,
	})
	return err
}

// exportsStep enqueues the deterministic state-at-time export for the run's
// cutoff. The cutoff is midnight UTC of the as-of date; the worker builds the
// artifact asynchronously.
func exportsStep(deps Deps) StepFunc {
	return func(ctx context.Context, sc StepContext) (domain.Metadata, error) {
		cutoff := time.Date(
			sc.Plan.AsOfDate.Year(), sc.Plan.AsOfDate.Month(), sc.Plan.AsOfDate.Day(),
			0, 0, 0, 0, time.UTC,
		)
		job, reused, err := deps.Exports.EnsureJob(ctx, domain.ExportTypeStateAtTime, cutoff, sc.Plan.ScopeFilters, sc.Actor)
		if err != nil {
			return nil, &StepError{Code: "export_enqueue_failed", Err: err}
		}
		return domain.Metadata{
			"export_jobs": []any{domain.Metadata{
				"export_job_id": job.ID,
				"export_id":     job.ExportID,
				"export_type":   job.ExportType,
				"reused":        reused,
			}},
			"export_ids":       []string{job.ExportID},
			"export_job_count": 1,
		}, nil
	}
}
