package domain

import (
	"strings"
	"time"
)

// Mode selects between materializing a run and a pure projection.
type Mode string

const (
	ModeMaterialize Mode = "materialize"
	ModeDryRun      Mode = "dry_run"
)

func (m Mode) Valid() bool {
	return m == ModeMaterialize || m == ModeDryRun
}

// Step names of the daily finance pipeline, in execution order. The order is
// a correctness requirement: later steps read earlier steps' outputs.
const (
	StepMarketSnapshotResolve = "market_snapshot_resolve"
	StepMtmSnapshot           = "mtm_snapshot"
	StepPnlSnapshot           = "pnl_snapshot"
	StepCashflowBaseline      = "cashflow_baseline"
	StepRiskFlags             = "risk_flags"
	StepExports               = "exports"
)

// OrderedSteps returns the fixed, versioned step order.
func OrderedSteps() []string {
	return []string{
		StepMarketSnapshotResolve,
		StepMtmSnapshot,
		StepPnlSnapshot,
		StepCashflowBaseline,
		StepRiskFlags,
		StepExports,
	}
}

// PipelinePlan is the canonical, hashed form of a pipeline request.
// Building a plan has no side effects; two requests with semantically
// identical filters always produce the same InputsHash.
type PipelinePlan struct {
	AsOfDate        time.Time
	PipelineVersion string
	ScopeFilters    ScopeFilters
	Mode            Mode
	EmitExports     bool
	InputsHash      string
}

// PipelineRun is one attempt, keyed by InputsHash, to materialize the daily
// pipeline for a set of inputs. At most one row exists per InputsHash;
// rows are never deleted and done is terminal.
type PipelineRun struct {
	ID              string
	AsOfDate        time.Time
	PipelineVersion string
	ScopeFilters    ScopeFilters
	Mode            Mode
	EmitExports     bool
	InputsHash      string
	Status          Status
	RequestedBy     string
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	ErrorCode       string
	ErrorMessage    string
}

func (r PipelineRun) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return Invalid("id", "is required")
	}
	if r.AsOfDate.IsZero() {
		return Invalid("as_of_date", "is required")
	}
	if strings.TrimSpace(r.PipelineVersion) == "" {
		return Invalid("pipeline_version", "is required")
	}
	if !r.Mode.Valid() {
		return Invalid("mode", "must be materialize or dry_run")
	}
	if strings.TrimSpace(r.InputsHash) == "" {
		return Invalid("inputs_hash", "is required")
	}
	if !PipelineRunMachine.Valid(r.Status) {
		return Invalid("status", "unknown pipeline run status")
	}
	return nil
}

// PipelineStep is one named unit of work inside a run, unique per
// (run_id, step_name), created lazily when the executor first reaches it.
type PipelineStep struct {
	ID           string
	RunID        string
	StepName     string
	Status       Status
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorCode    string
	ErrorMessage string
	Artifacts    Metadata
}

func (s PipelineStep) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return Invalid("id", "is required")
	}
	if strings.TrimSpace(s.RunID) == "" {
		return Invalid("run_id", "is required")
	}
	if strings.TrimSpace(s.StepName) == "" {
		return Invalid("step_name", "is required")
	}
	if !PipelineStepMachine.Valid(s.Status) {
		return Invalid("status", "unknown pipeline step status")
	}
	return nil
}
