package repo

import (
	"context"
	"time"

	"github.com/alcast-labs/alcast-go/internal/domain"
)

// Transition describes one conditional state change. The store applies it as
// a single guarded UPDATE: the row moves to To only if its current status is
// in AllowedFrom, otherwise ErrConflict is returned and nothing changes.
type Transition struct {
	To          domain.Status
	AllowedFrom []domain.Status
	// ErrorCode and ErrorMessage are persisted only for failure transitions.
	ErrorCode    string
	ErrorMessage string
	// At stamps started_at / completed_at depending on To; zero means now.
	At time.Time
}

type TimelineFilter struct {
	SubjectType string
	SubjectID   string
	EventType   string
	Limit       int
}

// PipelineRunRepository manages run identity and the run state machine.
// EnsureRun is the only way a run comes into existence: it inserts the row
// keyed by inputs hash, or returns the already existing run for that hash.
type PipelineRunRepository interface {
	EnsureRun(ctx context.Context, run domain.PipelineRun) (domain.PipelineRun, bool, error)
	GetRun(ctx context.Context, id string) (domain.PipelineRun, error)
	GetRunByInputsHash(ctx context.Context, inputsHash string) (domain.PipelineRun, error)
	TransitionRun(ctx context.Context, id string, tr Transition) error
}

// PipelineStepRepository manages per-run step rows, unique on
// (run_id, step_name).
type PipelineStepRepository interface {
	EnsureStep(ctx context.Context, step domain.PipelineStep) (domain.PipelineStep, bool, error)
	ListSteps(ctx context.Context, runID string) ([]domain.PipelineStep, error)
	TransitionStep(ctx context.Context, id string, tr Transition) error
	SetStepArtifacts(ctx context.Context, id string, artifacts domain.Metadata) error
}

// SnapshotRepository manages materialized snapshot families. Runs are unique
// per (family, inputs_hash); items are unique per
// (family, subject_id, as_of_date, currency).
type SnapshotRepository interface {
	EnsureSnapshotRun(ctx context.Context, run domain.SnapshotRun) (domain.SnapshotRun, bool, error)
	EnsureSnapshotItem(ctx context.Context, item domain.SnapshotItem) (domain.SnapshotItem, bool, error)
	GetSnapshotRunByInputsHash(ctx context.Context, family domain.SnapshotFamily, inputsHash string) (domain.SnapshotRun, error)
	GetSnapshotItem(ctx context.Context, family domain.SnapshotFamily, subjectID string, asOfDate time.Time, currency string) (domain.SnapshotItem, error)
	ListSnapshotItems(ctx context.Context, family domain.SnapshotFamily, runID string) ([]domain.SnapshotItem, error)
}

// TimelineRepository appends immutable events, unique on
// (event_type, idempotency_key). Append never overwrites: re-emitting an
// existing key returns the stored event with created=false.
type TimelineRepository interface {
	Append(ctx context.Context, event domain.TimelineEvent) (domain.TimelineEvent, bool, error)
	ListEvents(ctx context.Context, filter TimelineFilter) ([]domain.TimelineEvent, error)
}

// ExportJobRepository manages deterministic export jobs keyed by export id.
type ExportJobRepository interface {
	EnsureJob(ctx context.Context, job domain.ExportJob) (domain.ExportJob, bool, error)
	GetJob(ctx context.Context, id string) (domain.ExportJob, error)
	GetJobByExportID(ctx context.Context, exportID string) (domain.ExportJob, error)
	ListQueuedJobs(ctx context.Context, limit int) ([]domain.ExportJob, error)
	TransitionJob(ctx context.Context, id string, tr Transition) error
	SetJobObjectKey(ctx context.Context, id, objectKey string) error
}

// MarketPriceRepository stores ingested market data points, deduplicated on
// (source, symbol, as_of).
type MarketPriceRepository interface {
	EnsurePrice(ctx context.Context, price domain.MarketPrice) (domain.MarketPrice, bool, error)
	LatestOnOrBefore(ctx context.Context, symbol string, asOf time.Time) (domain.MarketPrice, error)
}

// ContractRepository reads the valuation scope for a pipeline day.
type ContractRepository interface {
	ListActiveContracts(ctx context.Context, filters domain.ScopeFilters) ([]domain.Contract, error)
	GetContract(ctx context.Context, id string) (domain.Contract, error)
}
