package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/alcast-labs/alcast-go/internal/domain"
	"github.com/alcast-labs/alcast-go/internal/repo"
)

type PipelineRunStore struct {
	db DB
}

const (
	insertPipelineRunQuery = `INSERT INTO pipeline_runs (
		id,
		as_of_date,
		pipeline_version,
		scope_filters,
		mode,
		emit_exports,
		inputs_hash,
		status,
		requested_by,
		created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	ON CONFLICT (inputs_hash) DO NOTHING
	RETURNING id`

	selectPipelineRunColumns = `id, as_of_date, pipeline_version, scope_filters, mode, emit_exports,
		inputs_hash, status, requested_by, created_at, started_at, completed_at, error_code, error_message`
)

func NewPipelineRunStore(db DB) *PipelineRunStore {
	if db == nil {
		return nil
	}
	return &PipelineRunStore{db: db}
}

// EnsureRun inserts the run keyed by inputs hash, or returns the existing
// run for that hash when a previous (possibly concurrent) request already
// created it. The bool reports whether this call created the row.
func (s *PipelineRunStore) EnsureRun(ctx context.Context, run domain.PipelineRun) (domain.PipelineRun, bool, error) {
	if s == nil || s.db == nil {
		return domain.PipelineRun{}, false, fmt.Errorf("pipeline run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return domain.PipelineRun{}, false, err
	}
	filtersJSON, err := encodeFilters(run.ScopeFilters)
	if err != nil {
		return domain.PipelineRun{}, false, fmt.Errorf("encode scope filters: %w", err)
	}

	var insertedID string
	err = s.db.QueryRowContext(
		ctx,
		insertPipelineRunQuery,
		strings.TrimSpace(run.ID),
		run.AsOfDate.UTC(),
		strings.TrimSpace(run.PipelineVersion),
		filtersJSON,
		string(run.Mode),
		run.EmitExports,
		strings.TrimSpace(run.InputsHash),
		string(run.Status),
		nullIfEmpty(run.RequestedBy),
		normalizeTime(run.CreatedAt),
	).Scan(&insertedID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.PipelineRun{}, false, fmt.Errorf("insert pipeline run: %w", err)
		}
		// Conflict: another request owns this inputs hash. Fetch the winner.
		existing, err := s.GetRunByInputsHash(ctx, run.InputsHash)
		if err != nil {
			return domain.PipelineRun{}, false, err
		}
		return existing, false, nil
	}
	created, err := s.GetRun(ctx, insertedID)
	if err != nil {
		return domain.PipelineRun{}, false, err
	}
	return created, true, nil
}

func (s *PipelineRunStore) GetRun(ctx context.Context, id string) (domain.PipelineRun, error) {
	if s == nil || s.db == nil {
		return domain.PipelineRun{}, fmt.Errorf("pipeline run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.PipelineRun{}, fmt.Errorf("run id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+selectPipelineRunColumns+` FROM pipeline_runs WHERE id = $1`,
		id,
	)
	return scanPipelineRun(row)
}

func (s *PipelineRunStore) GetRunByInputsHash(ctx context.Context, inputsHash string) (domain.PipelineRun, error) {
	if s == nil || s.db == nil {
		return domain.PipelineRun{}, fmt.Errorf("pipeline run store not initialized")
	}
	inputsHash = strings.TrimSpace(inputsHash)
	if inputsHash == "" {
		return domain.PipelineRun{}, fmt.Errorf("inputs hash is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+selectPipelineRunColumns+` FROM pipeline_runs WHERE inputs_hash = $1`,
		inputsHash,
	)
	return scanPipelineRun(row)
}

// TransitionRun applies one guarded status change; see applyTransition.
func (s *PipelineRunStore) TransitionRun(ctx context.Context, id string, tr repo.Transition) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("pipeline run store not initialized")
	}
	return applyTransition(ctx, s.db, "pipeline_runs", id, tr)
}

func scanPipelineRun(row *sql.Row) (domain.PipelineRun, error) {
	var run domain.PipelineRun
	var filtersJSON []byte
	var mode string
	var status string
	var requestedBy sql.NullString
	var startedAt sql.NullTime
	var completedAt sql.NullTime
	var errorCode sql.NullString
	var errorMessage sql.NullString
	if err := row.Scan(
		&run.ID, &run.AsOfDate, &run.PipelineVersion, &filtersJSON, &mode, &run.EmitExports,
		&run.InputsHash, &status, &requestedBy, &run.CreatedAt, &startedAt, &completedAt,
		&errorCode, &errorMessage,
	); err != nil {
		return domain.PipelineRun{}, handleNotFound(err)
	}
	filters, err := decodeFilters(filtersJSON)
	if err != nil {
		return domain.PipelineRun{}, fmt.Errorf("decode scope filters: %w", err)
	}
	run.ScopeFilters = filters
	run.Mode = domain.Mode(mode)
	run.Status = domain.Status(status)
	run.RequestedBy = stringOrEmpty(requestedBy)
	run.StartedAt = timePtr(startedAt)
	run.CompletedAt = timePtr(completedAt)
	run.ErrorCode = stringOrEmpty(errorCode)
	run.ErrorMessage = stringOrEmpty(errorMessage)
	return run, nil
}
