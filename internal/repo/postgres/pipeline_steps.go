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

type PipelineStepStore struct {
	db DB
}

const (
	insertPipelineStepQuery = `INSERT INTO pipeline_steps (
		id,
		run_id,
		step_name,
		status,
		artifacts,
		created_at
	) VALUES ($1,$2,$3,$4,$5,$6)
	ON CONFLICT (run_id, step_name) DO NOTHING
	RETURNING id`

	selectPipelineStepColumns = `id, run_id, step_name, status, created_at, started_at, completed_at,
		error_code, error_message, artifacts`
)

func NewPipelineStepStore(db DB) *PipelineStepStore {
	if db == nil {
		return nil
	}
	return &PipelineStepStore{db: db}
}

// EnsureStep inserts the step row for (run_id, step_name), or returns the
// existing one. Re-running a pipeline therefore reuses step rows instead of
// duplicating them.
func (s *PipelineStepStore) EnsureStep(ctx context.Context, step domain.PipelineStep) (domain.PipelineStep, bool, error) {
	if s == nil || s.db == nil {
		return domain.PipelineStep{}, false, fmt.Errorf("pipeline step store not initialized")
	}
	if err := step.Validate(); err != nil {
		return domain.PipelineStep{}, false, err
	}
	artifactsJSON, err := encodeMetadata(step.Artifacts)
	if err != nil {
		return domain.PipelineStep{}, false, fmt.Errorf("encode artifacts: %w", err)
	}

	var insertedID string
	err = s.db.QueryRowContext(
		ctx,
		insertPipelineStepQuery,
		strings.TrimSpace(step.ID),
		strings.TrimSpace(step.RunID),
		strings.TrimSpace(step.StepName),
		string(step.Status),
		artifactsJSON,
		normalizeTime(step.CreatedAt),
	).Scan(&insertedID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.PipelineStep{}, false, fmt.Errorf("insert pipeline step: %w", err)
		}
		existing, err := s.getStepByName(ctx, step.RunID, step.StepName)
		if err != nil {
			return domain.PipelineStep{}, false, err
		}
		return existing, false, nil
	}
	created, err := s.getStep(ctx, insertedID)
	if err != nil {
		return domain.PipelineStep{}, false, err
	}
	return created, true, nil
}

func (s *PipelineStepStore) ListSteps(ctx context.Context, runID string) ([]domain.PipelineStep, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("pipeline step store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+selectPipelineStepColumns+` FROM pipeline_steps WHERE run_id = $1 ORDER BY created_at ASC, step_name ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list pipeline steps: %w", err)
	}
	defer rows.Close()

	steps := make([]domain.PipelineStep, 0)
	for rows.Next() {
		step, err := scanPipelineStep(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan pipeline step: %w", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pipeline steps: %w", err)
	}
	return steps, nil
}

func (s *PipelineStepStore) TransitionStep(ctx context.Context, id string, tr repo.Transition) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("pipeline step store not initialized")
	}
	return applyTransition(ctx, s.db, "pipeline_steps", id, tr)
}

// SetStepArtifacts replaces the step's artifact references. Artifacts carry
// pointers (snapshot run ids, export ids), never payloads.
func (s *PipelineStepStore) SetStepArtifacts(ctx context.Context, id string, artifacts domain.Metadata) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("pipeline step store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("step id is required")
	}
	artifactsJSON, err := encodeMetadata(artifacts)
	if err != nil {
		return fmt.Errorf("encode artifacts: %w", err)
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE pipeline_steps SET artifacts = $1 WHERE id = $2`,
		artifactsJSON,
		id,
	)
	if err != nil {
		return fmt.Errorf("set step artifacts: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set step artifacts: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *PipelineStepStore) getStep(ctx context.Context, id string) (domain.PipelineStep, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+selectPipelineStepColumns+` FROM pipeline_steps WHERE id = $1`,
		strings.TrimSpace(id),
	)
	step, err := scanPipelineStep(row.Scan)
	if err != nil {
		return domain.PipelineStep{}, handleNotFound(err)
	}
	return step, nil
}

func (s *PipelineStepStore) getStepByName(ctx context.Context, runID, stepName string) (domain.PipelineStep, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+selectPipelineStepColumns+` FROM pipeline_steps WHERE run_id = $1 AND step_name = $2`,
		strings.TrimSpace(runID),
		strings.TrimSpace(stepName),
	)
	step, err := scanPipelineStep(row.Scan)
	if err != nil {
		return domain.PipelineStep{}, handleNotFound(err)
	}
	return step, nil
}

func scanPipelineStep(scan func(dest ...any) error) (domain.PipelineStep, error) {
	var step domain.PipelineStep
	var status string
	var startedAt sql.NullTime
	var completedAt sql.NullTime
	var errorCode sql.NullString
	var errorMessage sql.NullString
	var artifactsJSON []byte
	if err := scan(
		&step.ID, &step.RunID, &step.StepName, &status, &step.CreatedAt, &startedAt, &completedAt,
		&errorCode, &errorMessage, &artifactsJSON,
	); err != nil {
		return domain.PipelineStep{}, err
	}
	artifacts, err := decodeMetadata(artifactsJSON)
	if err != nil {
		return domain.PipelineStep{}, fmt.Errorf("decode artifacts: %w", err)
	}
	step.Status = domain.Status(status)
	step.StartedAt = timePtr(startedAt)
	step.CompletedAt = timePtr(completedAt)
	step.ErrorCode = stringOrEmpty(errorCode)
	step.ErrorMessage = stringOrEmpty(errorMessage)
	step.Artifacts = artifacts
	return step, nil
}
