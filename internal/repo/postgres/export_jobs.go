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

type ExportJobStore struct {
	db DB
}

const (
	insertExportJobQuery = `INSERT INTO export_jobs (
		id,
		export_id,
		inputs_hash,
		export_type,
		as_of,
		filters,
		status,
		requested_by,
		created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	ON CONFLICT (export_id) DO NOTHING
	RETURNING id`

	selectExportJobColumns = `id, export_id, inputs_hash, export_type, as_of, filters, status,
		requested_by, created_at, started_at, completed_at, object_key, error_code, error_message`
)

func NewExportJobStore(db DB) *ExportJobStore {
	if db == nil {
		return nil
	}
	return &ExportJobStore{db: db}
}

// EnsureJob inserts the job keyed by export id, or returns the existing one.
// Export ids derive from the inputs hash, so repeated pipeline runs converge
// on a single job.
func (s *ExportJobStore) EnsureJob(ctx context.Context, job domain.ExportJob) (domain.ExportJob, bool, error) {
	if s == nil || s.db == nil {
		return domain.ExportJob{}, false, fmt.Errorf("export job store not initialized")
	}
	if err := job.Validate(); err != nil {
		return domain.ExportJob{}, false, err
	}
	filtersJSON, err := encodeFilters(job.Filters)
	if err != nil {
		return domain.ExportJob{}, false, fmt.Errorf("encode filters: %w", err)
	}

	var insertedID string
	err = s.db.QueryRowContext(
		ctx,
		insertExportJobQuery,
		strings.TrimSpace(job.ID),
		strings.TrimSpace(job.ExportID),
		strings.TrimSpace(job.InputsHash),
		strings.TrimSpace(job.ExportType),
		job.AsOf.UTC(),
		filtersJSON,
		string(job.Status),
		nullIfEmpty(job.RequestedBy),
		normalizeTime(job.CreatedAt),
	).Scan(&insertedID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.ExportJob{}, false, fmt.Errorf("insert export job: %w", err)
		}
		existing, err := s.GetJobByExportID(ctx, job.ExportID)
		if err != nil {
			return domain.ExportJob{}, false, err
		}
		return existing, false, nil
	}
	created, err := s.GetJob(ctx, insertedID)
	if err != nil {
		return domain.ExportJob{}, false, err
	}
	return created, true, nil
}

func (s *ExportJobStore) GetJob(ctx context.Context, id string) (domain.ExportJob, error) {
	if s == nil || s.db == nil {
		return domain.ExportJob{}, fmt.Errorf("export job store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.ExportJob{}, fmt.Errorf("job id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+selectExportJobColumns+` FROM export_jobs WHERE id = $1`,
		id,
	)
	return scanExportJob(row.Scan)
}

func (s *ExportJobStore) GetJobByExportID(ctx context.Context, exportID string) (domain.ExportJob, error) {
	if s == nil || s.db == nil {
		return domain.ExportJob{}, fmt.Errorf("export job store not initialized")
	}
	exportID = strings.TrimSpace(exportID)
	if exportID == "" {
		return domain.ExportJob{}, fmt.Errorf("export id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+selectExportJobColumns+` FROM export_jobs WHERE export_id = $1`,
		exportID,
	)
	return scanExportJob(row.Scan)
}

// ListQueuedJobs returns the oldest queued jobs. The worker claims each via
// TransitionJob; a conflict there just means another worker won the claim.
func (s *ExportJobStore) ListQueuedJobs(ctx context.Context, limit int) ([]domain.ExportJob, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("export job store not initialized")
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+selectExportJobColumns+` FROM export_jobs WHERE status = $1 ORDER BY created_at ASC LIMIT $2`,
		string(domain.StatusQueued),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list queued export jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]domain.ExportJob, 0, limit)
	for rows.Next() {
		job, err := scanExportJob(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan export job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list queued export jobs: %w", err)
	}
	return jobs, nil
}

func (s *ExportJobStore) TransitionJob(ctx context.Context, id string, tr repo.Transition) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("export job store not initialized")
	}
	return applyTransition(ctx, s.db, "export_jobs", id, tr)
}

func (s *ExportJobStore) SetJobObjectKey(ctx context.Context, id, objectKey string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("export job store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("job id is required")
	}
	objectKey = strings.TrimSpace(objectKey)
	if objectKey == "" {
		return fmt.Errorf("object key is required")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE export_jobs SET object_key = $1 WHERE id = $2`,
		objectKey,
		id,
	)
	if err != nil {
		return fmt.Errorf("set export object key: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set export object key: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func scanExportJob(scan func(dest ...any) error) (domain.ExportJob, error) {
	var job domain.ExportJob
	var filtersJSON []byte
	var status string
	var requestedBy sql.NullString
	var startedAt sql.NullTime
	var completedAt sql.NullTime
	var objectKey sql.NullString
	var errorCode sql.NullString
	var errorMessage sql.NullString
	if err := scan(
		&job.ID, &job.ExportID, &job.InputsHash, &job.ExportType, &job.AsOf, &filtersJSON, &status,
		&requestedBy, &job.CreatedAt, &startedAt, &completedAt, &objectKey, &errorCode, &errorMessage,
	); err != nil {
		return domain.ExportJob{}, handleNotFound(err)
	}
	filters, err := decodeFilters(filtersJSON)
	if err != nil {
		return domain.ExportJob{}, fmt.Errorf("decode filters: %w", err)
	}
	job.Filters = filters
	job.Status = domain.Status(status)
	job.RequestedBy = stringOrEmpty(requestedBy)
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	job.ObjectKey = stringOrEmpty(objectKey)
	job.ErrorCode = stringOrEmpty(errorCode)
	job.ErrorMessage = stringOrEmpty(errorMessage)
	return job, nil
}
