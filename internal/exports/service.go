package exports

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alcast-labs/alcast-go/internal/domain"
	"github.com/alcast-labs/alcast-go/internal/repo"
)

// Service ensures export jobs and answers job lookups.
type Service struct {
	jobs   repo.ExportJobRepository
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

func NewService(jobs repo.ExportJobRepository, logger *slog.Logger) *Service {
	if jobs == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		jobs:   jobs,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

// EnsureJob resolves the deterministic job for the inputs, creating it in
// queued state if it does not exist. The bool reports whether an existing
// job was reused.
func (s *Service) EnsureJob(ctx context.Context, exportType string, asOf time.Time, filters domain.ScopeFilters, requestedBy string) (domain.ExportJob, bool, error) {
	if s == nil || s.jobs == nil {
		return domain.ExportJob{}, false, fmt.Errorf("export service not initialized")
	}
	if asOf.IsZero() {
		return domain.ExportJob{}, false, domain.Invalid("as_of", "is required")
	}
	exportID, inputsHash, err := ComputeExportIDAndHash(exportType, asOf, filters)
	if err != nil {
		return domain.ExportJob{}, false, err
	}
	job, created, err := s.jobs.EnsureJob(ctx, domain.ExportJob{
		ID:          s.newID(),
		ExportID:    exportID,
		InputsHash:  inputsHash,
		ExportType:  exportType,
		AsOf:        asOf.UTC(),
		Filters:     filters,
		Status:      domain.ExportJobMachine.Initial,
		RequestedBy: requestedBy,
		CreatedAt:   s.now(),
	})
	if err != nil {
		return domain.ExportJob{}, false, err
	}
	s.logger.InfoContext(ctx, "export job resolved",
		"export_id", job.ExportID,
		"inputs_hash", job.InputsHash,
		"status", job.Status,
		"reused", !created,
	)
	return job, !created, nil
}

func (s *Service) GetJobByExportID(ctx context.Context, exportID string) (domain.ExportJob, error) {
	if s == nil || s.jobs == nil {
		return domain.ExportJob{}, fmt.Errorf("export service not initialized")
	}
	return s.jobs.GetJobByExportID(ctx, exportID)
}
