package domain

import (
	"strings"
	"time"
)

// ExportType names a deterministic export product.
const ExportTypeStateAtTime = "state_at_time"

// ExportJob is a pollable side job created by the exports hook. ExportID is
// deterministic for the job's inputs, so repeating a pipeline run converges
// on the same job instead of creating a second one.
type ExportJob struct {
	ID           string
	ExportID     string
	InputsHash   string
	ExportType   string
	AsOf         time.Time
	Filters      ScopeFilters
	Status       Status
	RequestedBy  string
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ObjectKey    string
	ErrorCode    string
	ErrorMessage string
}

func (j ExportJob) Validate() error {
	if strings.TrimSpace(j.ID) == "" {
		return Invalid("id", "is required")
	}
	if strings.TrimSpace(j.ExportID) == "" {
		return Invalid("export_id", "is required")
	}
	if strings.TrimSpace(j.InputsHash) == "" {
		return Invalid("inputs_hash", "is required")
	}
	if strings.TrimSpace(j.ExportType) == "" {
		return Invalid("export_type", "is required")
	}
	if j.AsOf.IsZero() {
		return Invalid("as_of", "is required")
	}
	if !ExportJobMachine.Valid(j.Status) {
		return Invalid("status", "unknown export job status")
	}
	return nil
}
