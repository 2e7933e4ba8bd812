package domain

import (
	"strings"
	"time"
)

// SnapshotFamily names one downstream snapshot family. Each family has its
// own run/item tables and its own versioned inputs hash.
type SnapshotFamily string

const (
	FamilyMtm              SnapshotFamily = "mtm"
	FamilyPnl              SnapshotFamily = "pnl"
	FamilyCashflowBaseline SnapshotFamily = "cashflow_baseline"
	FamilyRiskFlags        SnapshotFamily = "risk_flags"
)

func (f SnapshotFamily) Valid() bool {
	switch f {
	case FamilyMtm, FamilyPnl, FamilyCashflowBaseline, FamilyRiskFlags:
		return true
	}
	return false
}

// SnapshotRun is the per-family analogue of PipelineRun: one row per
// inputs hash, never deleted.
type SnapshotRun struct {
	ID           string
	Family       SnapshotFamily
	AsOfDate     time.Time
	Version      string
	ScopeFilters ScopeFilters
	InputsHash   string
	RequestedBy  string
	CreatedAt    time.Time
}

func (r SnapshotRun) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return Invalid("id", "is required")
	}
	if !r.Family.Valid() {
		return Invalid("family", "unknown snapshot family")
	}
	if r.AsOfDate.IsZero() {
		return Invalid("as_of_date", "is required")
	}
	if strings.TrimSpace(r.InputsHash) == "" {
		return Invalid("inputs_hash", "is required")
	}
	return nil
}

// SnapshotItem is one materialized value, unique per
// (subject_id, as_of_date, currency) within a family. It carries the
// inputs hash of the run that produced it for exact provenance tracing.
type SnapshotItem struct {
	ID         string
	RunID      string
	Family     SnapshotFamily
	SubjectID  string
	AsOfDate   time.Time
	Currency   string
	ValueUSD   *float64
	Flags      []string
	References Metadata
	InputsHash string
	CreatedAt  time.Time
}

func (i SnapshotItem) Validate() error {
	if strings.TrimSpace(i.ID) == "" {
		return Invalid("id", "is required")
	}
	if strings.TrimSpace(i.RunID) == "" {
		return Invalid("run_id", "is required")
	}
	if !i.Family.Valid() {
		return Invalid("family", "unknown snapshot family")
	}
	if strings.TrimSpace(i.SubjectID) == "" {
		return Invalid("subject_id", "is required")
	}
	if i.AsOfDate.IsZero() {
		return Invalid("as_of_date", "is required")
	}
	if strings.TrimSpace(i.Currency) == "" {
		return Invalid("currency", "is required")
	}
	if strings.TrimSpace(i.InputsHash) == "" {
		return Invalid("inputs_hash", "is required")
	}
	return nil
}
