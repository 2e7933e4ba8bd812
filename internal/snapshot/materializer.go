// Package snapshot materializes per-family valuation snapshots. Every family
// follows the same discipline: a content-addressed run row, append-only
// items with first-writer-wins semantics, and deterministic values derivable
// from stored inputs alone.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alcast-labs/alcast-go/internal/canonical"
	"github.com/alcast-labs/alcast-go/internal/domain"
	"github.com/alcast-labs/alcast-go/internal/repo"
)

// Snapshot family versions. Bumping a version changes every inputs hash of
// the family, forcing fresh runs instead of colliding with historical ones.
const (
	MtmVersion              = "mtm.contract_snapshot.v1.usd_only"
	PnlVersion              = "pnl.v1.usd_only"
	CashflowBaselineVersion = "cashflow.baseline.daily.v1"
	RiskFlagsVersion        = "finance.risk_flags.daily.v1"
)

// Subject is one unit the family values: a contract, a position, a book.
type Subject struct {
	ID       string
	Currency string
}

// Valuation is the outcome of valuing one subject. Computable=false means
// the subject is skipped and counted, never written.
type Valuation struct {
	Computable bool
	Value      *float64
	Flags      []string
	References domain.Metadata
}

// SubjectSource enumerates the subjects in scope for an as-of date.
type SubjectSource interface {
	Subjects(ctx context.Context, asOfDate time.Time, filters domain.ScopeFilters) ([]Subject, error)
}

// Valuer derives one subject's valuation for the as-of date.
type Valuer interface {
	Value(ctx context.Context, subject Subject, asOfDate time.Time) (Valuation, error)
}

// Result reports one materialization. Counters make repeated runs visibly
// idempotent: a rerun reports everything as skipped_existing.
type Result struct {
	RunID                string
	InputsHash           string
	Written              int
	SkippedExisting      int
	SkippedNotComputable int
	ItemIDs              []string
}

// Materializer runs one snapshot family end to end.
type Materializer struct {
	family  domain.SnapshotFamily
	version string
	store   repo.SnapshotRepository
	source  SubjectSource
	valuer  Valuer
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
}

func NewMaterializer(family domain.SnapshotFamily, version string, store repo.SnapshotRepository, source SubjectSource, valuer Valuer, logger *slog.Logger) *Materializer {
	if !family.Valid() || store == nil || source == nil || valuer == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Materializer{
		family:  family,
		version: version,
		store:   store,
		source:  source,
		valuer:  valuer,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

// FamilyInputsHash derives a family run's content address from its version,
// as-of date and normalized filters.
func FamilyInputsHash(version string, asOfDate time.Time, filters domain.ScopeFilters) (string, error) {
	normalized := domain.ScopeFilters{}
	for k, v := range filters {
		if v == nil {
			continue
		}
		normalized[k] = v
	}
	return canonical.HashHex(map[string]any{
		"version":    version,
		"as_of_date": asOfDate.UTC().Format(time.DateOnly),
		"filters":    map[string]any(normalized),
	})
}

// InputsHash derives the family run's content address.
func (m *Materializer) InputsHash(asOfDate time.Time, filters domain.ScopeFilters) (string, error) {
	hash, err := FamilyInputsHash(m.version, asOfDate, filters)
	if err != nil {
		return "", fmt.Errorf("%s inputs hash: %w", m.family, err)
	}
	return hash, nil
}

// Materialize ensures the family run for the inputs and writes one item per
// computable subject. Items already present for (subject, as_of, currency)
// keep their stored value; the run converges instead of duplicating.
func (m *Materializer) Materialize(ctx context.Context, asOfDate time.Time, filters domain.ScopeFilters, requestedBy string) (Result, error) {
	if m == nil {
		return Result{}, fmt.Errorf("materializer not initialized")
	}
	if asOfDate.IsZero() {
		return Result{}, domain.Invalid("as_of_date", "is required")
	}
	hash, err := m.InputsHash(asOfDate, filters)
	if err != nil {
		return Result{}, err
	}

	run, createdRun, err := m.store.EnsureSnapshotRun(ctx, domain.SnapshotRun{
		ID:           m.newID(),
		Family:       m.family,
		AsOfDate:     asOfDate.UTC(),
		Version:      m.version,
		ScopeFilters: filters,
		InputsHash:   hash,
		RequestedBy:  requestedBy,
		CreatedAt:    m.now(),
	})
	if err != nil {
		return Result{}, err
	}

	subjects, err := m.source.Subjects(ctx, asOfDate, filters)
	if err != nil {
		return Result{}, fmt.Errorf("%s subjects: %w", m.family, err)
	}

	res := Result{RunID: run.ID, InputsHash: run.InputsHash, ItemIDs: make([]string, 0, len(subjects))}
	for _, subject := range subjects {
		// A stored item keeps its value without re-deriving it. The skip has
		// to come before the valuer: a resumed run must converge even when an
		// input the stored items were derived from is gone.
		stored, err := m.store.GetSnapshotItem(ctx, m.family, subject.ID, asOfDate.UTC(), subject.Currency)
		if err == nil {
			res.SkippedExisting++
			res.ItemIDs = append(res.ItemIDs, stored.ID)
			continue
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return Result{}, fmt.Errorf("%s existing item %s: %w", m.family, subject.ID, err)
		}

		valuation, err := m.valuer.Value(ctx, subject, asOfDate)
		if err != nil {
			return Result{}, fmt.Errorf("%s value %s: %w", m.family, subject.ID, err)
		}
		if !valuation.Computable {
			res.SkippedNotComputable++
			continue
		}
		item, createdItem, err := m.store.EnsureSnapshotItem(ctx, domain.SnapshotItem{
			ID:         m.newID(),
			RunID:      run.ID,
			Family:     m.family,
			SubjectID:  subject.ID,
			AsOfDate:   asOfDate.UTC(),
			Currency:   subject.Currency,
			ValueUSD:   valuation.Value,
			Flags:      valuation.Flags,
			References: valuation.References,
			InputsHash: run.InputsHash,
			CreatedAt:  m.now(),
		})
		if err != nil {
			return Result{}, err
		}
		if createdItem {
			res.Written++
		} else {
			res.SkippedExisting++
		}
		res.ItemIDs = append(res.ItemIDs, item.ID)
	}

	m.logger.InfoContext(ctx, "snapshot run materialized",
		"family", m.family,
		"run_id", run.ID,
		"inputs_hash", run.InputsHash,
		"run_created", createdRun,
		"written", res.Written,
		"skipped_existing", res.SkippedExisting,
		"skipped_not_computable", res.SkippedNotComputable,
	)
	return res, nil
}
