package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alcast-labs/alcast-go/internal/domain"
)

// snapshotTables maps each family to its physical run/item tables. The map
// doubles as a whitelist: family names are interpolated into SQL only after
// passing through it, never from caller input directly.
var snapshotTables = map[domain.SnapshotFamily]struct {
	runs  string
	items string
}{
	domain.FamilyMtm:              {runs: "mtm_snapshot_runs", items: "mtm_snapshot_items"},
	domain.FamilyPnl:              {runs: "pnl_snapshot_runs", items: "pnl_snapshot_items"},
	domain.FamilyCashflowBaseline: {runs: "cashflow_baseline_runs", items: "cashflow_baseline_items"},
	domain.FamilyRiskFlags:        {runs: "risk_flag_runs", items: "risk_flag_items"},
}

type SnapshotStore struct {
	db DB
}

const (
	selectSnapshotRunColumns = `id, as_of_date, version, scope_filters, inputs_hash, requested_by, created_at`

	selectSnapshotItemColumns = `id, run_id, subject_id, as_of_date, currency, value_usd, flags,
		"references", inputs_hash, created_at`
)

func NewSnapshotStore(db DB) *SnapshotStore {
	if db == nil {
		return nil
	}
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) tables(family domain.SnapshotFamily) (string, string, error) {
	t, ok := snapshotTables[family]
	if !ok {
		return "", "", fmt.Errorf("unknown snapshot family %q", family)
	}
	return t.runs, t.items, nil
}

// EnsureSnapshotRun inserts the family run keyed by inputs hash, or returns
// the existing one.
func (s *SnapshotStore) EnsureSnapshotRun(ctx context.Context, run domain.SnapshotRun) (domain.SnapshotRun, bool, error) {
	if s == nil || s.db == nil {
		return domain.SnapshotRun{}, false, fmt.Errorf("snapshot store not initialized")
	}
	if err := run.Validate(); err != nil {
		return domain.SnapshotRun{}, false, err
	}
	runsTable, _, err := s.tables(run.Family)
	if err != nil {
		return domain.SnapshotRun{}, false, err
	}
	filtersJSON, err := encodeFilters(run.ScopeFilters)
	if err != nil {
		return domain.SnapshotRun{}, false, fmt.Errorf("encode scope filters: %w", err)
	}

	var insertedID string
	err = s.db.QueryRowContext(
		ctx,
		fmt.Sprintf(`INSERT INTO %s (
			id, as_of_date, version, scope_filters, inputs_hash, requested_by, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (inputs_hash) DO NOTHING
		RETURNING id`, runsTable),
		strings.TrimSpace(run.ID),
		run.AsOfDate.UTC(),
		strings.TrimSpace(run.Version),
		filtersJSON,
		strings.TrimSpace(run.InputsHash),
		nullIfEmpty(run.RequestedBy),
		normalizeTime(run.CreatedAt),
	).Scan(&insertedID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.SnapshotRun{}, false, fmt.Errorf("insert %s: %w", runsTable, err)
		}
		existing, err := s.GetSnapshotRunByInputsHash(ctx, run.Family, run.InputsHash)
		if err != nil {
			return domain.SnapshotRun{}, false, err
		}
		return existing, false, nil
	}
	run.ID = insertedID
	created, err := s.getSnapshotRun(ctx, run.Family, insertedID)
	if err != nil {
		return domain.SnapshotRun{}, false, err
	}
	return created, true, nil
}

// EnsureSnapshotItem inserts the item keyed by (subject_id, as_of_date,
// currency), or returns the existing one untouched. First writer wins: a
// resumed run re-deriving the same subject keeps the stored value.
func (s *SnapshotStore) EnsureSnapshotItem(ctx context.Context, item domain.SnapshotItem) (domain.SnapshotItem, bool, error) {
	if s == nil || s.db == nil {
		return domain.SnapshotItem{}, false, fmt.Errorf("snapshot store not initialized")
	}
	if err := item.Validate(); err != nil {
		return domain.SnapshotItem{}, false, err
	}
	_, itemsTable, err := s.tables(item.Family)
	if err != nil {
		return domain.SnapshotItem{}, false, err
	}
	referencesJSON, err := encodeMetadata(item.References)
	if err != nil {
		return domain.SnapshotItem{}, false, fmt.Errorf("encode references: %w", err)
	}
	flagsJSON, err := encodeFlags(item.Flags)
	if err != nil {
		return domain.SnapshotItem{}, false, fmt.Errorf("encode flags: %w", err)
	}
	var value sql.NullFloat64
	if item.ValueUSD != nil {
		value = sql.NullFloat64{Float64: *item.ValueUSD, Valid: true}
	}

	var insertedID string
	err = s.db.QueryRowContext(
		ctx,
		fmt.Sprintf(`INSERT INTO %s (
			id, run_id, subject_id, as_of_date, currency, value_usd, flags, "references", inputs_hash, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (subject_id, as_of_date, currency) DO NOTHING
		RETURNING id`, itemsTable),
		strings.TrimSpace(item.ID),
		strings.TrimSpace(item.RunID),
		strings.TrimSpace(item.SubjectID),
		item.AsOfDate.UTC(),
		strings.TrimSpace(item.Currency),
		value,
		flagsJSON,
		referencesJSON,
		strings.TrimSpace(item.InputsHash),
		normalizeTime(item.CreatedAt),
	).Scan(&insertedID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.SnapshotItem{}, false, fmt.Errorf("insert %s: %w", itemsTable, err)
		}
		existing, err := s.getSnapshotItemByKey(ctx, item.Family, item.SubjectID, item.AsOfDate, item.Currency)
		if err != nil {
			return domain.SnapshotItem{}, false, err
		}
		return existing, false, nil
	}
	created, err := s.getSnapshotItem(ctx, item.Family, insertedID)
	if err != nil {
		return domain.SnapshotItem{}, false, err
	}
	return created, true, nil
}

func (s *SnapshotStore) GetSnapshotRunByInputsHash(ctx context.Context, family domain.SnapshotFamily, inputsHash string) (domain.SnapshotRun, error) {
	if s == nil || s.db == nil {
		return domain.SnapshotRun{}, fmt.Errorf("snapshot store not initialized")
	}
	runsTable, _, err := s.tables(family)
	if err != nil {
		return domain.SnapshotRun{}, err
	}
	inputsHash = strings.TrimSpace(inputsHash)
	if inputsHash == "" {
		return domain.SnapshotRun{}, fmt.Errorf("inputs hash is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE inputs_hash = $1`, selectSnapshotRunColumns, runsTable),
		inputsHash,
	)
	return scanSnapshotRun(row.Scan, family)
}

// GetSnapshotItem fetches one item by its natural key.
func (s *SnapshotStore) GetSnapshotItem(ctx context.Context, family domain.SnapshotFamily, subjectID string, asOfDate time.Time, currency string) (domain.SnapshotItem, error) {
	if s == nil || s.db == nil {
		return domain.SnapshotItem{}, fmt.Errorf("snapshot store not initialized")
	}
	return s.getSnapshotItemByKey(ctx, family, subjectID, asOfDate, currency)
}

func (s *SnapshotStore) ListSnapshotItems(ctx context.Context, family domain.SnapshotFamily, runID string) ([]domain.SnapshotItem, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("snapshot store not initialized")
	}
	_, itemsTable, err := s.tables(family)
	if err != nil {
		return nil, err
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	rows, err := s.db.QueryContext(
		ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE run_id = $1 ORDER BY subject_id ASC`, selectSnapshotItemColumns, itemsTable),
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", itemsTable, err)
	}
	defer rows.Close()

	items := make([]domain.SnapshotItem, 0)
	for rows.Next() {
		item, err := scanSnapshotItem(rows.Scan, family)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", itemsTable, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s: %w", itemsTable, err)
	}
	return items, nil
}

func (s *SnapshotStore) getSnapshotRun(ctx context.Context, family domain.SnapshotFamily, id string) (domain.SnapshotRun, error) {
	runsTable, _, err := s.tables(family)
	if err != nil {
		return domain.SnapshotRun{}, err
	}
	row := s.db.QueryRowContext(
		ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, selectSnapshotRunColumns, runsTable),
		strings.TrimSpace(id),
	)
	return scanSnapshotRun(row.Scan, family)
}

func (s *SnapshotStore) getSnapshotItem(ctx context.Context, family domain.SnapshotFamily, id string) (domain.SnapshotItem, error) {
	_, itemsTable, err := s.tables(family)
	if err != nil {
		return domain.SnapshotItem{}, err
	}
	row := s.db.QueryRowContext(
		ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, selectSnapshotItemColumns, itemsTable),
		strings.TrimSpace(id),
	)
	return scanSnapshotItem(row.Scan, family)
}

func (s *SnapshotStore) getSnapshotItemByKey(ctx context.Context, family domain.SnapshotFamily, subjectID string, asOfDate time.Time, currency string) (domain.SnapshotItem, error) {
	_, itemsTable, err := s.tables(family)
	if err != nil {
		return domain.SnapshotItem{}, err
	}
	row := s.db.QueryRowContext(
		ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE subject_id = $1 AND as_of_date = $2 AND currency = $3`, selectSnapshotItemColumns, itemsTable),
		strings.TrimSpace(subjectID),
		asOfDate,
		strings.TrimSpace(currency),
	)
	return scanSnapshotItem(row.Scan, family)
}

func scanSnapshotRun(scan func(dest ...any) error, family domain.SnapshotFamily) (domain.SnapshotRun, error) {
	var run domain.SnapshotRun
	var filtersJSON []byte
	var requestedBy sql.NullString
	if err := scan(
		&run.ID, &run.AsOfDate, &run.Version, &filtersJSON, &run.InputsHash, &requestedBy, &run.CreatedAt,
	); err != nil {
		return domain.SnapshotRun{}, handleNotFound(err)
	}
	filters, err := decodeFilters(filtersJSON)
	if err != nil {
		return domain.SnapshotRun{}, fmt.Errorf("decode scope filters: %w", err)
	}
	run.Family = family
	run.ScopeFilters = filters
	run.RequestedBy = stringOrEmpty(requestedBy)
	return run, nil
}

func scanSnapshotItem(scan func(dest ...any) error, family domain.SnapshotFamily) (domain.SnapshotItem, error) {
	var item domain.SnapshotItem
	var value sql.NullFloat64
	var flagsJSON []byte
	var referencesJSON []byte
	if err := scan(
		&item.ID, &item.RunID, &item.SubjectID, &item.AsOfDate, &item.Currency, &value,
		&flagsJSON, &referencesJSON, &item.InputsHash, &item.CreatedAt,
	); err != nil {
		return domain.SnapshotItem{}, handleNotFound(err)
	}
	references, err := decodeMetadata(referencesJSON)
	if err != nil {
		return domain.SnapshotItem{}, fmt.Errorf("decode references: %w", err)
	}
	flags, err := decodeFlags(flagsJSON)
	if err != nil {
		return domain.SnapshotItem{}, fmt.Errorf("decode flags: %w", err)
	}
	item.Family = family
	if value.Valid {
		v := value.Float64
		item.ValueUSD = &v
	}
	item.Flags = flags
	item.References = references
	return item, nil
}

func encodeFlags(flags []string) ([]byte, error) {
	if flags == nil {
		flags = []string{}
	}
	return json.Marshal(flags)
}

func decodeFlags(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return []string{}, nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}
