package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/alcast-labs/alcast-go/internal/domain"
	"github.com/alcast-labs/alcast-go/internal/repo"
)

// applyTransition runs one guarded UPDATE against a state-machine table.
// Every table that carries a status column shares the same shape here:
// status, started_at, completed_at, error_code, error_message, keyed by id.
//
// The guard is the WHERE clause: the row only moves when its current status
// is one of tr.AllowedFrom. A zero rowcount means another writer got there
// first (or the id does not exist); the caller learns which via a follow-up
// lookup, and the row is left untouched either way.
func applyTransition(ctx context.Context, db DB, table, id string, tr repo.Transition) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("id is required")
	}
	if tr.To == "" {
		return fmt.Errorf("target status is required")
	}
	if len(tr.AllowedFrom) == 0 {
		return fmt.Errorf("allowed source statuses are required")
	}

	at := normalizeTime(tr.At)
	sets := make([]string, 0, 5)
	args := make([]any, 0, 8)

	args = append(args, string(tr.To))
	sets = append(sets, fmt.Sprintf("status = $%d", len(args)))

	switch tr.To {
	case domain.StatusRunning:
		// Resume keeps the original started_at and clears stale failure info.
		args = append(args, at)
		sets = append(sets, fmt.Sprintf("started_at = COALESCE(started_at, $%d)", len(args)))
		sets = append(sets, "completed_at = NULL", "error_code = NULL", "error_message = NULL")
	case domain.StatusDone, domain.StatusSkipped:
		args = append(args, at)
		sets = append(sets, fmt.Sprintf("completed_at = $%d", len(args)))
		sets = append(sets, "error_code = NULL", "error_message = NULL")
	case domain.StatusFailed:
		args = append(args, at)
		sets = append(sets, fmt.Sprintf("completed_at = $%d", len(args)))
		args = append(args, nullIfEmpty(tr.ErrorCode))
		sets = append(sets, fmt.Sprintf("error_code = $%d", len(args)))
		args = append(args, nullIfEmpty(truncateError(tr.ErrorMessage)))
		sets = append(sets, fmt.Sprintf("error_message = $%d", len(args)))
	}

	args = append(args, id)
	where := fmt.Sprintf("id = $%d AND status IN (", len(args))
	for i, from := range tr.AllowedFrom {
		args = append(args, string(from))
		if i > 0 {
			where += ","
		}
		where += fmt.Sprintf("$%d", len(args))
	}
	where += ")"

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", table, strings.Join(sets, ", "), where)
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transition %s: %w", table, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition %s: %w", table, err)
	}
	if rows == 0 {
		return classifyTransitionMiss(ctx, db, table, id)
	}
	return nil
}

// classifyTransitionMiss distinguishes a missing row from a guard miss.
func classifyTransitionMiss(ctx context.Context, db DB, table, id string) error {
	var status string
	row := db.QueryRowContext(ctx, fmt.Sprintf("SELECT status FROM %s WHERE id = $1", table), id)
	if err := row.Scan(&status); err != nil {
		return handleNotFound(err)
	}
	return fmt.Errorf("%s is %s: %w", table, status, repo.ErrConflict)
}
