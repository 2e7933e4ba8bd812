package postgres

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"github.com/alcast-labs/alcast-go/internal/domain"
	"github.com/alcast-labs/alcast-go/internal/repo"
)

type fakeResult struct{ rows int64 }

func (r fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return r.rows, nil }

type execRecorder struct {
	query string
	args  []any
	rows  int64
}

func (f *execRecorder) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	f.query = query
	f.args = args
	return fakeResult{rows: f.rows}, nil
}

func (f *execRecorder) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, sql.ErrNoRows
}

func (f *execRecorder) QueryRowContext(context.Context, string, ...any) *sql.Row {
	return nil
}

func TestApplyTransitionGuardsOnSourceStatuses(t *testing.T) {
	db := &execRecorder{rows: 1}
	err := applyTransition(context.Background(), db, "pipeline_runs", "run-1", repo.Transition{
		To:          domain.StatusRunning,
		AllowedFrom: []domain.Status{domain.StatusQueued, domain.StatusFailed},
	})
	if err != nil {
		t.Fatalf("applyTransition: %v", err)
	}
	if !strings.Contains(db.query, "WHERE id = ") {
		t.Fatalf("expected id predicate, got %q", db.query)
	}
	if !strings.Contains(db.query, "status IN (") {
		t.Fatalf("expected status guard, got %q", db.query)
	}
	found := 0
	for _, a := range db.args {
		if a == "queued" || a == "failed" {
			found++
		}
	}
	if found != 2 {
		t.Fatalf("expected both source statuses bound, args = %v", db.args)
	}
}

func TestApplyTransitionRunningClearsStaleFailure(t *testing.T) {
	db := &execRecorder{rows: 1}
	err := applyTransition(context.Background(), db, "pipeline_steps", "step-1", repo.Transition{
		To:          domain.StatusRunning,
		AllowedFrom: []domain.Status{domain.StatusFailed},
	})
	if err != nil {
		t.Fatalf("applyTransition: %v", err)
	}
	for _, want := range []string{
		"started_at = COALESCE(started_at, ",
		"completed_at = NULL",
		"error_code = NULL",
		"error_message = NULL",
	} {
		if !strings.Contains(db.query, want) {
			t.Fatalf("expected %q in resume update, got %q", want, db.query)
		}
	}
}

func TestApplyTransitionFailedPersistsError(t *testing.T) {
	db := &execRecorder{rows: 1}
	err := applyTransition(context.Background(), db, "pipeline_runs", "run-1", repo.Transition{
		To:           domain.StatusFailed,
		AllowedFrom:  []domain.Status{domain.StatusRunning},
		ErrorCode:    "step_failed",
		ErrorMessage: "mtm valuation blew up",
	})
	if err != nil {
		t.Fatalf("applyTransition: %v", err)
	}
	if !strings.Contains(db.query, "error_code = $") {
		t.Fatalf("expected error_code binding, got %q", db.query)
	}
	if !strings.Contains(db.query, "error_message = $") {
		t.Fatalf("expected error_message binding, got %q", db.query)
	}
}

func TestApplyTransitionRejectsEmptyGuard(t *testing.T) {
	db := &execRecorder{rows: 1}
	err := applyTransition(context.Background(), db, "pipeline_runs", "run-1", repo.Transition{
		To: domain.StatusRunning,
	})
	if err == nil {
		t.Fatal("expected error for empty AllowedFrom")
	}
}
