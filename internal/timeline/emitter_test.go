package timeline

import (
	"context"
	"log/slog"
	"testing"

	"github.com/google/uuid"

	"github.com/alcast-labs/alcast-go/internal/domain"
	"github.com/alcast-labs/alcast-go/internal/repo"
)

type fakeTimelineRepo struct {
	events []domain.TimelineEvent
}

func (f *fakeTimelineRepo) Append(_ context.Context, event domain.TimelineEvent) (domain.TimelineEvent, bool, error) {
	for _, existing := range f.events {
		if existing.EventType == event.EventType && existing.IdempotencyKey == event.IdempotencyKey {
			return existing, false, nil
		}
	}
	f.events = append(f.events, event)
	return event, true, nil
}

func (f *fakeTimelineRepo) ListEvents(_ context.Context, filter repo.TimelineFilter) ([]domain.TimelineEvent, error) {
	out := make([]domain.TimelineEvent, 0, len(f.events))
	for _, ev := range f.events {
		if filter.SubjectID != "" && ev.SubjectID != filter.SubjectID {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func testEvent(key string) domain.TimelineEvent {
	return domain.TimelineEvent{
		EventType:      "FINANCE_PIPELINE_STARTED",
		SubjectType:    "finance_pipeline_run",
		SubjectID:      "run-1",
		CorrelationID:  uuid.NewString(),
		IdempotencyKey: key,
		Payload:        domain.Metadata{"status": "running"},
	}
}

func TestCorrelationIDReusesValidUUID(t *testing.T) {
	id := "0f8fad5b-d9cb-469f-a165-70867728950e"
	if got := CorrelationIDFromRequestID(id); got != id {
		t.Fatalf("CorrelationIDFromRequestID(%q) = %q, want same value", id, got)
	}
}

func TestCorrelationIDReplacesNonUUID(t *testing.T) {
	got := CorrelationIDFromRequestID("req-abc-123")
	if _, err := uuid.Parse(got); err != nil {
		t.Fatalf("expected generated UUID, got %q", got)
	}
	if got == "req-abc-123" {
		t.Fatal("non-UUID request id must not be reused")
	}
}

func TestEmitFirstPayloadWins(t *testing.T) {
	store := &fakeTimelineRepo{}
	emitter := NewEmitter(store, slog.Default())

	first := testEvent("finance_pipeline:started:abc")
	first.Payload = domain.Metadata{"attempt": "first"}
	stored, created, err := emitter.Emit(context.Background(), first)
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if !created {
		t.Fatal("first emission must create the event")
	}

	second := testEvent("finance_pipeline:started:abc")
	second.Payload = domain.Metadata{"attempt": "second"}
	replay, created, err := emitter.Emit(context.Background(), second)
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if created {
		t.Fatal("replay must not create a second event")
	}
	if replay.ID != stored.ID {
		t.Fatalf("replay returned event %s, want original %s", replay.ID, stored.ID)
	}
	if replay.Payload["attempt"] != "first" {
		t.Fatalf("stored payload must win, got %v", replay.Payload)
	}
	if len(store.events) != 1 {
		t.Fatalf("event count = %d, want 1", len(store.events))
	}
}

func TestEmitFillsDefaults(t *testing.T) {
	store := &fakeTimelineRepo{}
	emitter := NewEmitter(store, slog.Default())

	event := testEvent("finance_pipeline:requested:xyz")
	event.Visibility = ""
	stored, _, err := emitter.Emit(context.Background(), event)
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if stored.ID == "" {
		t.Fatal("expected generated event id")
	}
	if stored.OccurredAt.IsZero() {
		t.Fatal("expected occurred_at to be stamped")
	}
	if stored.Visibility != domain.VisibilityFinance {
		t.Fatalf("visibility = %s, want finance default", stored.Visibility)
	}
}
