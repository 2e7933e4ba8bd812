// Package timeline emits append-only domain events with deterministic
// idempotency keys. The event log is the integration surface for the back
// office UI; rows are never updated or deleted.
package timeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alcast-labs/alcast-go/internal/domain"
	"github.com/alcast-labs/alcast-go/internal/repo"
)

// CorrelationIDFromRequestID resolves the correlation id for an emission:
// a request id that parses as a UUID is reused verbatim, anything else is
// replaced with a fresh UUID so correlation ids stay uniform.
func CorrelationIDFromRequestID(requestID string) string {
	requestID = strings.TrimSpace(requestID)
	if requestID != "" {
		if parsed, err := uuid.Parse(requestID); err == nil {
			return parsed.String()
		}
	}
	return uuid.NewString()
}

type Emitter struct {
	events repo.TimelineRepository
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

func NewEmitter(events repo.TimelineRepository, logger *slog.Logger) *Emitter {
	if events == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		events: events,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

// Emit appends the event unless its (event_type, idempotency_key) pair
// already exists; the stored event always wins. The bool reports whether
// this call created the row.
func (e *Emitter) Emit(ctx context.Context, event domain.TimelineEvent) (domain.TimelineEvent, bool, error) {
	if e == nil || e.events == nil {
		return domain.TimelineEvent{}, false, fmt.Errorf("timeline emitter not initialized")
	}
	if event.ID == "" {
		event.ID = e.newID()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = e.now()
	}
	if event.Visibility == "" {
		event.Visibility = domain.VisibilityFinance
	}
	if event.Payload == nil {
		event.Payload = domain.Metadata{}
	}
	stored, created, err := e.events.Append(ctx, event)
	if err != nil {
		return domain.TimelineEvent{}, false, fmt.Errorf("emit timeline event: %w", err)
	}
	e.logger.InfoContext(ctx, "timeline event emitted",
		"event_type", stored.EventType,
		"subject_type", stored.SubjectType,
		"subject_id", stored.SubjectID,
		"idempotency_key", stored.IdempotencyKey,
		"created", created,
	)
	return stored, created, nil
}

func (e *Emitter) List(ctx context.Context, filter repo.TimelineFilter) ([]domain.TimelineEvent, error) {
	if e == nil || e.events == nil {
		return nil, fmt.Errorf("timeline emitter not initialized")
	}
	return e.events.ListEvents(ctx, filter)
}
