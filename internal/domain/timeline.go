package domain

import (
	"strings"
	"time"
)

// TimelineVisibility scopes who may read an event.
type TimelineVisibility string

const (
	VisibilityAll     TimelineVisibility = "all"
	VisibilityFinance TimelineVisibility = "finance"
)

// TimelineEvent is one append-only domain event, unique on
// (event_type, idempotency_key). Rows are never mutated or deleted;
// re-emission returns the original row.
type TimelineEvent struct {
	ID             string
	EventType      string
	SubjectType    string
	SubjectID      string
	CorrelationID  string
	IdempotencyKey string
	Visibility     TimelineVisibility
	Payload        Metadata
	Actor          string
	OccurredAt     time.Time
}

func (e TimelineEvent) Validate() error {
	if strings.TrimSpace(e.EventType) == "" {
		return Invalid("event_type", "is required")
	}
	if strings.TrimSpace(e.SubjectType) == "" {
		return Invalid("subject_type", "is required")
	}
	if strings.TrimSpace(e.SubjectID) == "" {
		return Invalid("subject_id", "is required")
	}
	if strings.TrimSpace(e.CorrelationID) == "" {
		return Invalid("correlation_id", "is required")
	}
	if strings.TrimSpace(e.IdempotencyKey) == "" {
		return Invalid("idempotency_key", "is required")
	}
	if e.Visibility != VisibilityAll && e.Visibility != VisibilityFinance {
		return Invalid("visibility", "must be all or finance")
	}
	return nil
}
