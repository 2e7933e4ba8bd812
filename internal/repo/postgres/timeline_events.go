package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/alcast-labs/alcast-go/internal/domain"
	"github.com/alcast-labs/alcast-go/internal/repo"
)

type TimelineStore struct {
	db DB
}

const (
	insertTimelineEventQuery = `INSERT INTO timeline_events (
		id,
		event_type,
		subject_type,
		subject_id,
		correlation_id,
		idempotency_key,
		visibility,
		payload,
		actor,
		occurred_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	ON CONFLICT (event_type, idempotency_key) DO NOTHING
	RETURNING id`

	selectTimelineEventColumns = `id, event_type, subject_type, subject_id, correlation_id,
		idempotency_key, visibility, payload, actor, occurred_at`
)

func NewTimelineStore(db DB) *TimelineStore {
	if db == nil {
		return nil
	}
	return &TimelineStore{db: db}
}

// Append writes the event unless one with the same (event_type,
// idempotency_key) already exists, in which case the stored event wins and
// the new payload is discarded. The bool reports whether this call wrote.
func (s *TimelineStore) Append(ctx context.Context, event domain.TimelineEvent) (domain.TimelineEvent, bool, error) {
	if s == nil || s.db == nil {
		return domain.TimelineEvent{}, false, fmt.Errorf("timeline store not initialized")
	}
	if err := event.Validate(); err != nil {
		return domain.TimelineEvent{}, false, err
	}
	payloadJSON, err := encodeMetadata(event.Payload)
	if err != nil {
		return domain.TimelineEvent{}, false, fmt.Errorf("encode payload: %w", err)
	}

	var insertedID string
	err = s.db.QueryRowContext(
		ctx,
		insertTimelineEventQuery,
		strings.TrimSpace(event.ID),
		strings.TrimSpace(event.EventType),
		strings.TrimSpace(event.SubjectType),
		strings.TrimSpace(event.SubjectID),
		strings.TrimSpace(event.CorrelationID),
		strings.TrimSpace(event.IdempotencyKey),
		string(event.Visibility),
		payloadJSON,
		nullIfEmpty(event.Actor),
		normalizeTime(event.OccurredAt),
	).Scan(&insertedID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.TimelineEvent{}, false, fmt.Errorf("insert timeline event: %w", err)
		}
		existing, err := s.getByIdempotencyKey(ctx, event.EventType, event.IdempotencyKey)
		if err != nil {
			return domain.TimelineEvent{}, false, err
		}
		return existing, false, nil
	}
	created, err := s.getByID(ctx, insertedID)
	if err != nil {
		return domain.TimelineEvent{}, false, err
	}
	return created, true, nil
}

func (s *TimelineStore) ListEvents(ctx context.Context, filter repo.TimelineFilter) ([]domain.TimelineEvent, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("timeline store not initialized")
	}
	clauses := make([]string, 0, 3)
	args := make([]any, 0, 4)

	if strings.TrimSpace(filter.SubjectType) != "" {
		args = append(args, strings.TrimSpace(filter.SubjectType))
		clauses = append(clauses, fmt.Sprintf("subject_type = $%d", len(args)))
	}
	if strings.TrimSpace(filter.SubjectID) != "" {
		args = append(args, strings.TrimSpace(filter.SubjectID))
		clauses = append(clauses, fmt.Sprintf("subject_id = $%d", len(args)))
	}
	if strings.TrimSpace(filter.EventType) != "" {
		args = append(args, strings.TrimSpace(filter.EventType))
		clauses = append(clauses, fmt.Sprintf("event_type = $%d", len(args)))
	}

	query := `SELECT ` + selectTimelineEventColumns + ` FROM timeline_events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY occurred_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list timeline events: %w", err)
	}
	defer rows.Close()

	events := make([]domain.TimelineEvent, 0)
	for rows.Next() {
		event, err := scanTimelineEvent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan timeline event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list timeline events: %w", err)
	}
	return events, nil
}

func (s *TimelineStore) getByID(ctx context.Context, id string) (domain.TimelineEvent, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+selectTimelineEventColumns+` FROM timeline_events WHERE id = $1`,
		strings.TrimSpace(id),
	)
	event, err := scanTimelineEvent(row.Scan)
	if err != nil {
		return domain.TimelineEvent{}, handleNotFound(err)
	}
	return event, nil
}

func (s *TimelineStore) getByIdempotencyKey(ctx context.Context, eventType, key string) (domain.TimelineEvent, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+selectTimelineEventColumns+` FROM timeline_events WHERE event_type = $1 AND idempotency_key = $2`,
		strings.TrimSpace(eventType),
		strings.TrimSpace(key),
	)
	event, err := scanTimelineEvent(row.Scan)
	if err != nil {
		return domain.TimelineEvent{}, handleNotFound(err)
	}
	return event, nil
}

func scanTimelineEvent(scan func(dest ...any) error) (domain.TimelineEvent, error) {
	var event domain.TimelineEvent
	var visibility string
	var payloadJSON []byte
	var actor sql.NullString
	if err := scan(
		&event.ID, &event.EventType, &event.SubjectType, &event.SubjectID, &event.CorrelationID,
		&event.IdempotencyKey, &visibility, &payloadJSON, &actor, &event.OccurredAt,
	); err != nil {
		return domain.TimelineEvent{}, err
	}
	payload, err := decodeMetadata(payloadJSON)
	if err != nil {
		return domain.TimelineEvent{}, fmt.Errorf("decode payload: %w", err)
	}
	event.Visibility = domain.TimelineVisibility(visibility)
	event.Payload = payload
	event.Actor = stringOrEmpty(actor)
	return event, nil
}
