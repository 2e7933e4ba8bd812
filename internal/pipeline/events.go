package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/alcast-labs/alcast-go/internal/domain"
)

// Lifecycle event types emitted by the executor. The set is frozen; new
// event types require a new subject or a schema review, not an ad-hoc name.
const (
	EventPipelineRequested = "FINANCE_PIPELINE_REQUESTED"
	EventPipelineStarted   = "FINANCE_PIPELINE_STARTED"
	EventPipelineCompleted = "FINANCE_PIPELINE_COMPLETED"
	EventPipelineFailed    = "FINANCE_PIPELINE_FAILED"
)

const pipelineSubjectType = "finance_pipeline_run"

var pipelineEventNames = map[string]string{
	EventPipelineRequested: "requested",
	EventPipelineStarted:   "started",
	EventPipelineCompleted: "completed",
	EventPipelineFailed:    "failed",
}

// pipelineIdempotencyKey derives the per-run idempotency key for a lifecycle
// event. Keyed on the inputs hash, so re-running the same inputs replays
// into the same timeline rows.
func pipelineIdempotencyKey(eventType, inputsHash string) (string, error) {
	name, ok := pipelineEventNames[eventType]
	if !ok {
		return "", fmt.Errorf("unknown pipeline event type %q", eventType)
	}
	return fmt.Sprintf("finance_pipeline:%s:%s", name, inputsHash), nil
}

// emitRunEvent records one lifecycle event for the run. Emission failures
// are returned to the caller; the run state itself has already been
// persisted by the time any event is emitted.
func (e *Executor) emitRunEvent(ctx context.Context, eventType string, run domain.PipelineRun, correlationID, actor string, extra domain.Metadata) error {
	key, err := pipelineIdempotencyKey(eventType, run.InputsHash)
	if err != nil {
		return err
	}
	payload := domain.Metadata{
		"run_id":           run.ID,
		"inputs_hash":      run.InputsHash,
		"status":           string(run.Status),
		"as_of_date":       run.AsOfDate.UTC().Format(time.DateOnly),
		"pipeline_version": run.PipelineVersion,
	}
	for k, v := range extra {
		payload[k] = v
	}
	_, _, err = e.timeline.Emit(ctx, domain.TimelineEvent{
		EventType:      eventType,
		SubjectType:    pipelineSubjectType,
		SubjectID:      run.ID,
		CorrelationID:  correlationID,
		IdempotencyKey: key,
		Visibility:     domain.VisibilityFinance,
		Payload:        payload,
		Actor:          actor,
	})
	return err
}
