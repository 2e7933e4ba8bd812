// Package api exposes the back-office HTTP surface: pipeline runs, the
// timeline, export jobs and manual market-data ingestion. Handlers stay
// thin; semantics live in the services they call.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alcast-labs/alcast-go/internal/domain"
	"github.com/alcast-labs/alcast-go/internal/exports"
	"github.com/alcast-labs/alcast-go/internal/marketdata"
	"github.com/alcast-labs/alcast-go/internal/pipeline"
	"github.com/alcast-labs/alcast-go/internal/platform/httpserver"
	"github.com/alcast-labs/alcast-go/internal/repo"
	"github.com/alcast-labs/alcast-go/internal/timeline"
)

const maxBodyBytes = 1 << 20 // 1 MiB

type API struct {
	logger   *slog.Logger
	executor *pipeline.Executor
	runs     repo.PipelineRunRepository
	steps    repo.PipelineStepRepository
	emitter  *timeline.Emitter
	exports  *exports.Service
	ingestor *marketdata.Ingestor
}

func New(logger *slog.Logger, executor *pipeline.Executor, runs repo.PipelineRunRepository, steps repo.PipelineStepRepository, emitter *timeline.Emitter, exportsSvc *exports.Service, ingestor *marketdata.Ingestor) *API {
	if executor == nil || runs == nil || steps == nil || emitter == nil || exportsSvc == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		logger:   logger,
		executor: executor,
		runs:     runs,
		steps:    steps,
		emitter:  emitter,
		exports:  exportsSvc,
		ingestor: ingestor,
	}
}

func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /finance/pipeline/runs", a.handleRequestRun)
	mux.HandleFunc("GET /finance/pipeline/runs/{run_id}", a.handleGetRun)
	mux.HandleFunc("GET /finance/pipeline/runs/by-hash/{inputs_hash}", a.handleGetRunByHash)

	mux.HandleFunc("GET /timeline/events", a.handleListEvents)
	mux.HandleFunc("POST /timeline/events", a.handleEmitEvent)

	mux.HandleFunc("POST /exports/jobs", a.handleEnsureExportJob)
	mux.HandleFunc("GET /exports/jobs/{export_id}", a.handleGetExportJob)

	mux.HandleFunc("POST /marketdata/westmetall/ingest", a.handleIngestWestmetall)
}

type requestRunBody struct {
	AsOfDate        string              `json:"as_of_date"`
	PipelineVersion string              `json:"pipeline_version"`
	ScopeFilters    domain.ScopeFilters `json:"scope_filters,omitempty"`
	Mode            string              `json:"mode"`
	EmitExports     bool                `json:"emit_exports"`
	RequestedBy     string              `json:"requested_by,omitempty"`
}

type stepResponse struct {
	StepName     string          `json:"step_name"`
	Status       domain.Status   `json:"status"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Artifacts    domain.Metadata `json:"artifacts,omitempty"`
}

type runResponse struct {
	RunID           string              `json:"run_id"`
	InputsHash      string              `json:"inputs_hash"`
	AsOfDate        string              `json:"as_of_date"`
	PipelineVersion string              `json:"pipeline_version"`
	ScopeFilters    domain.ScopeFilters `json:"scope_filters"`
	Mode            domain.Mode         `json:"mode"`
	EmitExports     bool                `json:"emit_exports"`
	Status          domain.Status       `json:"status"`
	RequestedBy     string              `json:"requested_by,omitempty"`
	StartedAt       *time.Time          `json:"started_at,omitempty"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty"`
	ErrorCode       string              `json:"error_code,omitempty"`
	ErrorMessage    string              `json:"error_message,omitempty"`
	Steps           []stepResponse      `json:"steps"`
}

func (a *API) handleRequestRun(w http.ResponseWriter, r *http.Request) {
	var body requestRunBody
	if !a.decode(w, r, &body) {
		return
	}
	asOf, err := time.Parse(time.DateOnly, body.AsOfDate)
	if err != nil {
		a.writeError(w, r, http.StatusBadRequest, "as_of_date must be YYYY-MM-DD")
		return
	}
	requestID, _ := httpserver.RequestIDFromContext(r.Context())

	res, err := a.executor.Execute(r.Context(), pipeline.Request{
		AsOfDate:        asOf,
		PipelineVersion: body.PipelineVersion,
		ScopeFilters:    body.ScopeFilters,
		Mode:            domain.Mode(body.Mode),
		EmitExports:     body.EmitExports,
		RequestedBy:     body.RequestedBy,
		RequestID:       requestID,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	if res.DryRun {
		httpserver.WriteJSON(w, http.StatusOK, map[string]any{
			"dry_run":       true,
			"inputs_hash":   res.Plan.InputsHash,
			"ordered_steps": res.OrderedSteps,
		})
		return
	}

	steps := make([]stepResponse, 0, len(res.Steps))
	for _, s := range res.Steps {
		steps = append(steps, stepResponse{StepName: s.StepName, Status: s.Status})
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{
		"run_id":      res.RunID,
		"inputs_hash": res.InputsHash,
		"status":      res.Status,
		"steps":       steps,
	})
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := a.runs.GetRun(r.Context(), r.PathValue("run_id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.writeRun(w, r, run)
}

func (a *API) handleGetRunByHash(w http.ResponseWriter, r *http.Request) {
	run, err := a.runs.GetRunByInputsHash(r.Context(), r.PathValue("inputs_hash"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.writeRun(w, r, run)
}

func (a *API) writeRun(w http.ResponseWriter, r *http.Request, run domain.PipelineRun) {
	steps, err := a.steps.ListSteps(r.Context(), run.ID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	resp := runResponse{
		RunID:           run.ID,
		InputsHash:      run.InputsHash,
		AsOfDate:        run.AsOfDate.UTC().Format(time.DateOnly),
		PipelineVersion: run.PipelineVersion,
		ScopeFilters:    run.ScopeFilters,
		Mode:            run.Mode,
		EmitExports:     run.EmitExports,
		Status:          run.Status,
		RequestedBy:     run.RequestedBy,
		StartedAt:       run.StartedAt,
		CompletedAt:     run.CompletedAt,
		ErrorCode:       run.ErrorCode,
		ErrorMessage:    run.ErrorMessage,
		Steps:           make([]stepResponse, 0, len(steps)),
	}
	for _, s := range steps {
		resp.Steps = append(resp.Steps, stepResponse{
			StepName:     s.StepName,
			Status:       s.Status,
			StartedAt:    s.StartedAt,
			CompletedAt:  s.CompletedAt,
			ErrorCode:    s.ErrorCode,
			ErrorMessage: s.ErrorMessage,
			Artifacts:    s.Artifacts,
		})
	}
	httpserver.WriteJSON(w, http.StatusOK, resp)
}

func (a *API) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repo.TimelineFilter{
		SubjectType: q.Get("subject_type"),
		SubjectID:   q.Get("subject_id"),
		EventType:   q.Get("event_type"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			a.writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}
	events, err := a.emitter.List(r.Context(), filter)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"events": eventResponses(events)})
}

type emitEventBody struct {
	EventType      string          `json:"event_type"`
	SubjectType    string          `json:"subject_type"`
	SubjectID      string          `json:"subject_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Visibility     string          `json:"visibility,omitempty"`
	Payload        domain.Metadata `json:"payload,omitempty"`
	Actor          string          `json:"actor,omitempty"`
}

func (a *API) handleEmitEvent(w http.ResponseWriter, r *http.Request) {
	var body emitEventBody
	if !a.decode(w, r, &body) {
		return
	}
	requestID, _ := httpserver.RequestIDFromContext(r.Context())
	event, created, err := a.emitter.Emit(r.Context(), domain.TimelineEvent{
		EventType:      body.EventType,
		SubjectType:    body.SubjectType,
		SubjectID:      body.SubjectID,
		CorrelationID:  timeline.CorrelationIDFromRequestID(requestID),
		IdempotencyKey: body.IdempotencyKey,
		Visibility:     domain.TimelineVisibility(body.Visibility),
		Payload:        body.Payload,
		Actor:          body.Actor,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	httpserver.WriteJSON(w, status, eventResponse(event))
}

type eventResp struct {
	ID             string                    `json:"id"`
	EventType      string                    `json:"event_type"`
	SubjectType    string                    `json:"subject_type"`
	SubjectID      string                    `json:"subject_id"`
	CorrelationID  string                    `json:"correlation_id"`
	IdempotencyKey string                    `json:"idempotency_key"`
	Visibility     domain.TimelineVisibility `json:"visibility"`
	Payload        domain.Metadata           `json:"payload"`
	Actor          string                    `json:"actor,omitempty"`
	OccurredAt     time.Time                 `json:"occurred_at"`
}

func eventResponse(ev domain.TimelineEvent) eventResp {
	return eventResp{
		ID:             ev.ID,
		EventType:      ev.EventType,
		SubjectType:    ev.SubjectType,
		SubjectID:      ev.SubjectID,
		CorrelationID:  ev.CorrelationID,
		IdempotencyKey: ev.IdempotencyKey,
		Visibility:     ev.Visibility,
		Payload:        ev.Payload,
		Actor:          ev.Actor,
		OccurredAt:     ev.OccurredAt,
	}
}

func eventResponses(events []domain.TimelineEvent) []eventResp {
	out := make([]eventResp, 0, len(events))
	for _, ev := range events {
		out = append(out, eventResponse(ev))
	}
	return out
}

type ensureExportJobBody struct {
	ExportType  string              `json:"export_type"`
	AsOf        time.Time           `json:"as_of"`
	Filters     domain.ScopeFilters `json:"filters,omitempty"`
	RequestedBy string              `json:"requested_by,omitempty"`
}

func (a *API) handleEnsureExportJob(w http.ResponseWriter, r *http.Request) {
	var body ensureExportJobBody
	if !a.decode(w, r, &body) {
		return
	}
	job, reused, err := a.exports.EnsureJob(r.Context(), body.ExportType, body.AsOf, body.Filters, body.RequestedBy)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	status := http.StatusCreated
	if reused {
		status = http.StatusOK
	}
	httpserver.WriteJSON(w, status, exportJobResponse(job, reused))
}

func (a *API) handleGetExportJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.exports.GetJobByExportID(r.Context(), r.PathValue("export_id"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, exportJobResponse(job, false))
}

func exportJobResponse(job domain.ExportJob, reused bool) map[string]any {
	return map[string]any{
		"export_id":    job.ExportID,
		"inputs_hash":  job.InputsHash,
		"export_type":  job.ExportType,
		"as_of":        job.AsOf.UTC().Format(time.RFC3339),
		"status":       job.Status,
		"object_key":   job.ObjectKey,
		"error_code":   job.ErrorCode,
		"reused":       reused,
		"requested_by": job.RequestedBy,
	}
}

func (a *API) handleIngestWestmetall(w http.ResponseWriter, r *http.Request) {
	if a.ingestor == nil {
		a.writeError(w, r, http.StatusServiceUnavailable, "market data ingestion is not configured")
		return
	}
	year := time.Now().UTC().Year()
	if raw := strings.TrimSpace(r.URL.Query().Get("year")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 2000 || parsed > year+1 {
			a.writeError(w, r, http.StatusBadRequest, "year is out of range")
			return
		}
		year = parsed
	}
	res, err := a.ingestor.IngestYear(r.Context(), year)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{
		"year":     res.Year,
		"inserted": res.Inserted,
		"skipped":  res.Skipped,
	})
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, into any) bool {
	defer io.Copy(io.Discard, r.Body) //nolint:errcheck
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		a.writeError(w, r, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// writeServiceError maps service errors onto HTTP statuses: validation to
// 400, missing rows to 404, state conflicts to 409, the rest to 500.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case domain.IsValidation(err):
		a.writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, repo.ErrNotFound):
		a.writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, repo.ErrConflict):
		a.writeError(w, r, http.StatusConflict, err.Error())
	default:
		requestID, _ := httpserver.RequestIDFromContext(r.Context())
		a.logger.ErrorContext(r.Context(), "request failed",
			"request_id", requestID,
			"path", r.URL.Path,
			"error", err,
		)
		a.writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	requestID, _ := httpserver.RequestIDFromContext(r.Context())
	httpserver.WriteJSON(w, status, map[string]any{
		"error":      message,
		"request_id": requestID,
	})
}
