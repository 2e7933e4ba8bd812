package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alcast-labs/alcast-go/internal/domain"
	"github.com/alcast-labs/alcast-go/internal/exports"
	"github.com/alcast-labs/alcast-go/internal/pipeline"
	"github.com/alcast-labs/alcast-go/internal/platform/httpserver"
	"github.com/alcast-labs/alcast-go/internal/repo"
	"github.com/alcast-labs/alcast-go/internal/timeline"
)

type memRunRepo struct {
	byID   map[string]*domain.PipelineRun
	byHash map[string]string
}

func newMemRunRepo() *memRunRepo {
	return &memRunRepo{byID: map[string]*domain.PipelineRun{}, byHash: map[string]string{}}
}

func (m *memRunRepo) EnsureRun(_ context.Context, run domain.PipelineRun) (domain.PipelineRun, bool, error) {
	if id, ok := m.byHash[run.InputsHash]; ok {
		return *m.byID[id], false, nil
	}
	stored := run
	m.byID[run.ID] = &stored
	m.byHash[run.InputsHash] = run.ID
	return stored, true, nil
}

func (m *memRunRepo) GetRun(_ context.Context, id string) (domain.PipelineRun, error) {
	run, ok := m.byID[id]
	if !ok {
		return domain.PipelineRun{}, repo.ErrNotFound
	}
	return *run, nil
}

func (m *memRunRepo) GetRunByInputsHash(_ context.Context, hash string) (domain.PipelineRun, error) {
	id, ok := m.byHash[hash]
	if !ok {
		return domain.PipelineRun{}, repo.ErrNotFound
	}
	return *m.byID[id], nil
}

func (m *memRunRepo) TransitionRun(_ context.Context, id string, tr repo.Transition) error {
	run, ok := m.byID[id]
	if !ok {
		return repo.ErrNotFound
	}
	run.Status = tr.To
	run.ErrorCode = tr.ErrorCode
	run.ErrorMessage = tr.ErrorMessage
	return nil
}

type memStepRepo struct {
	byID  map[string]*domain.PipelineStep
	byKey map[string]string
}

func newMemStepRepo() *memStepRepo {
	return &memStepRepo{byID: map[string]*domain.PipelineStep{}, byKey: map[string]string{}}
}

func (m *memStepRepo) EnsureStep(_ context.Context, step domain.PipelineStep) (domain.PipelineStep, bool, error) {
	key := step.RunID + "/" + step.StepName
	if id, ok := m.byKey[key]; ok {
		return *m.byID[id], false, nil
	}
	stored := step
	m.byID[step.ID] = &stored
	m.byKey[key] = step.ID
	return stored, true, nil
}

func (m *memStepRepo) ListSteps(_ context.Context, runID string) ([]domain.PipelineStep, error) {
	out := []domain.PipelineStep{}
	for _, name := range domain.OrderedSteps() {
		if id, ok := m.byKey[runID+"/"+name]; ok {
			out = append(out, *m.byID[id])
		}
	}
	return out, nil
}

func (m *memStepRepo) TransitionStep(_ context.Context, id string, tr repo.Transition) error {
	step, ok := m.byID[id]
	if !ok {
		return repo.ErrNotFound
	}
	step.Status = tr.To
	step.ErrorCode = tr.ErrorCode
	step.ErrorMessage = tr.ErrorMessage
	return nil
}

func (m *memStepRepo) SetStepArtifacts(_ context.Context, id string, artifacts domain.Metadata) error {
	step, ok := m.byID[id]
	if !ok {
		return repo.ErrNotFound
	}
	step.Artifacts = artifacts
	return nil
}

type memEventRepo struct {
	events []domain.TimelineEvent
}

func (m *memEventRepo) Append(_ context.Context, event domain.TimelineEvent) (domain.TimelineEvent, bool, error) {
	for _, existing := range m.events {
		if existing.EventType == event.EventType && existing.IdempotencyKey == event.IdempotencyKey {
			return existing, false, nil
		}
	}
	m.events = append(m.events, event)
	return event, true, nil
}

func (m *memEventRepo) ListEvents(_ context.Context, filter repo.TimelineFilter) ([]domain.TimelineEvent, error) {
	out := []domain.TimelineEvent{}
	for _, ev := range m.events {
		if filter.EventType != "" && ev.EventType != filter.EventType {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

type memJobRepo struct {
	jobs map[string]domain.ExportJob
}

func (m *memJobRepo) EnsureJob(_ context.Context, job domain.ExportJob) (domain.ExportJob, bool, error) {
	if existing, ok := m.jobs[job.ExportID]; ok {
		return existing, false, nil
	}
	m.jobs[job.ExportID] = job
	return job, true, nil
}

func (m *memJobRepo) GetJob(context.Context, string) (domain.ExportJob, error) {
	return domain.ExportJob{}, repo.ErrNotFound
}

func (m *memJobRepo) GetJobByExportID(_ context.Context, exportID string) (domain.ExportJob, error) {
	job, ok := m.jobs[exportID]
	if !ok {
		return domain.ExportJob{}, repo.ErrNotFound
	}
	return job, nil
}

func (m *memJobRepo) ListQueuedJobs(context.Context, int) ([]domain.ExportJob, error) {
	return nil, nil
}

func (m *memJobRepo) TransitionJob(context.Context, string, repo.Transition) error { return nil }

func (m *memJobRepo) SetJobObjectKey(context.Context, string, string) error { return nil }

func newTestHandler(t *testing.T) (http.Handler, *memRunRepo) {
	t.Helper()
	runs := newMemRunRepo()
	steps := newMemStepRepo()
	emitter := timeline.NewEmitter(&memEventRepo{}, slog.Default())
	executor := pipeline.NewExecutor(runs, steps, emitter, slog.Default())
	for _, name := range domain.OrderedSteps() {
		executor.RegisterStep(name, func(context.Context, pipeline.StepContext) (domain.Metadata, error) {
			return nil, nil
		})
	}
	exportsSvc := exports.NewService(&memJobRepo{jobs: map[string]domain.ExportJob{}}, slog.Default())

	a := New(slog.Default(), executor, runs, steps, emitter, exportsSvc, nil)
	if a == nil {
		t.Fatal("api failed to wire")
	}
	mux := http.NewServeMux()
	a.Register(mux)
	return httpserver.Wrap(slog.Default(), "backoffice", mux), runs
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRequestRunEndpoint(t *testing.T) {
	h, runs := newTestHandler(t)

	body := `{"as_of_date":"2026-01-16","pipeline_version":"daily.v1","mode":"materialize","emit_exports":true,"requested_by":"ops"}`
	rec := do(t, h, http.MethodPost, "/finance/pipeline/runs", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"status":"done"`) {
		t.Fatalf("run should finish done: %s", rec.Body.String())
	}
	if len(runs.byID) != 1 {
		t.Fatalf("run rows = %d, want 1", len(runs.byID))
	}

	// Identical request converges on the same run.
	again := do(t, h, http.MethodPost, "/finance/pipeline/runs", body)
	if again.Code != http.StatusOK {
		t.Fatalf("repeat status=%d", again.Code)
	}
	if len(runs.byID) != 1 {
		t.Fatalf("repeat created a second run row")
	}
}

func TestRequestRunRejectsBadDate(t *testing.T) {
	h, _ := newTestHandler(t)
	rec := do(t, h, http.MethodPost, "/finance/pipeline/runs", `{"as_of_date":"16/01/2026","pipeline_version":"v1","mode":"materialize"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", rec.Code)
	}
}

func TestGetRunEndpoints(t *testing.T) {
	h, runs := newTestHandler(t)
	rec := do(t, h, http.MethodPost, "/finance/pipeline/runs", `{"as_of_date":"2026-01-16","pipeline_version":"daily.v1","mode":"materialize"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("setup run failed: %s", rec.Body.String())
	}
	var runID, hash string
	for id, run := range runs.byID {
		runID, hash = id, run.InputsHash
	}

	byID := do(t, h, http.MethodGet, "/finance/pipeline/runs/"+runID, "")
	if byID.Code != http.StatusOK || !strings.Contains(byID.Body.String(), `"steps":[`) {
		t.Fatalf("get by id: %d %s", byID.Code, byID.Body.String())
	}
	byHash := do(t, h, http.MethodGet, "/finance/pipeline/runs/by-hash/"+hash, "")
	if byHash.Code != http.StatusOK || !strings.Contains(byHash.Body.String(), fmt.Sprintf("%q", runID)) {
		t.Fatalf("get by hash: %d %s", byHash.Code, byHash.Body.String())
	}
	missing := do(t, h, http.MethodGet, "/finance/pipeline/runs/nope", "")
	if missing.Code != http.StatusNotFound {
		t.Fatalf("missing run status=%d, want 404", missing.Code)
	}
}

func TestEmitEventIdempotent(t *testing.T) {
	h, _ := newTestHandler(t)
	body := `{"event_type":"FINANCE_NOTE","subject_type":"note","subject_id":"N-1","idempotency_key":"note:N-1"}`

	first := do(t, h, http.MethodPost, "/timeline/events", body)
	if first.Code != http.StatusCreated {
		t.Fatalf("first emit status=%d, want 201", first.Code)
	}
	second := do(t, h, http.MethodPost, "/timeline/events", body)
	if second.Code != http.StatusOK {
		t.Fatalf("repeat emit status=%d, want 200", second.Code)
	}
}

func TestExportJobEndpoints(t *testing.T) {
	h, _ := newTestHandler(t)
	body := fmt.Sprintf(`{"export_type":%q,"as_of":"2026-01-16T00:00:00Z","requested_by":"ops"}`, domain.ExportTypeStateAtTime)

	created := do(t, h, http.MethodPost, "/exports/jobs", body)
	if created.Code != http.StatusCreated {
		t.Fatalf("create status=%d body=%s", created.Code, created.Body.String())
	}
	reused := do(t, h, http.MethodPost, "/exports/jobs", body)
	if reused.Code != http.StatusOK {
		t.Fatalf("reuse status=%d, want 200", reused.Code)
	}
	missing := do(t, h, http.MethodGet, "/exports/jobs/exp_ffffffffffffffffffffffffffffffff", "")
	if missing.Code != http.StatusNotFound {
		t.Fatalf("missing job status=%d, want 404", missing.Code)
	}
	if do(t, h, http.MethodPost, "/marketdata/westmetall/ingest", "").Code != http.StatusServiceUnavailable {
		t.Fatal("ingest without ingestor must report unavailable")
	}
}
