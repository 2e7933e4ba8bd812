package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alcast-labs/alcast-go/internal/domain"
	"github.com/alcast-labs/alcast-go/internal/repo"
	"github.com/alcast-labs/alcast-go/internal/timeline"
)

// StepContext is what a step implementation sees: the immutable plan, the
// owning run, and the request correlation for any events the step emits.
type StepContext struct {
	Plan          domain.PipelinePlan
	Run           domain.PipelineRun
	CorrelationID string
	Actor         string
}

// StepFunc performs one pipeline step and returns artifact references
// (snapshot run ids, export ids). Artifacts carry pointers, never payloads.
type StepFunc func(ctx context.Context, sc StepContext) (domain.Metadata, error)

// StepError lets step implementations attach a stable error code; the code
// lands on the failed step and run rows.
type StepError struct {
	Code string
	Err  error
}

func (e *StepError) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

func stepErrorCode(err error) string {
	var se *StepError
	if errors.As(err, &se) && se.Code != "" {
		return se.Code
	}
	return "step_error"
}

// Request is one invocation of the daily pipeline. Identical inputs always
// resolve to the same run regardless of who or when.
type Request struct {
	AsOfDate        time.Time
	PipelineVersion string
	ScopeFilters    domain.ScopeFilters
	Mode            domain.Mode
	EmitExports     bool
	RequestedBy     string
	RequestID       string
}

type StepStatus struct {
	StepName string
	Status   domain.Status
}

// Result reports the outcome of one Execute call. For dry runs only Plan
// and OrderedSteps are populated and nothing was written.
type Result struct {
	Plan         domain.PipelinePlan
	OrderedSteps []string
	DryRun       bool

	RunID      string
	InputsHash string
	Status     domain.Status
	Steps      []StepStatus
}

// Executor drives the run/step state machines. It is safe to call Execute
// concurrently for the same inputs: run identity is settled by the store's
// ensure-or-fetch and every transition is guarded.
type Executor struct {
	runs     repo.PipelineRunRepository
	steps    repo.PipelineStepRepository
	timeline *timeline.Emitter
	impls    map[string]StepFunc
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

func NewExecutor(runs repo.PipelineRunRepository, steps repo.PipelineStepRepository, emitter *timeline.Emitter, logger *slog.Logger) *Executor {
	if runs == nil || steps == nil || emitter == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		runs:     runs,
		steps:    steps,
		timeline: emitter,
		impls:    make(map[string]StepFunc),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// RegisterStep binds an implementation to a step name. Registration happens
// at wiring time, before Execute is first called.
func (e *Executor) RegisterStep(name string, fn StepFunc) {
	if e == nil || fn == nil {
		return
	}
	e.impls[name] = fn
}

// Execute runs the pipeline for the request. Dry runs return the projection
// without touching storage. Materialize runs converge: a finished run
// returns its recorded outcome, a failed run resumes from the first
// non-terminal step, and concurrent invocations settle on one run row.
func (e *Executor) Execute(ctx context.Context, req Request) (Result, error) {
	if e == nil {
		return Result{}, fmt.Errorf("executor not initialized")
	}
	plan, err := BuildPlan(req.AsOfDate, req.PipelineVersion, req.ScopeFilters, req.Mode, req.EmitExports)
	if err != nil {
		return Result{}, err
	}
	if plan.Mode == domain.ModeDryRun {
		return Result{Plan: plan, OrderedSteps: domain.OrderedSteps(), DryRun: true}, nil
	}

	correlationID := timeline.CorrelationIDFromRequestID(req.RequestID)

	run, created, err := e.runs.EnsureRun(ctx, domain.PipelineRun{
		ID:              e.newID(),
		AsOfDate:        plan.AsOfDate,
		PipelineVersion: plan.PipelineVersion,
		ScopeFilters:    plan.ScopeFilters,
		Mode:            plan.Mode,
		EmitExports:     plan.EmitExports,
		InputsHash:      plan.InputsHash,
		Status:          domain.PipelineRunMachine.Initial,
		RequestedBy:     req.RequestedBy,
		CreatedAt:       e.now(),
	})
	if err != nil {
		return Result{}, err
	}
	e.logger.InfoContext(ctx, "pipeline run resolved",
		"run_id", run.ID,
		"inputs_hash", run.InputsHash,
		"as_of_date", plan.AsOfDate.Format(time.DateOnly),
		"status", run.Status,
		"created", created,
	)

	if run.Status == domain.StatusDone {
		return e.recordedResult(ctx, plan, run)
	}

	if err := e.emitRunEvent(ctx, EventPipelineRequested, run, correlationID, req.RequestedBy, nil); err != nil {
		return Result{}, err
	}

	if err := e.transitionRun(ctx, &run, domain.StatusRunning, "", ""); err != nil {
		return Result{}, err
	}
	if err := e.emitRunEvent(ctx, EventPipelineStarted, run, correlationID, req.RequestedBy, nil); err != nil {
		return Result{}, err
	}

	rows := make([]StepStatus, 0, len(domain.OrderedSteps()))
	failed := false

	for _, stepName := range domain.OrderedSteps() {
		step, _, err := e.steps.EnsureStep(ctx, domain.PipelineStep{
			ID:        e.newID(),
			RunID:     run.ID,
			StepName:  stepName,
			Status:    domain.PipelineStepMachine.Initial,
			CreatedAt: e.now(),
		})
		if err != nil {
			return Result{}, err
		}

		// Finished steps are not re-executed on resume.
		if domain.PipelineStepMachine.IsTerminal(step.Status) {
			rows = append(rows, StepStatus{StepName: step.StepName, Status: step.Status})
			continue
		}

		// The exports hook is optional; a disabled hook records as skipped
		// rather than silently missing.
		if stepName == domain.StepExports && !plan.EmitExports {
			if err := e.transitionStep(ctx, &step, domain.StatusSkipped, "", ""); err != nil {
				return Result{}, err
			}
			rows = append(rows, StepStatus{StepName: step.StepName, Status: step.Status})
			continue
		}

		if err := e.transitionStep(ctx, &step, domain.StatusRunning, "", ""); err != nil {
			return Result{}, err
		}

		impl, ok := e.impls[stepName]
		if !ok {
			msg := fmt.Sprintf("no implementation registered for step %q", stepName)
			if err := e.failRunAndStep(ctx, &run, &step, "step_not_implemented", msg, correlationID, req.RequestedBy); err != nil {
				return Result{}, err
			}
			rows = append(rows, StepStatus{StepName: step.StepName, Status: step.Status})
			failed = true
			break
		}

		artifacts, stepErr := impl(ctx, StepContext{
			Plan:          plan,
			Run:           run,
			CorrelationID: correlationID,
			Actor:         req.RequestedBy,
		})
		if stepErr != nil {
			e.logger.ErrorContext(ctx, "pipeline step failed",
				"run_id", run.ID,
				"step_name", stepName,
				"error", stepErr,
			)
			if err := e.failRunAndStep(ctx, &run, &step, stepErrorCode(stepErr), stepErr.Error(), correlationID, req.RequestedBy); err != nil {
				return Result{}, err
			}
			rows = append(rows, StepStatus{StepName: step.StepName, Status: step.Status})
			failed = true
			break
		}

		if len(artifacts) > 0 {
			if err := e.steps.SetStepArtifacts(ctx, step.ID, artifacts); err != nil {
				return Result{}, err
			}
		}
		if err := e.transitionStep(ctx, &step, domain.StatusDone, "", ""); err != nil {
			return Result{}, err
		}
		rows = append(rows, StepStatus{StepName: step.StepName, Status: step.Status})
	}

	if !failed {
		if err := e.transitionRun(ctx, &run, domain.StatusDone, "", ""); err != nil {
			return Result{}, err
		}
		if err := e.emitRunEvent(ctx, EventPipelineCompleted, run, correlationID, req.RequestedBy, nil); err != nil {
			return Result{}, err
		}
	}

	return Result{
		Plan:       plan,
		RunID:      run.ID,
		InputsHash: run.InputsHash,
		Status:     run.Status,
		Steps:      rows,
	}, nil
}

// recordedResult reports a finished run without executing anything.
func (e *Executor) recordedResult(ctx context.Context, plan domain.PipelinePlan, run domain.PipelineRun) (Result, error) {
	steps, err := e.steps.ListSteps(ctx, run.ID)
	if err != nil {
		return Result{}, err
	}
	byName := make(map[string]domain.Status, len(steps))
	for _, s := range steps {
		byName[s.StepName] = s.Status
	}
	rows := make([]StepStatus, 0, len(domain.OrderedSteps()))
	for _, name := range domain.OrderedSteps() {
		status, ok := byName[name]
		if !ok {
			status = domain.PipelineStepMachine.Initial
		}
		rows = append(rows, StepStatus{StepName: name, Status: status})
	}
	return Result{
		Plan:       plan,
		RunID:      run.ID,
		InputsHash: run.InputsHash,
		Status:     run.Status,
		Steps:      rows,
	}, nil
}

func (e *Executor) failRunAndStep(ctx context.Context, run *domain.PipelineRun, step *domain.PipelineStep, code, message, correlationID, actor string) error {
	if err := e.transitionStep(ctx, step, domain.StatusFailed, code, message); err != nil {
		return err
	}
	if err := e.transitionRun(ctx, run, domain.StatusFailed, code, message); err != nil {
		return err
	}
	return e.emitRunEvent(ctx, EventPipelineFailed, *run, correlationID, actor, domain.Metadata{
		"error_code":    code,
		"error_message": message,
	})
}

// transitionRun applies a guarded run transition and mirrors it locally.
// The guard includes the target state so a re-entrant invocation (say after
// a crash mid-run) is a no-op instead of a conflict.
func (e *Executor) transitionRun(ctx context.Context, run *domain.PipelineRun, to domain.Status, code, message string) error {
	allowed := append(domain.PipelineRunMachine.AllowedInto(to), to)
	err := e.runs.TransitionRun(ctx, run.ID, repo.Transition{
		To:           to,
		AllowedFrom:  allowed,
		ErrorCode:    code,
		ErrorMessage: message,
		At:           e.now(),
	})
	if err != nil {
		return fmt.Errorf("run %s -> %s: %w", run.Status, to, err)
	}
	run.Status = to
	run.ErrorCode = code
	run.ErrorMessage = message
	return nil
}

func (e *Executor) transitionStep(ctx context.Context, step *domain.PipelineStep, to domain.Status, code, message string) error {
	allowed := append(domain.PipelineStepMachine.AllowedInto(to), to)
	err := e.steps.TransitionStep(ctx, step.ID, repo.Transition{
		To:           to,
		AllowedFrom:  allowed,
		ErrorCode:    code,
		ErrorMessage: message,
		At:           e.now(),
	})
	if err != nil {
		return fmt.Errorf("step %s %s -> %s: %w", step.StepName, step.Status, to, err)
	}
	step.Status = to
	step.ErrorCode = code
	step.ErrorMessage = message
	return nil
}
