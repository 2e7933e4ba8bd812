package domain

import (
	"fmt"
	"sort"
)

// Status is a lifecycle state shared by every entity that carries a
// forward-only state machine (pipeline runs, steps, export jobs).
type Status string

const (
	StatusQueued  Status = "queued"
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// StateMachine is the one shared transition discipline. Transitions lists,
// per source state, the states it may move to; Terminal states accept no
// outgoing transitions (resume edges are listed explicitly in Transitions).
type StateMachine struct {
	Name        string
	Initial     Status
	Transitions map[Status][]Status
	Terminal    []Status
}

// PipelineRunMachine: queued -> running -> {done, failed}; failed -> running
// is the explicit resume edge. done is terminal.
var PipelineRunMachine = StateMachine{
	Name:    "pipeline_run",
	Initial: StatusQueued,
	Transitions: map[Status][]Status{
		StatusQueued:  {StatusRunning},
		StatusRunning: {StatusDone, StatusFailed},
		StatusFailed:  {StatusRunning},
	},
	Terminal: []Status{StatusDone},
}

// PipelineStepMachine: pending -> running -> {done, failed}; pending may be
// skipped outright (exports hook disabled); failed -> running resumes.
var PipelineStepMachine = StateMachine{
	Name:    "pipeline_step",
	Initial: StatusPending,
	Transitions: map[Status][]Status{
		StatusPending: {StatusRunning, StatusSkipped},
		StatusRunning: {StatusDone, StatusFailed},
		StatusFailed:  {StatusRunning},
	},
	Terminal: []Status{StatusDone, StatusSkipped},
}

// ExportJobMachine: queued -> running -> {done, failed}; failed -> running
// allows an operator-triggered retry of the job body.
var ExportJobMachine = StateMachine{
	Name:    "export_job",
	Initial: StatusQueued,
	Transitions: map[Status][]Status{
		StatusQueued:  {StatusRunning},
		StatusRunning: {StatusDone, StatusFailed},
		StatusFailed:  {StatusRunning},
	},
	Terminal: []Status{StatusDone, StatusFailed},
}

// Valid reports whether s appears anywhere in the machine.
func (m StateMachine) Valid(s Status) bool {
	if s == m.Initial {
		return true
	}
	if _, ok := m.Transitions[s]; ok {
		return true
	}
	for _, targets := range m.Transitions {
		for _, t := range targets {
			if t == s {
				return true
			}
		}
	}
	for _, t := range m.Terminal {
		if t == s {
			return true
		}
	}
	return false
}

func (m StateMachine) IsTerminal(s Status) bool {
	for _, t := range m.Terminal {
		if t == s {
			return true
		}
	}
	return false
}

// Can reports whether from -> to is allowed. Re-applying the current state
// is always allowed (idempotent no-op).
func (m StateMachine) Can(from, to Status) bool {
	if from == to {
		return m.Valid(from)
	}
	for _, t := range m.Transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to and returns the new state.
func (m StateMachine) Transition(from, to Status) (Status, error) {
	if !m.Valid(to) {
		return "", fmt.Errorf("%s: unknown status %q: %w", m.Name, to, ErrInvalidTransition)
	}
	if !m.Can(from, to) {
		return "", fmt.Errorf("%s: %s -> %s: %w", m.Name, from, to, ErrInvalidTransition)
	}
	return to, nil
}

// AllowedInto returns the sorted set of source states that may move into
// `to`. Callers feed this to the conditional-update guard; including `to`
// itself is the caller's choice when idempotent re-application is wanted.
func (m StateMachine) AllowedInto(to Status) []Status {
	out := make([]Status, 0, 2)
	for from, targets := range m.Transitions {
		for _, t := range targets {
			if t == to {
				out = append(out, from)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
