// Package workflow implements the orchestrator: named multi-step procedures
// executed over the event bus with per-step timeouts and compensation.
package workflow

import (
	"sync"
	"time"

	"github.com/veritasec/trustfabric/system/events"
)

// Status is the workflow lifecycle state.
type Status string

const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCompensating Status = "compensating"
	StatusCompensated  Status = "compensated"
)

// StepStatus is the per-step lifecycle state.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepDef declares one step of a workflow DAG.
type StepDef struct {
	ID        string
	Component events.Target
	Action    string
	DependsOn []string

	// Timeout bounds the wait for the step's completion event. Zero uses
	// the engine default.
	Timeout time.Duration

	// Input is a binding template. String values of the form
	// ${context.path} or ${steps.<id>.output.path} are resolved against the
	// workflow scope at bind time.
	Input map[string]any

	// Adjust mutates the bound input with values derived from the workflow
	// context (e.g. escalation overrides for critical severity).
	Adjust func(workflowContext map[string]any, input map[string]any)

	// Include gates the step on the workflow context. Nil includes always.
	Include func(workflowContext map[string]any) bool

	// Post normalizes the step output before it is recorded.
	Post func(output map[string]any) map[string]any

	// Compensation runs when this step fails, and also when a later step
	// fails after this one completed.
	Compensation *Compensation
}

// Compensation describes the failure-handling path for a step: a
// compensating step executed with the normal protocol, an envelope to emit,
// or both.
type Compensation struct {
	Step *StepDef
	Emit func(workflowContext map[string]any, exec *Execution) *events.Envelope
}

// Definition is a named workflow DAG.
type Definition struct {
	Kind    string
	Timeout time.Duration
	Steps   []StepDef
}

// step returns the definition of a step by id.
func (d *Definition) step(id string) *StepDef {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// StepRecord tracks one step execution.
type StepRecord struct {
	StepID     string         `json:"step_id"`
	Component  string         `json:"component"`
	Action     string         `json:"action"`
	Status     StepStatus     `json:"status"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	DependsOn  []string       `json:"depends_on,omitempty"`
}

// Execution is one workflow run. Step state transitions are serialized per
// execution.
type Execution struct {
	mu sync.Mutex

	WorkflowID string         `json:"workflow_id"`
	Kind       string         `json:"kind"`
	Status     Status         `json:"status"`
	Context    map[string]any `json:"context,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Steps      []*StepRecord  `json:"steps"`
	Errors     []string       `json:"errors,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
}

// stepRecord returns the record for a step id.
func (x *Execution) stepRecord(id string) *StepRecord {
	for _, s := range x.Steps {
		if s.StepID == id {
			return s
		}
	}
	return nil
}

// update runs fn with the execution's state lock held.
func (x *Execution) update(fn func()) {
	x.mu.Lock()
	defer x.mu.Unlock()
	fn()
}

// Snapshot returns a copy safe for concurrent readers.
func (x *Execution) Snapshot() *Execution {
	x.mu.Lock()
	defer x.mu.Unlock()

	out := &Execution{
		WorkflowID: x.WorkflowID,
		Kind:       x.Kind,
		Status:     x.Status,
		Context:    x.Context,
		StartedAt:  x.StartedAt,
		Errors:     append([]string(nil), x.Errors...),
		Result:     x.Result,
	}
	if x.FinishedAt != nil {
		t := *x.FinishedAt
		out.FinishedAt = &t
	}
	out.Steps = make([]*StepRecord, len(x.Steps))
	for i, s := range x.Steps {
		cp := *s
		out.Steps[i] = &cp
	}
	return out
}
