package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	fabricerrors "github.com/veritasec/trustfabric/infrastructure/errors"
	"github.com/veritasec/trustfabric/pkg/logger"
	"github.com/veritasec/trustfabric/pkg/metrics"
	"github.com/veritasec/trustfabric/system/events"
)

// Bus is the event bus surface the engine uses.
type Bus interface {
	Publish(ctx context.Context, e *events.Envelope) error
	Subscribe(p events.Pattern, h events.Handler, filter events.FilterFunc) (func(), error)
}

// EngineConfig configures the orchestrator.
type EngineConfig struct {
	Bus     Bus
	Logger  *logger.Logger
	Metrics *metrics.Metrics

	// DefaultStepTimeout bounds steps without an explicit timeout.
	DefaultStepTimeout time.Duration

	// DefaultWorkflowTimeout bounds definitions without one.
	DefaultWorkflowTimeout time.Duration
}

// stepResult is a correlated completion for one (workflow, step).
type stepResult struct {
	status string
	output map[string]any
	err    string
}

// Engine executes named workflow DAGs over the bus. Step requests are
// published as workflow.step.requested; the matching completion is awaited
// by (workflow_id, step_id) correlation.
type Engine struct {
	bus Bus
	log *logger.Logger
	m   *metrics.Metrics

	defaultStepTimeout time.Duration
	defaultWFTimeout   time.Duration

	mu      sync.RWMutex
	defs    map[string]*Definition
	execs   map[string]*Execution
	waiters map[string]chan stepResult

	unsubscribe func()
}

// NewEngine creates an engine and subscribes it to step completions.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Bus == nil {
		return nil, fmt.Errorf("bus is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault("orchestrator")
	}
	if cfg.DefaultStepTimeout <= 0 {
		cfg.DefaultStepTimeout = 30 * time.Second
	}
	if cfg.DefaultWorkflowTimeout <= 0 {
		cfg.DefaultWorkflowTimeout = 5 * time.Minute
	}

	e := &Engine{
		bus:                cfg.Bus,
		log:                cfg.Logger,
		m:                  cfg.Metrics,
		defaultStepTimeout: cfg.DefaultStepTimeout,
		defaultWFTimeout:   cfg.DefaultWorkflowTimeout,
		defs:               make(map[string]*Definition),
		execs:              make(map[string]*Execution),
		waiters:            make(map[string]chan stepResult),
	}

	unsub, err := cfg.Bus.Subscribe(
		events.TypePattern(events.TypeWorkflowStepCompleted),
		e.onStepCompleted,
		nil,
	)
	if err != nil {
		return nil, err
	}
	e.unsubscribe = unsub

	for _, def := range DefaultDefinitions() {
		e.Register(def)
	}

	return e, nil
}

// Close detaches the engine from the bus.
func (e *Engine) Close() {
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
}

// Register installs a workflow definition, replacing any with the same kind.
func (e *Engine) Register(def *Definition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defs[def.Kind] = def
}

// Kinds returns the registered workflow kinds.
func (e *Engine) Kinds() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]string, 0, len(e.defs))
	for kind := range e.defs {
		out = append(out, kind)
	}
	return out
}

// GetExecution returns a snapshot of a workflow execution.
func (e *Engine) GetExecution(workflowID string) (*Execution, error) {
	e.mu.RLock()
	exec, ok := e.execs[workflowID]
	e.mu.RUnlock()

	if !ok {
		return nil, fabricerrors.NotFound("workflow", workflowID)
	}
	return exec.Snapshot(), nil
}

// onStepCompleted correlates a completion envelope to its waiter.
func (e *Engine) onStepCompleted(ctx context.Context, env *events.Envelope) error {
	var payload events.WorkflowStepCompletedPayload
	if err := events.DecodePayload(env, &payload); err != nil {
		return err
	}

	key := correlationKey(payload.WorkflowID, payload.StepID)

	e.mu.RLock()
	ch, ok := e.waiters[key]
	e.mu.RUnlock()
	if !ok {
		// Late completion after timeout; the step already failed.
		return nil
	}

	select {
	case ch <- stepResult{status: payload.Status, output: payload.Output, err: payload.Error}:
	default:
	}
	return nil
}

func correlationKey(workflowID, stepID string) string {
	return workflowID + "/" + stepID
}

// Start launches a workflow asynchronously and returns its id immediately.
func (e *Engine) Start(ctx context.Context, kind string, workflowContext map[string]any) (string, error) {
	exec, err := e.prepare(kind, workflowContext)
	if err != nil {
		return "", err
	}
	go e.run(context.WithoutCancel(ctx), exec)
	return exec.WorkflowID, nil
}

// Execute runs a workflow to completion and returns its final record.
func (e *Engine) Execute(ctx context.Context, kind string, workflowContext map[string]any) (*Execution, error) {
	exec, err := e.prepare(kind, workflowContext)
	if err != nil {
		return nil, err
	}
	e.run(ctx, exec)

	snapshot := exec.Snapshot()
	if snapshot.Status != StatusCompleted && snapshot.Status != StatusCompensated {
		return snapshot, fabricerrors.StepFailed(snapshot.WorkflowID, "", fmt.Errorf("workflow %s", snapshot.Status))
	}
	return snapshot, nil
}

// prepare validates the kind and builds the execution record.
func (e *Engine) prepare(kind string, workflowContext map[string]any) (*Execution, error) {
	e.mu.RLock()
	def, ok := e.defs[kind]
	e.mu.RUnlock()
	if !ok {
		return nil, fabricerrors.UnknownWorkflow(kind)
	}

	exec := &Execution{
		WorkflowID: uuid.NewString(),
		Kind:       kind,
		Status:     StatusPending,
		Context:    workflowContext,
		StartedAt:  time.Now().UTC(),
	}

	for i := range def.Steps {
		step := &def.Steps[i]
		if step.Include != nil && !step.Include(workflowContext) {
			// Elided steps leave no record; dependants treat them as done.
			continue
		}
		exec.Steps = append(exec.Steps, &StepRecord{
			StepID:    step.ID,
			Component: string(step.Component),
			Action:    step.Action,
			Status:    StepPending,
			DependsOn: append([]string(nil), step.DependsOn...),
		})
	}

	e.mu.Lock()
	e.execs[exec.WorkflowID] = exec
	e.mu.Unlock()

	return exec, nil
}

// run drives a prepared execution to a terminal status.
func (e *Engine) run(ctx context.Context, exec *Execution) {
	e.mu.RLock()
	def := e.defs[exec.Kind]
	e.mu.RUnlock()

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = e.defaultWFTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	exec.update(func() { exec.Status = StatusRunning })
	if e.m != nil {
		e.m.WorkflowsStarted.WithLabelValues(exec.Kind).Inc()
	}

	e.publish(ctx, events.TypeWorkflowStarted, map[string]any{
		"workflow_id": exec.WorkflowID,
		"kind":        exec.Kind,
	})

	outputs := make(map[string]map[string]any)
	var outputsMu sync.Mutex

	failedStep, err := e.runDAG(ctx, def, exec, outputs, &outputsMu)

	if err == nil {
		finished := time.Now().UTC()
		exec.update(func() {
			exec.Status = StatusCompleted
			exec.FinishedAt = &finished
			exec.Result = aggregateResult(exec)
		})
		e.finishMetrics(exec, StatusCompleted)
		e.publish(ctx, events.TypeWorkflowCompleted, map[string]any{
			"workflow_id": exec.WorkflowID,
			"kind":        exec.Kind,
			"duration_ms": finished.Sub(exec.StartedAt).Milliseconds(),
		})
		return
	}

	// Failure path: run compensation if declared, then finalize.
	exec.update(func() {
		exec.Errors = append(exec.Errors, err.Error())
	})
	status := e.compensate(ctx, def, exec, failedStep)

	finished := time.Now().UTC()
	exec.update(func() {
		exec.Status = status
		exec.FinishedAt = &finished
		exec.Result = aggregateResult(exec)
	})
	e.finishMetrics(exec, status)
	e.publish(ctx, events.TypeWorkflowFailed, map[string]any{
		"workflow_id": exec.WorkflowID,
		"kind":        exec.Kind,
		"error":       err.Error(),
		"status":      string(status),
	})
}

// runDAG executes steps in topological order, parallel where dependencies
// allow. Returns the id of the first failed step.
func (e *Engine) runDAG(ctx context.Context, def *Definition, exec *Execution, outputs map[string]map[string]any, outputsMu *sync.Mutex) (string, error) {
	done := make(map[string]bool)     // completed or elided
	inFlight := make(map[string]bool) // currently executing

	for i := range def.Steps {
		step := &def.Steps[i]
		if step.Include != nil && !step.Include(exec.Context) {
			done[step.ID] = true
		}
	}

	type outcome struct {
		stepID string
		err    error
	}
	results := make(chan outcome)

	for {
		if err := ctx.Err(); err != nil {
			return "", fabricerrors.WorkflowTimeout(exec.WorkflowID)
		}

		// Launch every runnable step.
		launched := 0
		for i := range def.Steps {
			step := &def.Steps[i]
			rec := exec.stepRecord(step.ID)
			if rec == nil || done[step.ID] || inFlight[step.ID] {
				continue
			}

			var status StepStatus
			exec.update(func() { status = rec.Status })
			if status != StepPending {
				continue
			}

			ready := true
			for _, dep := range step.DependsOn {
				if !done[dep] {
					ready = false
					break
				}
			}
			if !ready {
				continue
			}

			inFlight[step.ID] = true
			launched++
			go func(step *StepDef) {
				err := e.runStep(ctx, exec, step, outputs, outputsMu)
				results <- outcome{stepID: step.ID, err: err}
			}(step)
		}

		if len(inFlight) == 0 {
			if launched == 0 {
				allDone := true
				for i := range def.Steps {
					if !done[def.Steps[i].ID] {
						allDone = false
						break
					}
				}
				if allDone {
					return "", nil
				}
				return "", fabricerrors.Internal("workflow has unsatisfiable dependencies", nil).
					WithDetails("workflow_id", exec.WorkflowID)
			}
			continue
		}

		// Wait for one in-flight step.
		res := <-results
		delete(inFlight, res.stepID)
		if res.err != nil {
			// Drain remaining in-flight steps before compensating.
			for len(inFlight) > 0 {
				r := <-results
				delete(inFlight, r.stepID)
			}
			return res.stepID, res.err
		}
		done[res.stepID] = true
	}
}

// runStep publishes the step request and awaits its correlated completion.
func (e *Engine) runStep(ctx context.Context, exec *Execution, step *StepDef, outputs map[string]map[string]any, outputsMu *sync.Mutex) error {
	rec := exec.stepRecord(step.ID)
	started := time.Now().UTC()

	outputsMu.Lock()
	scope := bindingScope(exec.Context, outputs)
	outputsMu.Unlock()

	input := resolveInput(step.Input, scope)
	if step.Adjust != nil {
		step.Adjust(exec.Context, input)
	}

	exec.update(func() {
		rec.Status = StepRunning
		rec.StartedAt = &started
		rec.Input = input
	})

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.defaultStepTimeout
	}

	key := correlationKey(exec.WorkflowID, step.ID)
	ch := make(chan stepResult, 1)
	e.mu.Lock()
	e.waiters[key] = ch
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.waiters, key)
		e.mu.Unlock()
	}()

	e.publish(ctx, events.TypeWorkflowStepRequested, map[string]any{
		"workflow_id": exec.WorkflowID,
		"step_id":     step.ID,
		"component":   string(step.Component),
		"action":      step.Action,
		"input":       input,
	})

	var res stepResult
	select {
	case res = <-ch:
	case <-time.After(timeout):
		e.failStep(exec, rec, step, "step timed out")
		if e.m != nil {
			e.m.ErrorKind("step_timeout")
		}
		return fabricerrors.StepTimeout(exec.WorkflowID, step.ID)
	case <-ctx.Done():
		e.failStep(exec, rec, step, "workflow cancelled")
		return fabricerrors.WorkflowTimeout(exec.WorkflowID)
	}

	if res.status != "completed" {
		msg := res.err
		if msg == "" {
			msg = "step reported failure"
		}
		e.failStep(exec, rec, step, msg)
		if e.m != nil {
			e.m.ErrorKind("step_failed")
		}
		return fabricerrors.StepFailed(exec.WorkflowID, step.ID, fmt.Errorf("%s", msg))
	}

	output := res.output
	if step.Post != nil {
		output = step.Post(output)
	}

	finished := time.Now().UTC()
	exec.update(func() {
		rec.Status = StepCompleted
		rec.FinishedAt = &finished
		rec.Output = output
	})

	outputsMu.Lock()
	outputs[step.ID] = output
	outputsMu.Unlock()

	if e.m != nil {
		e.m.StepDuration.WithLabelValues(string(step.Component), step.Action).
			Observe(finished.Sub(started).Seconds())
	}
	return nil
}

func (e *Engine) failStep(exec *Execution, rec *StepRecord, step *StepDef, msg string) {
	finished := time.Now().UTC()
	exec.update(func() {
		rec.Status = StepFailed
		rec.FinishedAt = &finished
		rec.Error = msg
	})
	e.log.WithField("workflow_id", exec.WorkflowID).
		WithField("step_id", step.ID).
		WithField("error", msg).
		Warn("workflow step failed")
}

// compensate runs compensation paths for the failed step and any completed
// steps that declare one, in reverse dependency order. Returns the final
// workflow status: compensated when every compensation succeeded, failed
// otherwise.
func (e *Engine) compensate(ctx context.Context, def *Definition, exec *Execution, failedStepID string) Status {
	// Collect compensating steps: the failed step first, then completed
	// steps in reverse declaration order (a topological order reversed).
	var candidates []*StepDef
	if step := def.step(failedStepID); step != nil && step.Compensation != nil {
		candidates = append(candidates, step)
	}
	for i := len(def.Steps) - 1; i >= 0; i-- {
		step := &def.Steps[i]
		if step.ID == failedStepID || step.Compensation == nil {
			continue
		}
		rec := exec.stepRecord(step.ID)
		var completed bool
		exec.update(func() { completed = rec != nil && rec.Status == StepCompleted })
		if completed {
			candidates = append(candidates, step)
		}
	}

	if len(candidates) == 0 {
		return StatusFailed
	}

	exec.update(func() { exec.Status = StatusCompensating })

	allOK := true
	for _, step := range candidates {
		if !e.runCompensation(ctx, exec, step) {
			allOK = false
		}
	}

	if allOK {
		return StatusCompensated
	}
	return StatusFailed
}

// runCompensation executes one step's compensation path.
func (e *Engine) runCompensation(ctx context.Context, exec *Execution, step *StepDef) bool {
	comp := step.Compensation
	ok := true

	if comp.Emit != nil {
		env := comp.Emit(exec.Context, exec)
		if env != nil {
			if err := e.bus.Publish(ctx, env); err != nil {
				e.log.WithField("workflow_id", exec.WorkflowID).
					WithField("step_id", step.ID).
					WithError(err).
					Error("compensation event publish failed")
				ok = false
			}
		}
	}

	if comp.Step != nil {
		record := &StepRecord{
			StepID:    comp.Step.ID,
			Component: string(comp.Step.Component),
			Action:    comp.Step.Action,
			Status:    StepPending,
		}
		exec.update(func() { exec.Steps = append(exec.Steps, record) })

		outputs := make(map[string]map[string]any)
		var mu sync.Mutex
		if err := e.runStep(ctx, exec, comp.Step, outputs, &mu); err != nil {
			ok = false
		}
	}

	return ok
}

// aggregateResult collects completed step outputs keyed by step id. Caller
// holds the execution lock.
func aggregateResult(exec *Execution) map[string]any {
	result := make(map[string]any)
	for _, rec := range exec.Steps {
		if rec.Status == StepCompleted && rec.Output != nil {
			result[rec.StepID] = rec.Output
			if url, ok := rec.Output["shareable_url"]; ok {
				result["shareable_url"] = url
			}
		}
	}
	return result
}

func (e *Engine) finishMetrics(exec *Execution, status Status) {
	if e.m != nil {
		e.m.WorkflowsFinished.WithLabelValues(exec.Kind, string(status)).Inc()
	}
}

// publish emits an orchestrator envelope, logging failures.
func (e *Engine) publish(ctx context.Context, eventType string, data map[string]any) {
	if err := e.bus.Publish(ctx, &events.Envelope{
		Source: events.SourceOrchestrator,
		Type:   eventType,
		Data:   data,
	}); err != nil {
		e.log.WithField("type", eventType).WithError(err).Warn("orchestrator publish failed")
	}
}

// Stats holds engine counters.
type Stats struct {
	Definitions int `json:"definitions"`
	Executions  int `json:"executions"`
	Waiters     int `json:"waiters"`
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return Stats{
		Definitions: len(e.defs),
		Executions:  len(e.execs),
		Waiters:     len(e.waiters),
	}
}
