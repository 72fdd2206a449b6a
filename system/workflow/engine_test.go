package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	fabricerrors "github.com/veritasec/trustfabric/infrastructure/errors"
	"github.com/veritasec/trustfabric/system/events"
)

// componentStub answers workflow.step.requested envelopes for one component.
type componentStub struct {
	mu      sync.Mutex
	calls   []events.WorkflowStepRequestedPayload
	outputs map[string]map[string]any // by action
	fail    map[string]error          // by action
	delay   time.Duration
}

func (c *componentStub) handler(ctx context.Context, e *events.Envelope) (map[string]any, error) {
	var req events.WorkflowStepRequestedPayload
	if err := events.DecodePayload(e, &req); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.calls = append(c.calls, req)
	delay := c.delay
	failErr := c.fail[req.Action]
	out := c.outputs[req.Action]
	c.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failErr != nil {
		return nil, failErr
	}
	if out == nil {
		out = map[string]any{"done": true}
	}
	return out, nil
}

func (c *componentStub) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *componentStub) lastCall() events.WorkflowStepRequestedPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[len(c.calls)-1]
}

type engineFixture struct {
	bus    *events.Bus
	engine *Engine
	stubs  map[events.Target]*componentStub
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	transport := events.NewMemoryTransport(nil)
	direct := events.NewDirectDispatcher(nil)

	bus, err := events.NewBus(events.BusConfig{
		Store:          events.NewMemoryStore(events.MemoryStoreConfig{MaxEvents: 1000, DefaultTTL: time.Minute}),
		Transport:      transport,
		Dispatcher:     direct,
		FlushInterval:  10 * time.Millisecond,
		BatchSize:      100,
		MaxConcurrency: 10,
		HandlerTimeout: 2 * time.Second,
		ShutdownGrace:  time.Second,
	})
	if err != nil {
		t.Fatalf("NewBus() error = %v", err)
	}
	if err := bus.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	stubs := make(map[events.Target]*componentStub)
	for _, target := range []events.Target{
		events.TargetRegulation, events.TargetVulnerability, events.TargetRisk,
		events.TargetMonitoring, events.TargetPolicy, events.TargetIntelligence,
		events.TargetValue, events.TargetClearance, events.TargetTrustEngine,
	} {
		stub := &componentStub{outputs: map[string]map[string]any{}, fail: map[string]error{}}
		stubs[target] = stub
		direct.Register(target, stub.handler)
	}

	engine, err := NewEngine(EngineConfig{
		Bus:                bus,
		DefaultStepTimeout: 3 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	t.Cleanup(func() {
		engine.Close()
		bus.Shutdown(context.Background())
	})

	return &engineFixture{bus: bus, engine: engine, stubs: stubs}
}

// Seed scenario: breach-response completes with all six steps and each
// component invoked exactly once.
func TestExecute_BreachResponseSuccess(t *testing.T) {
	f := newEngineFixture(t)

	exec, err := f.engine.Execute(context.Background(), KindBreachResponse, map[string]any{
		"breach_id": "B1",
		"severity":  "high",
		"source":    "edr",
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if exec.Status != StatusCompleted {
		t.Errorf("Status = %s, want completed", exec.Status)
	}
	if len(exec.Steps) != 6 {
		t.Fatalf("steps = %d, want 6", len(exec.Steps))
	}

	// P8: completed iff every step completed.
	for _, step := range exec.Steps {
		if step.Status != StepCompleted {
			t.Errorf("step %s status = %s, want completed", step.StepID, step.Status)
		}
		if step.FinishedAt == nil {
			t.Errorf("step %s missing finished_at", step.StepID)
		}
	}
	if exec.FinishedAt == nil {
		t.Error("missing workflow finished_at")
	}

	// Each declared component received its action request exactly once.
	for _, target := range []events.Target{
		events.TargetIntelligence, events.TargetVulnerability, events.TargetRegulation,
		events.TargetRisk, events.TargetClearance, events.TargetValue,
	} {
		if got := f.stubs[target].callCount(); got != 1 {
			t.Errorf("%s received %d requests, want 1", target, got)
		}
	}
	if f.stubs[events.TargetMonitoring].callCount() != 0 {
		t.Error("monitoring should not participate in breach response")
	}
}

func TestExecute_CriticalSeverityEscalatesDecisionRouting(t *testing.T) {
	f := newEngineFixture(t)

	_, err := f.engine.Execute(context.Background(), KindBreachResponse, map[string]any{
		"breach_id": "B2",
		"severity":  "critical",
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	call := f.stubs[events.TargetClearance].lastCall()
	if call.Input["approval_level"] != "executive" {
		t.Errorf("approval_level = %v, want executive", call.Input["approval_level"])
	}
	if call.Input["urgency"] != "immediate" {
		t.Errorf("urgency = %v, want immediate", call.Input["urgency"])
	}
}

func TestExecute_DecisionRoutingFailureCompensates(t *testing.T) {
	f := newEngineFixture(t)

	var emergencies []*events.Envelope
	var mu sync.Mutex
	f.bus.Subscribe(events.TypePattern(events.TypeEmergencyDecisionRequired), func(ctx context.Context, e *events.Envelope) error {
		mu.Lock()
		emergencies = append(emergencies, e)
		mu.Unlock()
		return nil
	}, nil)

	f.stubs[events.TargetClearance].fail["route-decision"] = errors.New("router crashed")

	exec, err := f.engine.Execute(context.Background(), KindBreachResponse, map[string]any{
		"breach_id": "B3",
		"severity":  "high",
	})
	if err != nil {
		t.Fatalf("Execute() error = %v (compensated workflows return the record)", err)
	}

	if exec.Status != StatusCompensated {
		t.Errorf("Status = %s, want compensated", exec.Status)
	}

	rec := exec.stepRecord("decision-routing")
	if rec == nil || rec.Status != StepFailed {
		t.Errorf("decision-routing status = %v, want failed", rec)
	}
	if len(exec.Errors) == 0 {
		t.Error("expected workflow errors to be recorded")
	}

	// The operator escalation was published.
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(emergencies)
		mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(emergencies) != 1 {
		t.Fatalf("emergency envelopes = %d, want 1", len(emergencies))
	}
	var payload events.EmergencyDecisionPayload
	events.DecodePayload(emergencies[0], &payload)
	if payload.Urgency != "immediate" {
		t.Errorf("urgency = %s, want immediate", payload.Urgency)
	}
	if payload.WorkflowID != exec.WorkflowID {
		t.Errorf("workflow_id = %s, want %s", payload.WorkflowID, exec.WorkflowID)
	}
}

// P8: a failed step with no compensation leaves the workflow failed.
func TestExecute_FailureWithoutCompensation(t *testing.T) {
	f := newEngineFixture(t)

	f.engine.Register(&Definition{
		Kind: "no-compensation",
		Steps: []StepDef{
			{ID: "s1", Component: events.TargetRisk, Action: "act-1"},
			{ID: "s2", Component: events.TargetValue, Action: "act-2", DependsOn: []string{"s1"}},
		},
	})

	f.stubs[events.TargetValue].fail["act-2"] = errors.New("boom")

	exec, err := f.engine.Execute(context.Background(), "no-compensation", nil)
	if err == nil {
		t.Fatal("expected error for failed workflow")
	}
	if exec.Status != StatusFailed {
		t.Errorf("Status = %s, want failed", exec.Status)
	}
	if exec.stepRecord("s1").Status != StepCompleted {
		t.Error("s1 should have completed")
	}
	if exec.stepRecord("s2").Status != StepFailed {
		t.Error("s2 should be failed")
	}
}

// Seed scenario: trust-score generation without a shareable URL elides the
// URL step.
func TestExecute_TrustScoreWithoutShareableURL(t *testing.T) {
	f := newEngineFixture(t)

	exec, err := f.engine.Execute(context.Background(), KindTrustScoreGeneration, map[string]any{
		"entity_id": "org-1",
		"period":    "quarterly",
		"scope":     map[string]any{"shareable_url": false},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if len(exec.Steps) != 6 {
		t.Fatalf("steps = %d, want 6 (URL step elided)", len(exec.Steps))
	}
	if _, ok := exec.Result["shareable_url"]; ok {
		t.Error("shareable_url must be absent when not requested")
	}
	if f.stubs[events.TargetValue].callCount() != 1 {
		t.Errorf("value calls = %d, want 1 (render only)", f.stubs[events.TargetValue].callCount())
	}
}

func TestExecute_TrustScoreWithShareableURL(t *testing.T) {
	f := newEngineFixture(t)

	exec, err := f.engine.Execute(context.Background(), KindTrustScoreGeneration, map[string]any{
		"entity_id": "org-1",
		"period":    "quarterly",
		"scope":     map[string]any{"shareable_url": true},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if len(exec.Steps) != 7 {
		t.Fatalf("steps = %d, want 7", len(exec.Steps))
	}

	url, ok := exec.Result["shareable_url"].(string)
	if !ok || url == "" {
		t.Fatal("expected shareable_url in result")
	}

	// The expiry instant is stored with the record.
	urlStep := exec.stepRecord("issue-shareable-url")
	expiresRaw, ok := urlStep.Output["expires_at"].(string)
	if !ok {
		t.Fatal("expected expires_at on the URL step output")
	}
	expires, err := time.Parse(time.RFC3339, expiresRaw)
	if err != nil {
		t.Fatalf("expires_at not RFC3339: %v", err)
	}
	if !expires.After(time.Now()) {
		t.Error("expiry must be in the future")
	}
}

func TestExecute_StepTimeout(t *testing.T) {
	f := newEngineFixture(t)

	f.engine.Register(&Definition{
		Kind: "slow",
		Steps: []StepDef{
			{ID: "s1", Component: events.TargetRisk, Action: "slow-act", Timeout: 150 * time.Millisecond},
		},
	})
	f.stubs[events.TargetRisk].delay = 2 * time.Second

	exec, err := f.engine.Execute(context.Background(), "slow", nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if exec.Status != StatusFailed {
		t.Errorf("Status = %s, want failed", exec.Status)
	}
	if exec.stepRecord("s1").Status != StepFailed {
		t.Error("step should be failed after timeout")
	}
}

func TestExecute_DependencyOrder(t *testing.T) {
	f := newEngineFixture(t)

	f.engine.Register(&Definition{
		Kind: "chain",
		Steps: []StepDef{
			{ID: "c", Component: events.TargetRisk, Action: "act-c", DependsOn: []string{"b"}},
			{ID: "a", Component: events.TargetRisk, Action: "act-a"},
			{ID: "b", Component: events.TargetRisk, Action: "act-b", DependsOn: []string{"a"}},
		},
	})

	stub := f.stubs[events.TargetRisk]

	exec, err := f.engine.Execute(context.Background(), "chain", nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if exec.Status != StatusCompleted {
		t.Fatalf("Status = %s, want completed", exec.Status)
	}

	stub.mu.Lock()
	var order []string
	for _, call := range stub.calls {
		order = append(order, call.Action)
	}
	stub.mu.Unlock()

	want := []string{"act-a", "act-b", "act-c"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestExecute_InputBindingFlowsOutputs(t *testing.T) {
	f := newEngineFixture(t)

	f.stubs[events.TargetIntelligence].outputs["ingest-breach-intel"] = map[string]any{
		"indicators": []any{"ip-1", "hash-2"},
	}

	_, err := f.engine.Execute(context.Background(), KindBreachResponse, map[string]any{
		"breach_id": "B9",
		"severity":  "low",
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	assess := f.stubs[events.TargetVulnerability].lastCall()
	indicators, ok := assess.Input["indicators"].([]any)
	if !ok || len(indicators) != 2 {
		t.Errorf("indicators = %v, want the intelligence output", assess.Input["indicators"])
	}
	if assess.Input["breach_id"] != "B9" {
		t.Errorf("breach_id = %v, want B9 from context", assess.Input["breach_id"])
	}
}

func TestExecute_UnknownKind(t *testing.T) {
	f := newEngineFixture(t)

	_, err := f.engine.Execute(context.Background(), "nope", nil)
	if fabricerrors.CodeOf(err) != fabricerrors.ErrCodeUnknownWorkflow {
		t.Errorf("got %v, want unknown workflow", err)
	}
}

func TestExecute_ConcurrentWorkflows(t *testing.T) {
	f := newEngineFixture(t)

	const n = 4
	var wg sync.WaitGroup
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			exec, err := f.engine.Execute(context.Background(), KindBreachResponse, map[string]any{
				"breach_id": fmt.Sprintf("B-%d", i),
				"severity":  "medium",
			})
			if err != nil {
				t.Errorf("workflow %d: %v", i, err)
				return
			}
			ids[i] = exec.WorkflowID
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, id := range ids {
		if id == "" {
			continue
		}
		if seen[id] {
			t.Error("duplicate workflow id")
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Errorf("distinct workflows = %d, want %d", len(seen), n)
	}
}

func TestStartAndGetExecution(t *testing.T) {
	f := newEngineFixture(t)

	id, err := f.engine.Start(context.Background(), KindBreachResponse, map[string]any{
		"breach_id": "B-async",
		"severity":  "low",
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if id == "" {
		t.Fatal("expected workflow id")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		exec, err := f.engine.GetExecution(id)
		if err != nil {
			t.Fatalf("GetExecution() error = %v", err)
		}
		if exec.Status == StatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("workflow stuck in %s", exec.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if _, err := f.engine.GetExecution("missing"); fabricerrors.CodeOf(err) != fabricerrors.ErrCodeNotFound {
		t.Errorf("got %v, want not found", err)
	}
}

func TestEngine_PublishesLifecycleEvents(t *testing.T) {
	f := newEngineFixture(t)

	var mu sync.Mutex
	received := map[string]int{}
	for _, typ := range []string{events.TypeWorkflowStarted, events.TypeWorkflowCompleted} {
		typ := typ
		f.bus.Subscribe(events.TypePattern(typ), func(ctx context.Context, e *events.Envelope) error {
			mu.Lock()
			received[typ]++
			mu.Unlock()
			return nil
		}, nil)
	}

	if _, err := f.engine.Execute(context.Background(), KindBreachResponse, map[string]any{
		"breach_id": "B-ev",
		"severity":  "low",
	}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		ok := received[events.TypeWorkflowStarted] == 1 && received[events.TypeWorkflowCompleted] == 1
		mu.Unlock()
		if ok || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if received[events.TypeWorkflowStarted] != 1 || received[events.TypeWorkflowCompleted] != 1 {
		t.Errorf("lifecycle events = %v", received)
	}
}
