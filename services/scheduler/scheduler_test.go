package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type fakeRunner struct {
	mu     sync.Mutex
	starts []string
	err    error
}

func (r *fakeRunner) Start(ctx context.Context, kind string, workflowContext map[string]any) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.starts = append(r.starts, kind)
	return "wf-1", nil
}

func TestAdd_RegistersSchedule(t *testing.T) {
	s, err := New(Config{Runner: &fakeRunner{}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := s.Add(Schedule{
		Name: "nightly-score",
		Cron: "0 3 * * *",
		Kind: "trust_score_generation",
	}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	if got := s.Stats().Schedules; got != 1 {
		t.Errorf("Schedules = %d, want 1", got)
	}
}

func TestAdd_Rejections(t *testing.T) {
	s, _ := New(Config{Runner: &fakeRunner{}})

	if err := s.Add(Schedule{Name: "", Cron: "* * * * *", Kind: "x"}); err == nil {
		t.Error("expected error for missing name")
	}
	if err := s.Add(Schedule{Name: "bad-cron", Cron: "not a cron", Kind: "x"}); err == nil {
		t.Error("expected error for invalid cron expression")
	}

	s.Add(Schedule{Name: "dup", Cron: "* * * * *", Kind: "x"})
	if err := s.Add(Schedule{Name: "dup", Cron: "* * * * *", Kind: "x"}); err == nil {
		t.Error("expected error for duplicate schedule name")
	}
}

func TestTrigger_LaunchesWorkflow(t *testing.T) {
	runner := &fakeRunner{}
	s, _ := New(Config{Runner: runner})

	sched := Schedule{Name: "s1", Cron: "* * * * *", Kind: "breach_response"}
	s.trigger(sched)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.starts) != 1 || runner.starts[0] != "breach_response" {
		t.Errorf("starts = %v, want [breach_response]", runner.starts)
	}
	if s.Stats().Triggered != 1 {
		t.Errorf("Triggered = %d, want 1", s.Stats().Triggered)
	}
}

func TestTrigger_CountsFailures(t *testing.T) {
	runner := &fakeRunner{err: errors.New("unknown kind")}
	s, _ := New(Config{Runner: runner})

	s.trigger(Schedule{Name: "s1", Cron: "* * * * *", Kind: "bogus"})

	if s.Stats().Failed != 1 {
		t.Errorf("Failed = %d, want 1", s.Stats().Failed)
	}
}

func TestRemove(t *testing.T) {
	s, _ := New(Config{Runner: &fakeRunner{}})

	s.Add(Schedule{Name: "s1", Cron: "* * * * *", Kind: "x"})
	s.Remove("s1")

	if got := s.Stats().Schedules; got != 0 {
		t.Errorf("Schedules = %d, want 0", got)
	}
}

func TestStartStop(t *testing.T) {
	s, _ := New(Config{Runner: &fakeRunner{}})
	s.Start()
	s.Stop()
}
