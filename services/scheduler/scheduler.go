// Package scheduler triggers named workflows on cron schedules, e.g. a
// nightly trust-score generation run.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/veritasec/trustfabric/pkg/logger"
)

// WorkflowRunner launches workflows; satisfied by the orchestrator engine.
type WorkflowRunner interface {
	Start(ctx context.Context, kind string, workflowContext map[string]any) (string, error)
}

// Schedule binds a cron expression to a workflow kind and context.
type Schedule struct {
	Name    string
	Cron    string
	Kind    string
	Context map[string]any
}

// Config configures the scheduler.
type Config struct {
	Runner WorkflowRunner
	Logger *logger.Logger
}

// Scheduler runs registered schedules until stopped.
type Scheduler struct {
	cron   *cron.Cron
	runner WorkflowRunner
	log    *logger.Logger

	mu        sync.Mutex
	entries   map[string]cron.EntryID
	schedules map[string]Schedule
	triggered int64
	failed    int64
}

// New creates a scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("workflow runner is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault("scheduler")
	}

	return &Scheduler{
		cron:      cron.New(),
		runner:    cfg.Runner,
		log:       cfg.Logger,
		entries:   make(map[string]cron.EntryID),
		schedules: make(map[string]Schedule),
	}, nil
}

// Add registers a schedule. Names are unique.
func (s *Scheduler) Add(sched Schedule) error {
	if sched.Name == "" || sched.Cron == "" || sched.Kind == "" {
		return fmt.Errorf("schedule requires name, cron expression, and workflow kind")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[sched.Name]; exists {
		return fmt.Errorf("schedule %q already registered", sched.Name)
	}

	id, err := s.cron.AddFunc(sched.Cron, func() { s.trigger(sched) })
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", sched.Cron, err)
	}

	s.entries[sched.Name] = id
	s.schedules[sched.Name] = sched

	s.log.WithField("schedule", sched.Name).
		WithField("cron", sched.Cron).
		WithField("kind", sched.Kind).
		Info("workflow schedule registered")
	return nil
}

// Remove deletes a schedule by name.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
		delete(s.schedules, name)
	}
}

// trigger launches one scheduled workflow run.
func (s *Scheduler) trigger(sched Schedule) {
	workflowID, err := s.runner.Start(context.Background(), sched.Kind, sched.Context)

	s.mu.Lock()
	if err != nil {
		s.failed++
	} else {
		s.triggered++
	}
	s.mu.Unlock()

	if err != nil {
		s.log.WithField("schedule", sched.Name).
			WithField("kind", sched.Kind).
			WithError(err).
			Error("scheduled workflow launch failed")
		return
	}

	s.log.WithField("schedule", sched.Name).
		WithField("workflow_id", workflowID).
		Info("scheduled workflow launched")
}

// Start begins firing schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started")
}

// Stop halts scheduling and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

// Stats holds scheduler counters.
type Stats struct {
	Schedules int   `json:"schedules"`
	Triggered int64 `json:"triggered"`
	Failed    int64 `json:"failed"`
}

// Stats returns a snapshot of scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Schedules: len(s.entries),
		Triggered: s.triggered,
		Failed:    s.failed,
	}
}
