package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	fabricerrors "github.com/veritasec/trustfabric/infrastructure/errors"
	"github.com/veritasec/trustfabric/pkg/logger"
	"github.com/veritasec/trustfabric/pkg/metrics"
)

// SystemEntityID is the entity credited by routing-side trust awards.
const SystemEntityID = "system"

// BusConfig configures the core event bus.
type BusConfig struct {
	Store      EventStore // nil disables persistence
	Transport  Transport
	Router     *Router
	Dispatcher TargetDispatcher // nil disables target dispatch
	Logger     *logger.Logger
	Metrics    *metrics.Metrics

	PersistTTL     time.Duration
	BatchSize      int
	FlushInterval  time.Duration
	MaxConcurrency int
	QueueCapacity  int
	HandlerTimeout time.Duration
	ShutdownGrace  time.Duration

	// TrustAwards maps event types to routing-side point awards. Nil uses
	// DefaultTrustAwards; an empty map disables awards.
	TrustAwards map[string]TrustAward
}

// Bus is the core event bus: it validates and persists envelopes, routes
// them to targets, fans out to subscribers, and awards trust points as a
// side effect of routing.
type Bus struct {
	cfg       BusConfig
	log       *logger.Logger
	m         *metrics.Metrics
	latencies *metrics.LatencyWindow

	store      EventStore
	transport  Transport
	router     *Router
	dispatcher TargetDispatcher
	awards     map[string]TrustAward

	mu        sync.Mutex
	queue     []*Envelope
	seen      map[string]struct{}
	processed map[string]struct{}
	running   bool

	// Single logical owner of the drain operation.
	processingBatch atomic.Bool

	published       int64
	handled         int64
	failed          int64
	duplicates      int64
	dropped         int64
	persistFailures int64

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewBus creates a bus from cfg. Call Start before publishing.
func NewBus(cfg BusConfig) (*Bus, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.Router == nil {
		cfg.Router = NewRouter(DefaultRules())
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault("bus")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 200 * time.Millisecond
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 10
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 10000
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 10 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 5 * time.Second
	}
	awards := cfg.TrustAwards
	if awards == nil {
		awards = DefaultTrustAwards()
	}

	return &Bus{
		cfg:        cfg,
		log:        cfg.Logger,
		m:          cfg.Metrics,
		latencies:  metrics.NewLatencyWindow(1000),
		store:      cfg.Store,
		transport:  cfg.Transport,
		router:     cfg.Router,
		dispatcher: cfg.Dispatcher,
		awards:     awards,
		seen:       make(map[string]struct{}),
		processed:  make(map[string]struct{}),
	}, nil
}

// Start launches the background flush loop.
func (b *Bus) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return fmt.Errorf("bus already running")
	}
	b.running = true
	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})

	go b.flushLoop()

	b.log.WithField("flush_interval", b.cfg.FlushInterval).
		WithField("batch_size", b.cfg.BatchSize).
		Info("event bus started")
	return nil
}

// Publish validates the envelope, assigns missing fields, and enqueues it.
// Duplicates are an idempotent no-op. High-priority envelopes are also
// processed synchronously; their queued copy is skipped by event id.
func (b *Bus) Publish(ctx context.Context, e *Envelope) error {
	if e == nil {
		return fabricerrors.Internal("nil envelope", nil)
	}

	b.mu.Lock()
	running := b.running
	b.mu.Unlock()
	if !running {
		b.countError("bus_stopped")
		return fabricerrors.BusStopped()
	}

	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	if err := Validate(e); err != nil {
		b.countError("schema")
		return err
	}

	b.mu.Lock()
	if _, dup := b.seen[e.EventID]; dup {
		b.duplicates++
		b.mu.Unlock()
		b.countError("duplicate")
		// Idempotent no-op: the publisher sees success, nothing re-runs.
		return nil
	}
	if len(b.queue) >= b.cfg.QueueCapacity {
		b.dropped++
		b.mu.Unlock()
		if b.m != nil {
			b.m.EventsDropped.Inc()
		}
		return fabricerrors.QueueFull(b.cfg.QueueCapacity)
	}
	b.seen[e.EventID] = struct{}{}
	b.queue = append(b.queue, e)
	b.published++
	highPriority := IsHighPriority(e)
	if highPriority {
		// The queued copy stays for ordering but is de-duplicated here.
		b.processed[e.EventID] = struct{}{}
	}
	depth := len(b.queue)
	b.mu.Unlock()

	if b.m != nil {
		b.m.EventsPublished.WithLabelValues(string(e.Source), e.Type).Inc()
		b.m.QueueDepth.Set(float64(depth))
	}

	if highPriority {
		b.processEvent(ctx, e)
		b.emitEmergencyDecision(ctx, e)
	}

	return nil
}

// Subscribe registers a pattern handler and returns its unsubscribe
// function.
func (b *Bus) Subscribe(p Pattern, h Handler, filter FilterFunc) (func(), error) {
	sub, err := b.transport.Subscribe(p, h, filter)
	if err != nil {
		return nil, err
	}
	return func() {
		if err := b.transport.Unsubscribe(sub.ID); err != nil {
			b.log.WithField("subscription", sub.ID).WithError(err).Debug("unsubscribe failed")
		}
	}, nil
}

// History delegates to the persistence store.
func (b *Bus) History(ctx context.Context, f HistoryFilter) ([]*Envelope, error) {
	if b.store == nil {
		return nil, fabricerrors.StorageFailed("history", fmt.Errorf("persistence disabled"))
	}
	return b.store.History(ctx, f)
}

// Seen reports whether the bus has accepted an envelope with this id during
// its lifetime. The ledger uses it to verify evidence references.
func (b *Bus) Seen(eventID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.seen[eventID]
	return ok
}

// flushLoop wakes every FlushInterval and drains the queue.
func (b *Bus) flushLoop() {
	defer close(b.doneCh)

	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flush(context.Background())
		case <-b.stopCh:
			return
		}
	}
}

// flush drains up to BatchSize queued envelopes and processes them. Same
// (source, type) envelopes process sequentially in publication order;
// distinct groups run concurrently up to MaxConcurrency.
func (b *Bus) flush(ctx context.Context) {
	if !b.processingBatch.CompareAndSwap(false, true) {
		return // a flush is already in progress
	}
	defer b.processingBatch.Store(false)

	b.mu.Lock()
	n := len(b.queue)
	if n == 0 {
		b.mu.Unlock()
		return
	}
	if n > b.cfg.BatchSize {
		n = b.cfg.BatchSize
	}
	batch := make([]*Envelope, n)
	copy(batch, b.queue[:n])
	b.queue = b.queue[n:]

	pending := batch[:0]
	for _, e := range batch {
		if _, done := b.processed[e.EventID]; done {
			delete(b.processed, e.EventID)
			continue
		}
		pending = append(pending, e)
	}
	depth := len(b.queue)
	b.mu.Unlock()

	if b.m != nil {
		b.m.QueueDepth.Set(float64(depth))
	}
	if len(pending) == 0 {
		return
	}

	// Group by (source, type) to preserve per-pair FIFO.
	groups := make(map[string][]*Envelope)
	order := make([]string, 0)
	for _, e := range pending {
		key := string(e.Source) + ":" + e.Type
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], e)
	}

	sem := make(chan struct{}, b.cfg.MaxConcurrency)
	var wg sync.WaitGroup
	for _, key := range order {
		events := groups[key]
		wg.Add(1)
		sem <- struct{}{}
		go func(events []*Envelope) {
			defer wg.Done()
			defer func() { <-sem }()
			for _, e := range events {
				b.processEvent(ctx, e)
			}
		}(events)
	}
	wg.Wait()
}

// processEvent persists, routes, and delivers one envelope.
func (b *Bus) processEvent(ctx context.Context, e *Envelope) {
	if b.store != nil {
		if err := b.store.Persist(ctx, e, b.cfg.PersistTTL); err != nil {
			// Best-effort: dispatch proceeds.
			b.mu.Lock()
			b.persistFailures++
			b.mu.Unlock()
			b.countError("storage")
			b.log.WithField("event_id", e.EventID).WithError(err).Warn("event persistence failed")
		}
	}

	dctx, cancel := context.WithTimeout(ctx, b.cfg.HandlerTimeout)
	defer cancel()

	if err := b.transport.Deliver(dctx, e); err != nil {
		b.countError("transport")
		b.log.WithField("event_id", e.EventID).WithError(err).Warn("transport delivery failed")
	}

	for _, routed := range b.router.Route(e) {
		b.dispatchRouted(dctx, routed)
	}

	if e.Type == TypeWorkflowStepRequested {
		b.executeStepRequest(ctx, e)
	}

	if award, ok := b.awards[e.Type]; ok {
		b.awardTrustPoints(ctx, e, award)
	}

	elapsed := time.Since(e.Timestamp)
	b.latencies.Observe(elapsed)
	if b.m != nil {
		b.m.HandlerDuration.WithLabelValues("bus").Observe(elapsed.Seconds())
	}

	b.mu.Lock()
	b.handled++
	b.mu.Unlock()
}

// dispatchRouted delivers one routed pair to its target component handler.
func (b *Bus) dispatchRouted(ctx context.Context, routed RoutedEvent) {
	if b.dispatcher == nil {
		return
	}

	_, err := b.dispatcher.Dispatch(ctx, routed.Target, routed.Envelope)
	switch {
	case err == nil:
		if b.m != nil {
			b.m.EventsHandled.WithLabelValues(string(routed.Target), "ok").Inc()
		}
	case fabricerrors.CodeOf(err) == fabricerrors.ErrCodeNoHandler:
		// The target component is not wired in this deployment.
		b.log.WithField("target", string(routed.Target)).
			WithField("rule", routed.Rule).
			Debug("routed target has no handler")
	default:
		b.mu.Lock()
		b.failed++
		b.mu.Unlock()
		if b.m != nil {
			b.m.EventsHandled.WithLabelValues(string(routed.Target), "error").Inc()
		}
		b.countError(errorKind(err))
		b.log.WithField("target", string(routed.Target)).
			WithField("event_id", routed.Envelope.EventID).
			WithError(err).
			Warn("routed dispatch failed")
	}
}

// executeStepRequest dispatches a workflow step request to its component and
// publishes the matching completion envelope.
func (b *Bus) executeStepRequest(ctx context.Context, e *Envelope) {
	if b.dispatcher == nil {
		return
	}

	var req WorkflowStepRequestedPayload
	if err := DecodePayload(e, &req); err != nil {
		b.log.WithField("event_id", e.EventID).WithError(err).Warn("undecodable step request")
		return
	}

	dctx, cancel := context.WithTimeout(ctx, b.cfg.HandlerTimeout)
	out, err := b.dispatcher.Dispatch(dctx, Target(req.Component), e)
	cancel()

	completion := map[string]any{
		"workflow_id": req.WorkflowID,
		"step_id":     req.StepID,
	}
	source := Source(req.Component)
	if !source.Valid() {
		source = SourceOrchestrator
	}
	if err != nil {
		completion["status"] = "failed"
		completion["error"] = err.Error()
		b.countError(errorKind(err))
	} else {
		completion["status"] = "completed"
		if out != nil {
			completion["output"] = out
		}
		if b.m != nil {
			b.m.EventsHandled.WithLabelValues(req.Component, "ok").Inc()
		}
	}

	if perr := b.Publish(ctx, &Envelope{
		Source: source,
		Type:   TypeWorkflowStepCompleted,
		Data:   completion,
	}); perr != nil {
		b.log.WithField("workflow_id", req.WorkflowID).
			WithField("step_id", req.StepID).
			WithError(perr).
			Error("failed to publish step completion")
	}
}

// awardTrustPoints publishes the derived trust.points.earned envelope for a
// routed event. The triggering event is the evidence.
func (b *Bus) awardTrustPoints(ctx context.Context, e *Envelope, award TrustAward) {
	if e.Type == TypeTrustPointsEarned || e.Source == SourceTrustEngine {
		return
	}

	err := b.Publish(ctx, &Envelope{
		Source: e.Source,
		Type:   TypeTrustPointsEarned,
		Data: map[string]any{
			"entity_id":         SystemEntityID,
			"entity_type":       "organization",
			"points":            award.Points,
			"category":          award.Category,
			"multiplier":        1.0,
			"evidence_event_id": e.EventID,
			"description":       fmt.Sprintf("routed %s", e.Type),
		},
	})
	if err != nil {
		b.log.WithField("event_id", e.EventID).WithError(err).Warn("trust award publish failed")
	}
}

// emitEmergencyDecision publishes the operator escalation produced by the
// critical fast path.
func (b *Bus) emitEmergencyDecision(ctx context.Context, e *Envelope) {
	err := b.Publish(ctx, &Envelope{
		Source: SourceClearance,
		Type:   TypeEmergencyDecisionRequired,
		Data: map[string]any{
			"decision_id":    uuid.NewString(),
			"reason":         fmt.Sprintf("critical %s: %s", e.Type, e.EventID),
			"urgency":        "immediate",
			"sla_minutes":    30,
			"approval_level": "executive",
		},
	})
	if err != nil {
		b.log.WithField("event_id", e.EventID).WithError(err).Error("emergency escalation publish failed")
	}
}

// Shutdown drains the queue, stops the flush loop, and closes the transport.
// In-flight dispatches get the configured grace window.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	b.mu.Unlock()

	deadline := time.Now().Add(b.cfg.ShutdownGrace)
	for {
		b.flush(ctx)

		b.mu.Lock()
		empty := len(b.queue) == 0
		b.mu.Unlock()

		if empty || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	close(b.stopCh)
	select {
	case <-b.doneCh:
	case <-time.After(b.cfg.ShutdownGrace):
		b.log.Warn("flush loop did not stop within grace window")
	}

	if err := b.transport.Close(); err != nil {
		return err
	}

	b.log.Info("event bus stopped")
	return nil
}

func (b *Bus) countError(kind string) {
	if b.m != nil {
		b.m.ErrorKind(kind)
	}
}

// errorKind maps an error to its metric label.
func errorKind(err error) string {
	switch fabricerrors.CodeOf(err) {
	case fabricerrors.ErrCodeCircuitOpen:
		return "circuit_open"
	case fabricerrors.ErrCodeTransientTransport:
		return "transient"
	case fabricerrors.ErrCodeTimeout, fabricerrors.ErrCodeStepTimeout:
		return "timeout"
	case fabricerrors.ErrCodeNoHandler:
		return "no_handler"
	default:
		return "subscriber"
	}
}

// BusStats is a point-in-time snapshot of bus counters.
type BusStats struct {
	Running         bool          `json:"running"`
	QueueDepth      int           `json:"queue_depth"`
	Published       int64         `json:"published"`
	Handled         int64         `json:"handled"`
	Failed          int64         `json:"failed"`
	Duplicates      int64         `json:"duplicates"`
	Dropped         int64         `json:"dropped"`
	PersistFailures int64         `json:"persist_failures"`
	AverageLatency  time.Duration `json:"average_latency"`
	LatencySamples  int           `json:"latency_samples"`
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() BusStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BusStats{
		Running:         b.running,
		QueueDepth:      len(b.queue),
		Published:       b.published,
		Handled:         b.handled,
		Failed:          b.failed,
		Duplicates:      b.duplicates,
		Dropped:         b.dropped,
		PersistFailures: b.persistFailures,
		AverageLatency:  b.latencies.Average(),
		LatencySamples:  b.latencies.Count(),
	}
}
