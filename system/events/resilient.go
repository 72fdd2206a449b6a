package events

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/veritasec/trustfabric/infrastructure/cache"
	fabricerrors "github.com/veritasec/trustfabric/infrastructure/errors"
	"github.com/veritasec/trustfabric/infrastructure/resilience"
	"github.com/veritasec/trustfabric/pkg/logger"
	"github.com/veritasec/trustfabric/pkg/metrics"
)

// BatchHandler processes a batch of envelopes for a batch-tolerant target.
// Results are keyed by event id so they fan back out to individual callers.
type BatchHandler func(ctx context.Context, batch []*Envelope) (map[string]map[string]any, error)

// ResilientConfig configures the resilience wrapper around target dispatch.
type ResilientConfig struct {
	Next    TargetDispatcher
	Logger  *logger.Logger
	Metrics *metrics.Metrics

	BreakerThreshold   int
	BreakerOpenTimeout time.Duration
	BreakerHalfOpenMax int

	MaxRetryAttempts int
	RetryDelay       time.Duration
	DispatchTimeout  time.Duration

	CacheEnabled bool
	CacheSize    int
	CacheTTL     time.Duration

	BatchWindow   time.Duration
	BatchMaxItems int
}

// ResilientDispatcher wraps per-target dispatch with a circuit breaker,
// retry with exponential backoff, a result cache, and batching for targets
// declared batch-tolerant. One breaker exists per target.
type ResilientDispatcher struct {
	next TargetDispatcher
	log  *logger.Logger
	m    *metrics.Metrics
	cfg  ResilientConfig

	retryCfg resilience.RetryConfig

	cache *cache.Cache

	mu       sync.Mutex
	breakers map[Target]*resilience.CircuitBreaker
	batchers map[Target]*targetBatcher
}

// NewResilientDispatcher creates the wrapper over cfg.Next.
func NewResilientDispatcher(cfg ResilientConfig) *ResilientDispatcher {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault("resilience")
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerOpenTimeout <= 0 {
		cfg.BreakerOpenTimeout = 30 * time.Second
	}
	if cfg.BreakerHalfOpenMax <= 0 {
		cfg.BreakerHalfOpenMax = 1
	}
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 10 * time.Second
	}
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = 2 * time.Second
	}
	if cfg.BatchMaxItems <= 0 {
		cfg.BatchMaxItems = 50
	}

	d := &ResilientDispatcher{
		next:     cfg.Next,
		log:      cfg.Logger,
		m:        cfg.Metrics,
		cfg:      cfg,
		breakers: make(map[Target]*resilience.CircuitBreaker),
		batchers: make(map[Target]*targetBatcher),
		retryCfg: resilience.RetryConfig{
			MaxAttempts:  cfg.MaxRetryAttempts,
			InitialDelay: cfg.RetryDelay,
			MaxDelay:     10 * time.Second,
			Multiplier:   2.0,
			RetryIf:      fabricerrors.IsTransient,
		},
	}

	if cfg.CacheEnabled {
		d.cache = cache.New(cache.Config{
			DefaultTTL: cfg.CacheTTL,
			MaxSize:    cfg.CacheSize,
		})
	}

	return d
}

// breaker returns the target's circuit breaker, creating it on first use.
func (d *ResilientDispatcher) breaker(target Target) *resilience.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cb, ok := d.breakers[target]; ok {
		return cb
	}

	cb := resilience.NewCircuitBreaker(resilience.Config{
		Name:        string(target),
		MaxFailures: d.cfg.BreakerThreshold,
		OpenTimeout: d.cfg.BreakerOpenTimeout,
		HalfOpenMax: d.cfg.BreakerHalfOpenMax,
		// An unwired target is not an unhealthy one.
		IsSuccessful: func(err error) bool {
			return err == nil || fabricerrors.CodeOf(err) == fabricerrors.ErrCodeNoHandler
		},
		OnStateChange: func(name string, from, to resilience.State) {
			if d.m != nil {
				d.m.BreakerTransitions.WithLabelValues(name, to.String()).Inc()
			}
			d.log.WithField("target", name).
				WithField("from", from.String()).
				WithField("to", to.String()).
				Warn("circuit breaker state changed")
		},
	})
	d.breakers[target] = cb
	return cb
}

// BreakerState returns the current breaker state for a target.
func (d *ResilientDispatcher) BreakerState(target Target) resilience.State {
	return d.breaker(target).State()
}

// Dispatch routes through the batcher when the target is batch-tolerant,
// otherwise through cache, breaker, and retry.
func (d *ResilientDispatcher) Dispatch(ctx context.Context, target Target, e *Envelope) (map[string]any, error) {
	d.mu.Lock()
	batcher, batched := d.batchers[target]
	d.mu.Unlock()

	if batched {
		return batcher.enqueue(ctx, e)
	}
	return d.dispatchOne(ctx, target, e)
}

func (d *ResilientDispatcher) dispatchOne(ctx context.Context, target Target, e *Envelope) (map[string]any, error) {
	var key string
	if d.cache != nil {
		key = fingerprint(target, e)
		if v, ok := d.cache.Get(key); ok {
			if d.m != nil {
				d.m.CacheHits.Inc()
			}
			out, _ := v.(map[string]any)
			return out, nil
		}
		if d.m != nil {
			d.m.CacheMisses.Inc()
		}
	}

	var out map[string]any
	cb := d.breaker(target)

	err := cb.Execute(ctx, func() error {
		return resilience.Retry(ctx, d.retryCfg, func() error {
			cctx, cancel := context.WithTimeout(ctx, d.cfg.DispatchTimeout)
			defer cancel()

			o, derr := d.next.Dispatch(cctx, target, e)
			if derr != nil {
				if d.m != nil {
					d.m.RetryAttempts.WithLabelValues(string(target)).Inc()
				}
				return derr
			}
			out = o
			return nil
		})
	})
	if err != nil {
		if resilience.IsCircuitError(err) {
			if d.m != nil {
				d.m.ErrorKind("circuit_open")
			}
			return nil, fabricerrors.CircuitOpen(string(target))
		}
		return nil, err
	}

	if d.cache != nil {
		d.cache.Set(key, out, 0)
	}
	return out, nil
}

// fingerprint derives the cache key from the target, type, and payload.
func fingerprint(target Target, e *Envelope) string {
	h := sha256.New()
	h.Write([]byte(target))
	h.Write([]byte{0})
	h.Write([]byte(e.Type))
	h.Write([]byte{0})
	h.Write(e.DataJSON())
	return hex.EncodeToString(h.Sum(nil))
}

// CacheStats returns dispatch cache counters, or zero stats when the cache
// is disabled.
func (d *ResilientDispatcher) CacheStats() cache.Stats {
	if d.cache == nil {
		return cache.Stats{}
	}
	return d.cache.Stats()
}

// Close stops batchers and the cache janitor.
func (d *ResilientDispatcher) Close() {
	d.mu.Lock()
	batchers := make([]*targetBatcher, 0, len(d.batchers))
	for _, b := range d.batchers {
		batchers = append(batchers, b)
	}
	d.batchers = make(map[Target]*targetBatcher)
	d.mu.Unlock()

	for _, b := range batchers {
		b.stop()
	}
	if d.cache != nil {
		d.cache.Close()
	}
}

// Batching

type batchItem struct {
	envelope *Envelope
	result   chan batchResult
}

type batchResult struct {
	output map[string]any
	err    error
}

// targetBatcher accumulates dispatches in a time- or size-bounded window and
// delivers them as a single call.
type targetBatcher struct {
	target   Target
	handler  BatchHandler
	window   time.Duration
	maxItems int
	timeout  time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	pending []batchItem

	flushCh chan struct{}
	stopCh  chan struct{}
	once    sync.Once
}

// RegisterBatchTarget declares a target batch-tolerant. Dispatches to it
// accumulate until the window elapses or the batch fills, then deliver as
// one handler call.
func (d *ResilientDispatcher) RegisterBatchTarget(target Target, h BatchHandler) {
	b := &targetBatcher{
		target:   target,
		handler:  h,
		window:   d.cfg.BatchWindow,
		maxItems: d.cfg.BatchMaxItems,
		timeout:  d.cfg.DispatchTimeout,
		log:      d.log,
		flushCh:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}

	d.mu.Lock()
	d.batchers[target] = b
	d.mu.Unlock()

	go b.run()
}

func (b *targetBatcher) enqueue(ctx context.Context, e *Envelope) (map[string]any, error) {
	item := batchItem{envelope: e, result: make(chan batchResult, 1)}

	b.mu.Lock()
	b.pending = append(b.pending, item)
	full := len(b.pending) >= b.maxItems
	b.mu.Unlock()

	if full {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}

	select {
	case res := <-item.result:
		return res.output, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *targetBatcher) run() {
	ticker := time.NewTicker(b.window)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flush()
		case <-b.flushCh:
			b.flush()
		case <-b.stopCh:
			b.flush()
			return
		}
	}
}

func (b *targetBatcher) flush() {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	envs := make([]*Envelope, len(batch))
	for i, item := range batch {
		envs[i] = item.envelope
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	results, err := b.handler(ctx, envs)
	for _, item := range batch {
		if err != nil {
			item.result <- batchResult{err: err}
			continue
		}
		out, ok := results[item.envelope.EventID]
		if !ok {
			item.result <- batchResult{err: fabricerrors.Internal("batch result missing for event", nil).
				WithDetails("event_id", item.envelope.EventID)}
			continue
		}
		item.result <- batchResult{output: out}
	}
}

func (b *targetBatcher) stop() {
	b.once.Do(func() { close(b.stopCh) })
}

// Compile-time interface check
var _ TargetDispatcher = (*ResilientDispatcher)(nil)
