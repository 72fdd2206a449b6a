// Package trust implements the trust equity ledger service. It subscribes
// to trust.points.earned, appends idempotent transactions, and emits
// trust.score.updated when an entity changes tier.
package trust

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veritasec/trustfabric/domain/trust"
	"github.com/veritasec/trustfabric/pkg/logger"
	"github.com/veritasec/trustfabric/pkg/metrics"
	"github.com/veritasec/trustfabric/system/events"
)

// lockStripes is the size of the per-entity lock table.
const lockStripes = 64

// Publisher is the bus surface the ledger needs for score events.
type Publisher interface {
	Publish(ctx context.Context, e *events.Envelope) error
}

// EvidenceChecker verifies that an evidence event id was accepted by the
// bus. Nil disables the check.
type EvidenceChecker func(eventID string) bool

// Config configures the ledger.
type Config struct {
	Logger  *logger.Logger
	Metrics *metrics.Metrics
	Bus     Publisher

	// TierThresholds are the four ordered tier lower bounds.
	TierThresholds []float64

	// ScoreWindow is the rolling window for score totals.
	ScoreWindow time.Duration

	// ScoreCap bounds the displayable score.
	ScoreCap float64

	// Evidence verifies transaction evidence references.
	Evidence EvidenceChecker
}

// entityState is the materialized ledger state for one entity. Updates are
// serialized per entity by the stripe lock for its key.
type entityState struct {
	entityType   trust.EntityType
	transactions []*trust.Transaction
	tier         trust.Tier
}

// Ledger is the trust equity ledger. Transactions are append-only; the
// balance is a materialized rolling-window sum.
type Ledger struct {
	log *logger.Logger
	m   *metrics.Metrics
	bus Publisher

	thresholds []float64
	window     time.Duration
	cap        float64
	evidence   EvidenceChecker

	stripes [lockStripes]sync.Mutex

	mu       sync.RWMutex
	entities map[trust.EntityKey]*entityState
	seen     map[string]struct{} // evidence event ids already applied

	applied    int64
	duplicates int64
	rejected   int64
}

// New creates a ledger.
func New(cfg Config) *Ledger {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault("trust-ledger")
	}
	thresholds := cfg.TierThresholds
	if len(thresholds) != 4 {
		thresholds = trust.DefaultTierThresholds
	}
	window := cfg.ScoreWindow
	if window <= 0 {
		window = 365 * 24 * time.Hour
	}
	scoreCap := cfg.ScoreCap
	if scoreCap <= 0 {
		scoreCap = 1000
	}

	return &Ledger{
		log:        cfg.Logger,
		m:          cfg.Metrics,
		bus:        cfg.Bus,
		thresholds: thresholds,
		window:     window,
		cap:        scoreCap,
		evidence:   cfg.Evidence,
		entities:   make(map[trust.EntityKey]*entityState),
		seen:       make(map[string]struct{}),
	}
}

// Attach subscribes the ledger to trust.points.earned from any source.
// Returns the unsubscribe function.
func (l *Ledger) Attach(bus interface {
	Subscribe(p events.Pattern, h events.Handler, filter events.FilterFunc) (func(), error)
}) (func(), error) {
	return bus.Subscribe(
		events.TypePattern(events.TypeTrustPointsEarned),
		l.HandleEvent,
		nil,
	)
}

// HandleEvent applies one trust.points.earned envelope.
func (l *Ledger) HandleEvent(ctx context.Context, e *events.Envelope) error {
	var payload events.TrustPointsEarnedPayload
	if err := events.DecodePayload(e, &payload); err != nil {
		return err
	}

	evidence := payload.EvidenceEventID
	if evidence == "" {
		evidence = e.EventID
	}

	multiplier := payload.Multiplier
	if multiplier == 0 {
		multiplier = 1
	}

	tx := &trust.Transaction{
		ID:              uuid.NewString(),
		EntityID:        payload.EntityID,
		EntityType:      trust.EntityType(payload.EntityType),
		Delta:           payload.Points,
		Category:        trust.Category(payload.Category),
		SourceComponent: string(e.Source),
		EvidenceEventID: evidence,
		Timestamp:       e.Timestamp,
		Multiplier:      multiplier,
	}

	return l.Apply(ctx, tx)
}

// Apply appends a transaction and recomputes the entity's balance. A
// transaction whose evidence id was already applied is dropped.
func (l *Ledger) Apply(ctx context.Context, tx *trust.Transaction) error {
	if !tx.EntityType.Valid() || tx.EntityID == "" || !tx.Category.Valid() {
		l.count(&l.rejected)
		return nil
	}
	if l.evidence != nil && tx.EvidenceEventID != "" && !l.evidence(tx.EvidenceEventID) {
		l.count(&l.rejected)
		l.log.WithField("evidence_event_id", tx.EvidenceEventID).
			Warn("dropping transaction with unknown evidence")
		return nil
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = time.Now().UTC()
	}

	key := trust.EntityKey{Type: tx.EntityType, ID: tx.EntityID}

	// Serialize per entity; unrelated entities proceed in parallel.
	stripe := &l.stripes[stripeFor(key)]
	stripe.Lock()
	defer stripe.Unlock()

	// Idempotency on evidence: at most one transaction per evidence id.
	// Transactions without evidence are always applied.
	l.mu.Lock()
	if tx.EvidenceEventID != "" {
		if _, dup := l.seen[tx.EvidenceEventID]; dup {
			l.duplicates++
			l.mu.Unlock()
			return nil
		}
		l.seen[tx.EvidenceEventID] = struct{}{}
	}

	state, ok := l.entities[key]
	if !ok {
		state = &entityState{entityType: tx.EntityType, tier: trust.TierBronze}
		l.entities[key] = state
	}
	l.mu.Unlock()

	previous := l.balanceLocked(state, key)

	state.transactions = append(state.transactions, tx)
	l.count(&l.applied)
	if l.m != nil {
		l.m.LedgerTransactions.WithLabelValues(string(tx.Category)).Inc()
	}

	current := l.balanceLocked(state, key)

	if current.Tier != state.tier {
		previousTier := state.tier
		state.tier = current.Tier
		if l.m != nil {
			l.m.TierChanges.WithLabelValues(string(current.Tier)).Inc()
		}
		l.log.WithField("entity_id", key.ID).
			WithField("from", string(previousTier)).
			WithField("to", string(current.Tier)).
			Info("trust tier changed")

		l.emitScoreUpdate(ctx, key, previous, current)
	}

	return nil
}

// balanceLocked computes the rolling-window balance. Caller holds the
// entity's stripe lock.
func (l *Ledger) balanceLocked(state *entityState, key trust.EntityKey) trust.Balance {
	cutoff := time.Now().Add(-l.window)

	var total float64
	breakdown := make(map[trust.Category]float64)
	for _, tx := range state.transactions {
		if tx.Timestamp.Before(cutoff) {
			continue
		}
		eff := tx.Effective()
		total += eff
		breakdown[tx.Category] += eff
	}

	return trust.Balance{
		EntityID:   key.ID,
		EntityType: key.Type,
		Total:      total,
		Score:      trust.ClipScore(total, l.cap),
		Breakdown:  breakdown,
		Tier:       trust.TierForScore(total, l.thresholds),
	}
}

// emitScoreUpdate publishes the tier-change event. trust.score.updated is
// terminal: no routing rule targets it.
func (l *Ledger) emitScoreUpdate(ctx context.Context, key trust.EntityKey, previous, current trust.Balance) {
	if l.bus == nil {
		return
	}

	breakdown := make(map[string]float64, len(current.Breakdown))
	for cat, v := range current.Breakdown {
		breakdown[string(cat)] = v
	}

	err := l.bus.Publish(ctx, &events.Envelope{
		Source: events.SourceTrustEngine,
		Type:   events.TypeTrustScoreUpdated,
		Data: map[string]any{
			"entity_id":      key.ID,
			"entity_type":    string(key.Type),
			"previous_score": previous.Score,
			"new_score":      current.Score,
			"change":         current.Score - previous.Score,
			"tier":           string(current.Tier),
			"tier_change":    true,
			"breakdown":      breakdown,
		},
	})
	if err != nil {
		l.log.WithField("entity_id", key.ID).WithError(err).Warn("score update publish failed")
	}
}

// GetBalance returns the entity's rolling-window balance. This is the only
// externally offered read.
func (l *Ledger) GetBalance(entityType trust.EntityType, entityID string) trust.Balance {
	key := trust.EntityKey{Type: entityType, ID: entityID}

	stripe := &l.stripes[stripeFor(key)]
	stripe.Lock()
	defer stripe.Unlock()

	l.mu.RLock()
	state, ok := l.entities[key]
	l.mu.RUnlock()

	if !ok {
		return trust.Balance{
			EntityID:   entityID,
			EntityType: entityType,
			Breakdown:  map[trust.Category]float64{},
			Tier:       trust.TierBronze,
		}
	}
	return l.balanceLocked(state, key)
}

// Stats holds ledger counters.
type Stats struct {
	Entities   int   `json:"entities"`
	Applied    int64 `json:"applied"`
	Duplicates int64 `json:"duplicates"`
	Rejected   int64 `json:"rejected"`
}

// Stats returns a snapshot of ledger counters.
func (l *Ledger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return Stats{
		Entities:   len(l.entities),
		Applied:    l.applied,
		Duplicates: l.duplicates,
		Rejected:   l.rejected,
	}
}

func (l *Ledger) count(field *int64) {
	l.mu.Lock()
	*field++
	l.mu.Unlock()
}

func stripeFor(key trust.EntityKey) int {
	h := fnv.New32a()
	h.Write([]byte(key.String()))
	return int(h.Sum32() % lockStripes)
}
