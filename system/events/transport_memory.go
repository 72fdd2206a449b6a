package events

import (
	"context"
	"sync"

	"github.com/google/uuid"

	fabricerrors "github.com/veritasec/trustfabric/infrastructure/errors"
	"github.com/veritasec/trustfabric/pkg/logger"
)

// memorySubscription is a registered in-process handler.
type memorySubscription struct {
	id      string
	pattern Pattern
	handler Handler
	filter  FilterFunc
}

// MemoryTransport dispatches envelopes to in-process subscribers. Delivery
// of same-(source, type) envelopes to a single subscriber follows
// publication order because the bus serializes same-(source, type)
// dispatch; envelopes of different pairs may arrive in any order.
type MemoryTransport struct {
	mu   sync.RWMutex
	subs map[string]*memorySubscription
	log  *logger.Logger

	delivered     int64
	handlerErrors int64
}

// NewMemoryTransport creates an in-memory transport.
func NewMemoryTransport(log *logger.Logger) *MemoryTransport {
	if log == nil {
		log = logger.NewDefault("transport")
	}
	return &MemoryTransport{
		subs: make(map[string]*memorySubscription),
		log:  log,
	}
}

// Subscribe registers a handler for the pattern.
func (t *MemoryTransport) Subscribe(p Pattern, h Handler, filter FilterFunc) (*Subscription, error) {
	if h == nil {
		return nil, fabricerrors.Internal("nil handler", nil)
	}

	sub := &memorySubscription{
		id:      uuid.NewString(),
		pattern: p,
		handler: h,
		filter:  filter,
	}

	t.mu.Lock()
	t.subs[sub.id] = sub
	t.mu.Unlock()

	t.log.WithField("pattern", p.String()).Debug("subscription registered")
	return &Subscription{ID: sub.id, Pattern: p}, nil
}

// Unsubscribe removes a subscription.
func (t *MemoryTransport) Unsubscribe(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.subs[id]; !ok {
		return fabricerrors.NotFound("subscription", id)
	}
	delete(t.subs, id)
	return nil
}

// Deliver invokes every matching subscription. One failing handler never
// prevents delivery to the others.
func (t *MemoryTransport) Deliver(ctx context.Context, e *Envelope) error {
	t.mu.RLock()
	matched := make([]*memorySubscription, 0, len(t.subs))
	for _, sub := range t.subs {
		if sub.pattern.Matches(e) {
			matched = append(matched, sub)
		}
	}
	t.mu.RUnlock()

	for _, sub := range matched {
		if sub.filter != nil && !sub.filter(e) {
			continue
		}
		if err := sub.handler(ctx, e); err != nil {
			t.mu.Lock()
			t.handlerErrors++
			t.mu.Unlock()

			t.log.WithField("pattern", sub.pattern.String()).
				WithField("event_id", e.EventID).
				WithField("type", e.Type).
				WithError(err).
				Warn("subscriber handler failed")
			continue
		}
		t.mu.Lock()
		t.delivered++
		t.mu.Unlock()
	}

	return nil
}

// Stats returns transport counters.
func (t *MemoryTransport) Stats() TransportStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return TransportStats{
		Subscriptions: len(t.subs),
		Delivered:     t.delivered,
		HandlerErrors: t.handlerErrors,
	}
}

// Close removes all subscriptions.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs = make(map[string]*memorySubscription)
	return nil
}

// Compile-time interface check
var _ Transport = (*MemoryTransport)(nil)
