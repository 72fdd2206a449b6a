package events

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	fabricerrors "github.com/veritasec/trustfabric/infrastructure/errors"
	"github.com/veritasec/trustfabric/pkg/logger"
)

// redisSubscription couples a pattern subscription with its receive loop.
type redisSubscription struct {
	id      string
	pattern Pattern
	handler Handler
	filter  FilterFunc
	pubsub  *redis.PubSub
	cancel  context.CancelFunc
}

// RedisTransportConfig configures the broker-backed transport.
type RedisTransportConfig struct {
	Client redis.UniversalClient
	Logger *logger.Logger
}

// RedisTransport publishes envelopes to the three broker channels and
// receives via channel subscriptions. Each registered subscription listens
// on exactly one channel or pattern, so an envelope reaches it at most once.
type RedisTransport struct {
	client redis.UniversalClient
	log    *logger.Logger

	mu   sync.RWMutex
	subs map[string]*redisSubscription

	delivered     int64
	handlerErrors int64

	closed bool
}

// NewRedisTransport creates a transport over an existing Redis client.
func NewRedisTransport(cfg RedisTransportConfig) *RedisTransport {
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("transport")
	}
	return &RedisTransport{
		client: cfg.Client,
		log:    log,
		subs:   make(map[string]*redisSubscription),
	}
}

// Deliver publishes the envelope to its component channel, the type-scoped
// global channel, and the global wildcard channel.
func (t *RedisTransport) Deliver(ctx context.Context, e *Envelope) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fabricerrors.Internal("marshal envelope", err)
	}

	pipe := t.client.Pipeline()
	pipe.Publish(ctx, SourceChannel(e.Source, e.Type), raw)
	pipe.Publish(ctx, GlobalChannel(e.Type), raw)
	pipe.Publish(ctx, GlobalWildcardChannel, raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fabricerrors.TransientTransport("broker", err)
	}
	return nil
}

// Subscribe registers a handler. Exact patterns subscribe to the component
// channel; source wildcards use a channel pattern; the total wildcard
// listens on the global wildcard channel.
func (t *RedisTransport) Subscribe(p Pattern, h Handler, filter FilterFunc) (*Subscription, error) {
	if h == nil {
		return nil, fabricerrors.Internal("nil handler", nil)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fabricerrors.BusStopped()
	}

	ctx, cancel := context.WithCancel(context.Background())

	var pubsub *redis.PubSub
	switch {
	case p.Source == WildcardToken && p.Type == WildcardToken:
		pubsub = t.client.Subscribe(ctx, GlobalWildcardChannel)
	case p.Source == WildcardToken:
		pubsub = t.client.Subscribe(ctx, GlobalChannel(p.Type))
	case p.Type == WildcardToken:
		pubsub = t.client.PSubscribe(ctx, string(p.Source)+":event:*")
	default:
		pubsub = t.client.Subscribe(ctx, SourceChannel(Source(p.Source), p.Type))
	}

	sub := &redisSubscription{
		id:      uuid.NewString(),
		pattern: p,
		handler: h,
		filter:  filter,
		pubsub:  pubsub,
		cancel:  cancel,
	}
	t.subs[sub.id] = sub

	go t.receive(ctx, sub)

	t.log.WithField("pattern", p.String()).Debug("broker subscription registered")
	return &Subscription{ID: sub.id, Pattern: p}, nil
}

// receive pumps broker messages into the handler until the subscription is
// cancelled.
func (t *RedisTransport) receive(ctx context.Context, sub *redisSubscription) {
	ch := sub.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var e Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				t.log.WithError(err).Warn("dropping undecodable broker message")
				continue
			}
			// Pattern-subscribed channels can over-match; re-check.
			if !sub.pattern.Matches(&e) {
				continue
			}
			if sub.filter != nil && !sub.filter(&e) {
				continue
			}
			if err := sub.handler(ctx, &e); err != nil {
				t.mu.Lock()
				t.handlerErrors++
				t.mu.Unlock()

				t.log.WithField("pattern", sub.pattern.String()).
					WithField("event_id", e.EventID).
					WithError(err).
					Warn("subscriber handler failed")
				continue
			}
			t.mu.Lock()
			t.delivered++
			t.mu.Unlock()
		}
	}
}

// Unsubscribe cancels a subscription's receive loop and closes its broker
// connection.
func (t *RedisTransport) Unsubscribe(id string) error {
	t.mu.Lock()
	sub, ok := t.subs[id]
	if ok {
		delete(t.subs, id)
	}
	t.mu.Unlock()

	if !ok {
		return fabricerrors.NotFound("subscription", id)
	}

	sub.cancel()
	return sub.pubsub.Close()
}

// Stats returns transport counters.
func (t *RedisTransport) Stats() TransportStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return TransportStats{
		Subscriptions: len(t.subs),
		Delivered:     t.delivered,
		HandlerErrors: t.handlerErrors,
	}
}

// Close cancels every subscription.
func (t *RedisTransport) Close() error {
	t.mu.Lock()
	subs := make([]*redisSubscription, 0, len(t.subs))
	for _, sub := range t.subs {
		subs = append(subs, sub)
	}
	t.subs = make(map[string]*redisSubscription)
	t.closed = true
	t.mu.Unlock()

	var firstErr error
	for _, sub := range subs {
		sub.cancel()
		if err := sub.pubsub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Compile-time interface check
var _ Transport = (*RedisTransport)(nil)
