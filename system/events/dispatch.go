package events

import (
	"context"
	"sync"

	fabricerrors "github.com/veritasec/trustfabric/infrastructure/errors"
	"github.com/veritasec/trustfabric/pkg/logger"
)

// ComponentHandler processes a routed envelope for a target component. The
// returned map is the handler's output, carried back to workflow steps.
type ComponentHandler func(ctx context.Context, e *Envelope) (map[string]any, error)

// TargetDispatcher delivers routed envelopes to component handlers.
type TargetDispatcher interface {
	Dispatch(ctx context.Context, target Target, e *Envelope) (map[string]any, error)
}

// DirectDispatcher invokes registered component handlers without any
// resilience wrapping. It is the innermost dispatch layer.
type DirectDispatcher struct {
	mu       sync.RWMutex
	handlers map[Target]ComponentHandler
	log      *logger.Logger
}

// NewDirectDispatcher creates an empty dispatcher.
func NewDirectDispatcher(log *logger.Logger) *DirectDispatcher {
	if log == nil {
		log = logger.NewDefault("dispatch")
	}
	return &DirectDispatcher{
		handlers: make(map[Target]ComponentHandler),
		log:      log,
	}
}

// Register installs the handler for a target, replacing any previous one.
func (d *DirectDispatcher) Register(target Target, h ComponentHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[target] = h
	d.log.WithField("target", string(target)).Debug("component handler registered")
}

// Unregister removes the handler for a target.
func (d *DirectDispatcher) Unregister(target Target) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, target)
}

// Targets returns the registered target names.
func (d *DirectDispatcher) Targets() []Target {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Target, 0, len(d.handlers))
	for t := range d.handlers {
		out = append(out, t)
	}
	return out
}

// Dispatch invokes the target's handler.
func (d *DirectDispatcher) Dispatch(ctx context.Context, target Target, e *Envelope) (map[string]any, error) {
	d.mu.RLock()
	h, ok := d.handlers[target]
	d.mu.RUnlock()

	if !ok {
		return nil, fabricerrors.NoHandler(string(target))
	}
	return h(ctx, e)
}

// Compile-time interface check
var _ TargetDispatcher = (*DirectDispatcher)(nil)
