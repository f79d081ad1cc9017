package consumer

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dyluth/warren/pkg/events"
	"github.com/dyluth/warren/pkg/tenant"
)

// ErrNoHandler is returned when no handler is registered for an event type.
var ErrNoHandler = errors.New("no handler registered for event type")

// Handler processes one event for the bound tenant.
// Returning nil acknowledges the event. Any other error is a failure; a
// structural error (events.ErrStructural) is never retried. Handlers must not
// decide between retry and dead-lettering themselves.
type Handler interface {
	Handle(ctx context.Context, tc *tenant.Context, e *events.AgentEvent) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, tc *tenant.Context, e *events.AgentEvent) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, tc *tenant.Context, e *events.AgentEvent) error {
	return f(ctx, tc, e)
}

// Registry maps event types to handlers. It is built once by the composition
// root and shared read-only by every consumer loop.
type Registry struct {
	handlers map[events.EventType]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[events.EventType]Handler)}
}

// Register binds h to eventType. Each type can have one handler.
func (r *Registry) Register(eventType events.EventType, h Handler) error {
	if err := eventType.Validate(); err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("handler for %s cannot be nil", eventType)
	}
	if _, exists := r.handlers[eventType]; exists {
		return fmt.Errorf("handler for %s already registered", eventType)
	}
	r.handlers[eventType] = h
	return nil
}

// Lookup returns the handler for eventType, or ErrNoHandler.
func (r *Registry) Lookup(eventType events.EventType) (Handler, error) {
	h, ok := r.handlers[eventType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, eventType)
	}
	return h, nil
}

// Types returns the registered event types in sorted order.
func (r *Registry) Types() []events.EventType {
	out := make([]events.EventType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
