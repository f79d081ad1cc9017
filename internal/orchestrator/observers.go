package orchestrator

import (
	"context"

	"github.com/dyluth/warren/internal/consumer"
	"github.com/dyluth/warren/pkg/events"
	"github.com/dyluth/warren/pkg/tenant"
	"github.com/rs/zerolog"
)

// registerObservers installs the daemon's record-only handlers. Agent health
// reports and escalations that reach a daemon stream are logged and
// acknowledged. Other event types have no daemon handler and dead-letter as
// misrouted.
func registerObservers(r *consumer.Registry, logger zerolog.Logger) error {
	log := logger.With().Str("component", "observer").Logger()

	if err := r.Register(events.EventTypeAgentHealth, consumer.HandlerFunc(
		func(ctx context.Context, tc *tenant.Context, e *events.AgentEvent) error {
			logEvent(log.Debug(), tc, e).Msg("Agent health reported")
			return nil
		})); err != nil {
		return err
	}

	return r.Register(events.EventTypeEscalation, consumer.HandlerFunc(
		func(ctx context.Context, tc *tenant.Context, e *events.AgentEvent) error {
			logEvent(log.Warn(), tc, e).Msg("Escalation raised")
			return nil
		}))
}

func logEvent(ev *zerolog.Event, tc *tenant.Context, e *events.AgentEvent) *zerolog.Event {
	return ev.
		Str("tenant", tc.ID).
		Str("event_id", e.ID).
		Str("event_type", string(e.Type)).
		Str("source", e.SourceAgentID).
		Strs("call_chain", e.CallChain).
		Str("priority", string(e.Priority)).
		Interface("data", e.Data)
}
