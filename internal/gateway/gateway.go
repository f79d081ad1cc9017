// Package gateway routes handoff_requested events through the handoff protocol.
//
// An accepted handoff becomes a task_assigned event on the target agent's
// stream. A rejected handoff becomes a handoff_rejected event on the source
// agent's stream carrying the stage and reasons. A rejection is a handled
// outcome: the request is acknowledged, not retried.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dyluth/warren/internal/consumer"
	"github.com/dyluth/warren/pkg/bus"
	"github.com/dyluth/warren/pkg/events"
	"github.com/dyluth/warren/pkg/handoff"
	"github.com/dyluth/warren/pkg/tenant"
	"github.com/rs/zerolog"
)

// DefaultIdentity is the agent id the gateway signs rejections with.
const DefaultIdentity = "warren.gateway"

// Gateway is the built-in handler for handoff_requested events.
type Gateway struct {
	bus      *bus.Bus
	protocol *handoff.Protocol
	identity string
	log      zerolog.Logger
}

var _ consumer.Handler = (*Gateway)(nil)

// New creates a gateway. An empty identity uses DefaultIdentity.
func New(b *bus.Bus, p *handoff.Protocol, identity string, logger zerolog.Logger) *Gateway {
	if identity == "" {
		identity = DefaultIdentity
	}
	return &Gateway{
		bus:      b,
		protocol: p,
		identity: identity,
		log:      logger.With().Str("component", "gateway").Logger(),
	}
}

// Register installs the gateway as the handoff_requested handler.
func (g *Gateway) Register(r *consumer.Registry) error {
	return r.Register(events.EventTypeHandoffRequested, g)
}

// Handle validates the handoff carried by e and routes the result.
func (g *Gateway) Handle(ctx context.Context, tc *tenant.Context, e *events.AgentEvent) error {
	payload, err := DecodePayload(e)
	if err != nil {
		return err
	}

	log := g.log.With().
		Str("tenant", tc.ID).
		Str("event_id", e.ID).
		Str("handoff_type", payload.HandoffType).
		Str("source", payload.SourceAgentID).
		Str("target", payload.TargetAgentID).
		Logger()

	result, err := g.protocol.ValidateOrReject(ctx, payload)
	if err != nil {
		rejection, ok := handoff.IsRejection(err)
		if !ok {
			return err
		}
		entryID, err := g.reject(ctx, tc, e, payload, rejection)
		if err != nil {
			return err
		}
		log.Warn().
			Str("stage", string(rejection.Stage)).
			Strs("reasons", rejection.Reasons).
			Str("entry_id", entryID).
			Msg("Handoff rejected")
		return nil
	}

	entryID, err := g.assign(ctx, tc, e, result)
	if err != nil {
		return err
	}
	log.Info().
		Strs("annotations", result.Reasons).
		Str("entry_id", entryID).
		Msg("Handoff accepted")
	return nil
}

// DecodePayload extracts the HandoffPayload from a handoff_requested event.
// Missing source and call chain are inherited from the event itself.
func DecodePayload(e *events.AgentEvent) (*events.HandoffPayload, error) {
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return nil, &events.StructuralViolation{Invariant: events.InvariantDataEncodable, Detail: err.Error()}
	}

	var payload events.HandoffPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &events.StructuralViolation{
			Invariant: events.InvariantRequiredField,
			Detail:    fmt.Sprintf("data is not a handoff payload: %v", err),
		}
	}

	if payload.SourceAgentID == "" {
		payload.SourceAgentID = e.SourceAgentID
	}
	if payload.CallChain == nil {
		payload.CallChain = append([]string(nil), e.CallChain...)
	}

	return &payload, nil
}

func (g *Gateway) assign(ctx context.Context, tc *tenant.Context, req *events.AgentEvent, result *handoff.Result) (string, error) {
	p := result.Payload

	stream := events.AgentStream(p.TargetAgentID)
	if err := events.ValidateName("agent stream", stream); err != nil {
		return "", &events.StructuralViolation{Invariant: events.InvariantRequiredField, Detail: err.Error()}
	}

	chain := append(append([]string(nil), p.CallChain...), p.TargetAgentID)
	data := map[string]any{
		"handoff_event_id": req.ID,
		"handoff_type":     p.HandoffType,
		"confidence":       p.Confidence,
		"data":             p.Data,
	}
	if len(result.Reasons) > 0 {
		data["validation_notes"] = result.Reasons
	}

	task, err := events.NewAgentEvent(events.EventTypeTaskAssigned, tc.ID, p.SourceAgentID, chain, data)
	if err != nil {
		return "", err
	}
	task.Priority = req.Priority

	return g.bus.Publish(ctx, task, stream)
}

func (g *Gateway) reject(ctx context.Context, tc *tenant.Context, req *events.AgentEvent, p *events.HandoffPayload, rejection *handoff.Rejection) (string, error) {
	recipient := p.SourceAgentID
	if recipient == "" {
		recipient = req.SourceAgentID
	}

	stream := events.AgentStream(recipient)
	if err := events.ValidateName("agent stream", stream); err != nil {
		return "", &events.StructuralViolation{Invariant: events.InvariantRequiredField, Detail: err.Error()}
	}

	// The rejected chain may itself be the problem, so keep it acyclic.
	var chain []string
	seen := map[string]bool{}
	for _, id := range p.CallChain {
		if id != "" && !seen[id] {
			seen[id] = true
			chain = append(chain, id)
		}
	}
	if !seen[g.identity] {
		chain = append(chain, g.identity)
	}

	data := map[string]any{
		"handoff_event_id": req.ID,
		"handoff_type":     p.HandoffType,
		"target_agent_id":  p.TargetAgentID,
		"stage":            string(rejection.Stage),
		"reasons":          rejection.Reasons,
	}

	notice, err := events.NewAgentEvent(events.EventTypeHandoffRejected, tc.ID, g.identity, chain, data)
	if err != nil {
		return "", err
	}
	notice.Priority = req.Priority

	return g.bus.Publish(ctx, notice, stream)
}
