// Package events provides type-safe Go definitions, validation and the Redis
// stream wire format for the Warren coordination backbone.
//
// # Overview
//
// Independent worker components (agents) never share memory. They coordinate by
// appending AgentEvents to tenant-scoped Redis streams and by passing
// HandoffPayloads to each other through the handoff protocol. This package
// defines both units, their invariants and their lossless flat encoding.
//
// # Core Concepts
//
// An AgentEvent is the atomic unit of coordination. Every event carries the
// ordered call chain of agents that touched the logical operation. The chain is
// used for provenance and cycle detection: no agent id may appear twice, and the
// event's source agent must be part of it.
//
// A HandoffPayload transfers control between two agents. Its target must not be
// in the call chain, which makes circular handoffs structurally impossible.
//
// Events are immutable once created. The retry path produces a new event with
// ForRetryAfter, carrying the original identity forward, incrementing the retry
// counter and recording the failed attempt's error.
//
// A valid event is already in wire form (UTC millisecond timestamp, data in the
// shape a JSON round-trip yields), so FromWire(ToWire(e)) returns it unchanged.
//
// # Usage Example
//
//	event, err := events.NewAgentEvent(events.EventTypeTaskAssigned, "acme", "planner",
//		[]string{"intake", "planner"}, map[string]any{"task": "draft-reply"})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	fields, err := events.ToWire(event)
//	// fields["call_chain"] == `["intake","planner"]`
//
// # Redis Schema
//
// Primary streams: {tenant_id}:events:{stream_name}
//
// Dead letter streams: {tenant_id}:events:{stream_name}:dlq
//
// # Wire Format
//
// Streams only store flat string fields, so nested structures are JSON-encoded
// into reserved fields: id, type, tenant_id, source_agent_id, call_chain (JSON
// array), data (JSON object), priority, created_at (RFC3339, millisecond, UTC)
// and, on redelivery, _retry_count, _original_event_id and _attempt_errors.
// Dead-lettered entries additionally carry _dlq_reason, _dlq_attempts,
// _dlq_failed_at, _dlq_stream and _dlq_history.
package events
