package events

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAgentEvent(t *testing.T) {
	t.Run("builds a valid event", func(t *testing.T) {
		e, err := NewAgentEvent(EventTypeEscalation, "acme", "support", []string{"support"}, map[string]any{"n": 1})
		require.NoError(t, err)
		assert.True(t, isValidUUID(e.ID))
		assert.Equal(t, PriorityNormal, e.Priority)
		assert.Equal(t, float64(1), e.Data["n"])
		assert.Zero(t, e.RetryCount)
		assert.Empty(t, e.OriginalEventID)
	})

	t.Run("rejects source missing from call chain", func(t *testing.T) {
		_, err := NewAgentEvent(EventTypeEscalation, "acme", "support", []string{"intake"}, nil)
		var sv *StructuralViolation
		require.True(t, errors.As(err, &sv))
		assert.Equal(t, InvariantSourceInChain, sv.Invariant)
	})

	t.Run("rejects call chain cycle", func(t *testing.T) {
		_, err := NewAgentEvent(EventTypeEscalation, "acme", "support", []string{"support", "intake", "support"}, nil)
		var sv *StructuralViolation
		require.True(t, errors.As(err, &sv))
		assert.Equal(t, InvariantCallChainCycle, sv.Invariant)
	})

	t.Run("rejects unencodable data", func(t *testing.T) {
		_, err := NewAgentEvent(EventTypeEscalation, "acme", "support", []string{"support"}, map[string]any{"ch": make(chan int)})
		assert.True(t, errors.Is(err, ErrStructural))
	})

	t.Run("does not alias the caller's call chain", func(t *testing.T) {
		chain := []string{"intake", "support"}
		e, err := NewAgentEvent(EventTypeEscalation, "acme", "support", chain, nil)
		require.NoError(t, err)
		chain[0] = "mallory"
		assert.Equal(t, "intake", e.CallChain[0])
	})
}

func TestAgentEventValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(e *AgentEvent)
		invariant string
		field     string
	}{
		{"bad id", func(e *AgentEvent) { e.ID = "nope" }, InvariantRequiredField, FieldID},
		{"unknown type", func(e *AgentEvent) { e.Type = "gossip" }, InvariantRequiredField, FieldType},
		{"empty tenant", func(e *AgentEvent) { e.TenantID = "" }, InvariantRequiredField, FieldTenantID},
		{"empty source", func(e *AgentEvent) { e.SourceAgentID = "" }, InvariantRequiredField, FieldSourceAgentID},
		{"unknown priority", func(e *AgentEvent) { e.Priority = "meh" }, InvariantRequiredField, FieldPriority},
		{"zero created_at", func(e *AgentEvent) { e.CreatedAt = time.Time{} }, InvariantRequiredField, FieldCreatedAt},
		{"sub-millisecond created_at", func(e *AgentEvent) {
			e.CreatedAt = e.CreatedAt.Add(123 * time.Microsecond)
		}, InvariantWireForm, FieldCreatedAt},
		{"local created_at", func(e *AgentEvent) {
			e.CreatedAt = e.CreatedAt.In(time.FixedZone("CEST", 2*60*60))
		}, InvariantWireForm, FieldCreatedAt},
		{"nil data", func(e *AgentEvent) { e.Data = nil }, InvariantWireForm, FieldData},
		{"int in data", func(e *AgentEvent) { e.Data["n"] = 1 }, InvariantWireForm, FieldData},
		{"typed slice in data", func(e *AgentEvent) { e.Data["tags"] = []string{"a"} }, InvariantWireForm, FieldData},
		{"nested int in data", func(e *AgentEvent) {
			e.Data["context"] = map[string]any{"size": int64(1024)}
		}, InvariantWireForm, FieldData},
		{"invalid utf8 in data", func(e *AgentEvent) { e.Data["note"] = "\xff" }, InvariantWireForm, FieldData},
		{"negative retry", func(e *AgentEvent) { e.RetryCount = -1 }, InvariantRetryMarkers, FieldRetryCount},
		{"retry without original", func(e *AgentEvent) { e.RetryCount = 1 }, InvariantRetryMarkers, FieldOriginalEventID},
		{"call chain cycle", func(e *AgentEvent) {
			e.CallChain = []string{"planner", "intake", "planner"}
		}, InvariantCallChainCycle, FieldCallChain},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEvent(t)
			tt.mutate(e)
			var sv *StructuralViolation
			require.True(t, errors.As(e.Validate(), &sv))
			assert.Equal(t, tt.invariant, sv.Invariant)
			assert.Equal(t, tt.field, sv.Field)
		})
	}
}

func TestForRetry(t *testing.T) {
	original := newTestEvent(t)

	first := original.ForRetry()
	second := first.ForRetry()

	assert.NotEqual(t, original.ID, first.ID)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 1, first.RetryCount)
	assert.Equal(t, 2, second.RetryCount)
	assert.Equal(t, original.ID, first.OriginalEventID)
	assert.Equal(t, original.ID, second.OriginalEventID)
	assert.Equal(t, original.CallChain, second.CallChain)
	assert.Equal(t, original.Data, second.Data)
	require.NoError(t, second.Validate())

	// The original is never mutated
	assert.Zero(t, original.RetryCount)
	assert.Empty(t, original.OriginalEventID)

	first.CallChain[0] = "mallory"
	assert.Equal(t, "intake", original.CallChain[0])
}

func TestForRetryAfter(t *testing.T) {
	original := newTestEvent(t)

	first := original.ForRetryAfter("crm timeout")
	second := first.ForRetryAfter(strings.Repeat("é", MaxAttemptErrorLen))

	assert.Nil(t, original.AttemptErrors)
	assert.Equal(t, []string{"crm timeout"}, first.AttemptErrors)
	require.Len(t, second.AttemptErrors, 2)
	assert.Equal(t, 2, second.RetryCount)
	assert.LessOrEqual(t, len(second.AttemptErrors[1]), MaxAttemptErrorLen)
	assert.True(t, utf8.ValidString(second.AttemptErrors[1]), "truncation keeps whole runes")
	require.NoError(t, second.Validate())

	second.AttemptErrors[0] = "mutated"
	assert.Equal(t, "crm timeout", first.AttemptErrors[0])

	bad := original.ForRetryAfter("bad \xff byte")
	require.NoError(t, bad.Validate())
}

func TestFresh(t *testing.T) {
	original := newTestEvent(t)
	retried := original.ForRetryAfter("a").ForRetryAfter("b").ForRetry()

	fresh := retried.Fresh()
	assert.Equal(t, original, fresh)
	assert.Equal(t, 3, retried.RetryCount)
}

func validHandoff() *HandoffPayload {
	return &HandoffPayload{
		SourceAgentID: "planner",
		TargetAgentID: "writer",
		HandoffType:   "draft_request",
		Data:          map[string]any{"brief": "reply to the customer"},
		Confidence:    0.8,
		CallChain:     []string{"intake", "planner"},
	}
}

func TestHandoffPayloadValidate(t *testing.T) {
	t.Run("valid payload", func(t *testing.T) {
		assert.NoError(t, validHandoff().Validate())
		assert.Empty(t, validHandoff().Violations())
	})

	tests := []struct {
		name      string
		mutate    func(h *HandoffPayload)
		invariant string
	}{
		{"target already in chain", func(h *HandoffPayload) { h.TargetAgentID = "intake" }, InvariantTargetNotInChain},
		{"self handoff", func(h *HandoffPayload) { h.TargetAgentID = "planner" }, InvariantTargetNotInChain},
		{"source not in chain", func(h *HandoffPayload) { h.SourceAgentID = "ghost" }, InvariantSourceInChain},
		{"cyclic chain", func(h *HandoffPayload) { h.CallChain = []string{"intake", "planner", "intake"} }, InvariantCallChainCycle},
		{"empty data", func(h *HandoffPayload) { h.Data = map[string]any{} }, InvariantDataNotEmpty},
		{"confidence above one", func(h *HandoffPayload) { h.Confidence = 1.01 }, InvariantConfidenceRange},
		{"negative confidence", func(h *HandoffPayload) { h.Confidence = -0.1 }, InvariantConfidenceRange},
		{"NaN confidence", func(h *HandoffPayload) { h.Confidence = math.NaN() }, InvariantConfidenceRange},
		{"missing type", func(h *HandoffPayload) { h.HandoffType = "" }, InvariantRequiredField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := validHandoff()
			tt.mutate(h)

			var invariants []string
			for _, v := range h.Violations() {
				invariants = append(invariants, v.Invariant)
			}
			assert.Contains(t, invariants, tt.invariant)
			assert.True(t, errors.Is(h.Validate(), ErrStructural))
		})
	}

	t.Run("reports every violation", func(t *testing.T) {
		h := validHandoff()
		h.TargetAgentID = "intake"
		h.Confidence = 2
		assert.Len(t, h.Violations(), 2)
	})
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "acme:events:handoffs", StreamKey("acme", "handoffs"))
	assert.Equal(t, "acme:events:handoffs:dlq", DLQKey("acme", "handoffs"))
	assert.Equal(t, "agent.writer", AgentStream("writer"))

	assert.NoError(t, ValidateName("stream", "agent.writer"))
	assert.Error(t, ValidateName("stream", ""))
	assert.Error(t, ValidateName("stream", "globex:events:handoffs"))
	assert.Error(t, ValidateName("stream", "hand offs"))
}
