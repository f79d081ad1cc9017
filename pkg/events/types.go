package events

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// AgentEvent is the atomic unit of coordination between agents.
// Events are immutable once published - retries create a new event via ForRetry.
type AgentEvent struct {
	ID              string         `json:"id"`                          // UUID - unique identifier for this event
	Type            EventType      `json:"type"`                        // Closed category of the event
	TenantID        string         `json:"tenant_id"`                   // Owning tenant, must match the bound tenant on publish
	SourceAgentID   string         `json:"source_agent_id"`             // Agent that produced the event
	CallChain       []string       `json:"call_chain"`                  // Ordered agent ids that touched this logical operation
	Data            map[string]any `json:"data"`                        // JSON-compatible payload (inline data or a context reference)
	Priority        Priority       `json:"priority"`                    // Delivery priority hint
	CreatedAt       time.Time      `json:"created_at"`                  // UTC, millisecond precision
	RetryCount      int            `json:"retry_count,omitempty"`       // Set on redelivery only
	OriginalEventID string         `json:"original_event_id,omitempty"` // Set on redelivery only
	AttemptErrors   []string       `json:"attempt_errors,omitempty"`    // Failures of earlier deliveries, oldest first
}

// EventType is the closed set of event categories.
type EventType string

const (
	// EventTypeTaskAssigned assigns a unit of work to an agent
	EventTypeTaskAssigned EventType = "task_assigned"

	// EventTypeTaskCompleted reports that an agent finished a unit of work
	EventTypeTaskCompleted EventType = "task_completed"

	// EventTypeHandoffRequested asks the gateway to validate and route a handoff
	EventTypeHandoffRequested EventType = "handoff_requested"

	// EventTypeHandoffRejected tells the source agent its handoff was refused
	EventTypeHandoffRejected EventType = "handoff_rejected"

	// EventTypeAgentHealth carries agent liveness and status reports
	EventTypeAgentHealth EventType = "agent_health"

	// EventTypeEscalation hands an operation to a human or supervising process
	EventTypeEscalation EventType = "escalation"
)

// EventTypes lists every known event type in a stable order.
var EventTypes = []EventType{
	EventTypeTaskAssigned,
	EventTypeTaskCompleted,
	EventTypeHandoffRequested,
	EventTypeHandoffRejected,
	EventTypeAgentHealth,
	EventTypeEscalation,
}

// Priority is a delivery hint. Streams are strictly append-ordered, so priority
// is advisory for handlers and operators.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// HandoffPayload is a structured transfer of control between two agents.
type HandoffPayload struct {
	SourceAgentID string         `json:"source_agent_id"`
	TargetAgentID string         `json:"target_agent_id"`
	HandoffType   string         `json:"handoff_type"` // Drives the strictness lookup
	Data          map[string]any `json:"data"`
	Confidence    float64        `json:"confidence"` // Producer's confidence in [0,1]
	CallChain     []string       `json:"call_chain"` // Inherited from the triggering event
}

// NewAgentEvent builds a validated event with a fresh id, normal priority and a
// millisecond-precision UTC timestamp. Data is normalised to its JSON form so the
// event survives a wire round-trip unchanged.
func NewAgentEvent(eventType EventType, tenantID, sourceAgentID string, callChain []string, data map[string]any) (*AgentEvent, error) {
	normalised, err := NormaliseData(data)
	if err != nil {
		return nil, err
	}

	chain := make([]string, len(callChain))
	copy(chain, callChain)

	e := &AgentEvent{
		ID:            uuid.New().String(),
		Type:          eventType,
		TenantID:      tenantID,
		SourceAgentID: sourceAgentID,
		CallChain:     chain,
		Data:          normalised,
		Priority:      PriorityNormal,
		CreatedAt:     Now(),
	}

	if err := e.Validate(); err != nil {
		return nil, err
	}

	return e, nil
}

// Now returns the current time truncated to the wire precision.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// NormaliseData converts a payload into the shape it has after a JSON
// round-trip (numbers become float64, nested structs become maps).
// A nil payload becomes an empty map.
func NormaliseData(data map[string]any) (map[string]any, error) {
	if len(data) == 0 {
		return map[string]any{}, nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, &StructuralViolation{Invariant: InvariantDataEncodable, Detail: err.Error()}
	}

	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &StructuralViolation{Invariant: InvariantDataEncodable, Detail: err.Error()}
	}

	return out, nil
}

// ForRetry returns the redelivery of e: a new event id, the original event's
// identity carried forward and the retry counter incremented. e is not modified.
func (e *AgentEvent) ForRetry() *AgentEvent {
	next := e.clone()
	next.ID = uuid.New().String()
	next.RetryCount = e.RetryCount + 1
	next.OriginalEventID = e.OriginalID()
	return next
}

// MaxAttemptErrorLen bounds each entry of AttemptErrors.
const MaxAttemptErrorLen = 512

// ForRetryAfter is ForRetry with cause appended to the attempt history.
func (e *AgentEvent) ForRetryAfter(cause string) *AgentEvent {
	cause = strings.ToValidUTF8(cause, "\uFFFD")
	if len(cause) > MaxAttemptErrorLen {
		cause = strings.ToValidUTF8(cause[:MaxAttemptErrorLen], "")
	}
	next := e.ForRetry()
	next.AttemptErrors = append(next.AttemptErrors, cause)
	return next
}

// Fresh returns e with every redelivery marker removed, restoring the original
// event id. Replayed events look exactly like a first delivery.
func (e *AgentEvent) Fresh() *AgentEvent {
	next := e.clone()
	next.ID = e.OriginalID()
	next.RetryCount = 0
	next.OriginalEventID = ""
	next.AttemptErrors = nil
	return next
}

// OriginalID returns the id of the first delivery of this logical event.
func (e *AgentEvent) OriginalID() string {
	if e.OriginalEventID != "" {
		return e.OriginalEventID
	}
	return e.ID
}

// HasAgent reports whether agentID appears in the call chain.
func (e *AgentEvent) HasAgent(agentID string) bool {
	return contains(e.CallChain, agentID)
}

func (e *AgentEvent) clone() *AgentEvent {
	next := *e
	next.CallChain = make([]string, len(e.CallChain))
	copy(next.CallChain, e.CallChain)
	next.Data = deepCopyMap(e.Data)
	if e.AttemptErrors != nil {
		next.AttemptErrors = make([]string, len(e.AttemptErrors))
		copy(next.AttemptErrors, e.AttemptErrors)
	}
	return &next
}

// Validate checks the event's field values and call chain invariants, and that
// the event is already in wire form so FromWire(ToWire(e)) returns it unchanged.
// Returns a *StructuralViolation describing the first failed check.
func (e *AgentEvent) Validate() error {
	if !isValidUUID(e.ID) {
		return violation(InvariantRequiredField, FieldID, "id: not a valid UUID")
	}

	if err := e.Type.Validate(); err != nil {
		return violation(InvariantRequiredField, FieldType, fmt.Sprintf("type: %v", err))
	}

	if e.TenantID == "" {
		return violation(InvariantRequiredField, FieldTenantID, "tenant_id cannot be empty")
	}

	if e.SourceAgentID == "" {
		return violation(InvariantRequiredField, FieldSourceAgentID, "source_agent_id cannot be empty")
	}

	if err := e.Priority.Validate(); err != nil {
		return violation(InvariantRequiredField, FieldPriority, fmt.Sprintf("priority: %v", err))
	}

	if e.CreatedAt.IsZero() {
		return violation(InvariantRequiredField, FieldCreatedAt, "created_at cannot be zero")
	}

	if e.CreatedAt.Location() != time.UTC || e.CreatedAt.Nanosecond()%int(time.Millisecond) != 0 {
		return violation(InvariantWireForm, FieldCreatedAt, "created_at must be UTC with millisecond precision")
	}

	if e.Data == nil {
		return violation(InvariantWireForm, FieldData, "data cannot be nil")
	}
	if path, ok := firstNonJSONValue("data", e.Data); !ok {
		return violation(InvariantWireForm, FieldData, fmt.Sprintf("%s is not in JSON form (use NormaliseData)", path))
	}

	if e.RetryCount < 0 {
		return violation(InvariantRetryMarkers, FieldRetryCount, fmt.Sprintf("retry count must be >= 0, got %d", e.RetryCount))
	}

	if e.RetryCount > 0 && !isValidUUID(e.OriginalEventID) {
		return violation(InvariantRetryMarkers, FieldOriginalEventID, "redelivered event must carry a valid original_event_id")
	}

	if len(e.AttemptErrors) > e.RetryCount {
		return violation(InvariantRetryMarkers, FieldAttemptErrors,
			fmt.Sprintf("%d attempt errors recorded for %d redeliveries", len(e.AttemptErrors), e.RetryCount))
	}
	if e.AttemptErrors != nil && len(e.AttemptErrors) == 0 {
		return violation(InvariantWireForm, FieldAttemptErrors, "attempt errors must be nil when empty")
	}
	for i, msg := range e.AttemptErrors {
		if !utf8.ValidString(msg) {
			return violation(InvariantWireForm, FieldAttemptErrors, fmt.Sprintf("attempt error %d is not valid UTF-8", i))
		}
	}

	if dup, ok := firstDuplicate(e.CallChain); ok {
		return violation(InvariantCallChainCycle, FieldCallChain, fmt.Sprintf("agent %q appears more than once in call chain", dup))
	}

	if !e.HasAgent(e.SourceAgentID) {
		return violation(InvariantSourceInChain, FieldCallChain, fmt.Sprintf("source agent %q is not in call chain", e.SourceAgentID))
	}

	return nil
}

// Validate checks if the EventType is a known value.
func (t EventType) Validate() error {
	switch t {
	case EventTypeTaskAssigned, EventTypeTaskCompleted, EventTypeHandoffRequested,
		EventTypeHandoffRejected, EventTypeAgentHealth, EventTypeEscalation:
		return nil
	default:
		return fmt.Errorf("unknown event type: %q", t)
	}
}

// Validate checks if the Priority is a known value.
func (p Priority) Validate() error {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return nil
	default:
		return fmt.Errorf("unknown priority: %q", p)
	}
}

// Validate returns the first structural violation of the payload, or nil.
func (h *HandoffPayload) Validate() error {
	if v := h.Violations(); len(v) > 0 {
		return v[0]
	}
	return nil
}

// Violations returns every structural violation of the payload in check order.
// The call chain checks come first because they are the guard against
// circular handoffs.
func (h *HandoffPayload) Violations() []*StructuralViolation {
	var out []*StructuralViolation

	if h.SourceAgentID == "" {
		out = append(out, violation(InvariantRequiredField, "source_agent_id", "source_agent_id cannot be empty"))
	}
	if h.TargetAgentID == "" {
		out = append(out, violation(InvariantRequiredField, "target_agent_id", "target_agent_id cannot be empty"))
	}
	if h.HandoffType == "" {
		out = append(out, violation(InvariantRequiredField, "handoff_type", "handoff_type cannot be empty"))
	}

	if h.SourceAgentID != "" && !contains(h.CallChain, h.SourceAgentID) {
		out = append(out, violation(InvariantSourceInChain, "call_chain", fmt.Sprintf("source agent %q is not in call chain", h.SourceAgentID)))
	}
	if h.TargetAgentID != "" && contains(h.CallChain, h.TargetAgentID) {
		out = append(out, violation(InvariantTargetNotInChain, "target_agent_id", fmt.Sprintf("target agent %q already appears in call chain", h.TargetAgentID)))
	}
	if dup, ok := firstDuplicate(h.CallChain); ok {
		out = append(out, violation(InvariantCallChainCycle, "call_chain", fmt.Sprintf("agent %q appears more than once in call chain", dup)))
	}

	if len(h.Data) == 0 {
		out = append(out, violation(InvariantDataNotEmpty, "data", "data body cannot be empty"))
	}
	if h.Confidence < 0 || h.Confidence > 1 || h.Confidence != h.Confidence {
		out = append(out, violation(InvariantConfidenceRange, "confidence", fmt.Sprintf("confidence must be in [0,1], got %v", h.Confidence)))
	}

	return out
}

func violation(invariant, field, detail string) *StructuralViolation {
	return &StructuralViolation{Invariant: invariant, Field: field, Detail: detail}
}

func contains(chain []string, id string) bool {
	for _, c := range chain {
		if c == id {
			return true
		}
	}
	return false
}

func firstDuplicate(chain []string) (string, bool) {
	seen := make(map[string]struct{}, len(chain))
	for _, id := range chain {
		if _, ok := seen[id]; ok {
			return id, true
		}
		seen[id] = struct{}{}
	}
	return "", false
}

// firstNonJSONValue walks v and returns the path of the first value that a JSON
// round-trip would change. Only the shapes encoding/json decodes into are allowed.
func firstNonJSONValue(path string, v any) (string, bool) {
	switch t := v.(type) {
	case nil, bool:
		return "", true
	case float64:
		return path, !math.IsNaN(t) && !math.IsInf(t, 0)
	case string:
		return path, utf8.ValidString(t)
	case []any:
		if t == nil {
			return path, false
		}
		for i := range t {
			if p, ok := firstNonJSONValue(fmt.Sprintf("%s[%d]", path, i), t[i]); !ok {
				return p, false
			}
		}
		return "", true
	case map[string]any:
		if t == nil {
			return path, false
		}
		for k, val := range t {
			if !utf8.ValidString(k) {
				return path, false
			}
			if p, ok := firstNonJSONValue(path+"."+k, val); !ok {
				return p, false
			}
		}
		return "", true
	default:
		return path, false
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = deepCopyValue(t[i])
		}
		return out
	default:
		return v
	}
}

// isValidUUID checks if a string is a valid UUID format.
func isValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
