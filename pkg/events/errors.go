package events

import (
	"errors"
	"fmt"
)

// Error kinds. Every typed error below matches exactly one of these with
// errors.Is, so callers can branch on the kind without type switches.
var (
	// ErrStructural marks malformed events or payloads. Never retried as-is.
	ErrStructural = errors.New("structural violation")

	// ErrTransient marks handler failures that enter the retry path.
	ErrTransient = errors.New("transient handler failure")

	// ErrTerminal marks events whose retry budget is exhausted.
	ErrTerminal = errors.New("terminal failure")

	// ErrValidationRejected marks handoffs refused by the handoff protocol.
	ErrValidationRejected = errors.New("validation rejected")
)

// Invariant names reported by StructuralViolation.
const (
	InvariantRequiredField    = "required_field"
	InvariantCallChainCycle   = "call_chain_acyclic"
	InvariantSourceInChain    = "source_in_call_chain"
	InvariantTargetNotInChain = "target_not_in_call_chain"
	InvariantDataNotEmpty     = "data_not_empty"
	InvariantDataEncodable    = "data_json_encodable"
	InvariantConfidenceRange  = "confidence_in_range"
	InvariantRetryMarkers     = "retry_markers"
	InvariantDataSchema       = "data_matches_schema"
	InvariantWireForm         = "wire_form"
)

// StructuralViolation reports a broken event or payload invariant.
type StructuralViolation struct {
	Invariant string // One of the Invariant* constants
	Field     string // Offending field, empty when the check spans the whole value
	Detail    string
}

func (e *StructuralViolation) Error() string {
	return fmt.Sprintf("structural violation (%s): %s", e.Invariant, e.Detail)
}

// Is matches ErrStructural.
func (e *StructuralViolation) Is(target error) bool {
	return target == ErrStructural
}

// ParseError reports wire input that could not be turned into an AgentEvent.
// It is a structural violation of the encoded form.
type ParseError struct {
	Field  string // Offending wire field
	Reason string
	Err    error // Underlying decode or validation error, may be nil
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid wire field %q: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid wire field %q: %s", e.Field, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Is matches ErrStructural.
func (e *ParseError) Is(target error) bool {
	return target == ErrStructural
}

// TransientHandlerFailure wraps a handler error (including timeouts and panics)
// that the consumer will retry.
type TransientHandlerFailure struct {
	EventID string
	Attempt int // Zero-based retry count of the failed delivery
	Err     error
}

func (e *TransientHandlerFailure) Error() string {
	return fmt.Sprintf("handler failed for event %s (attempt %d): %v", e.EventID, e.Attempt+1, e.Err)
}

func (e *TransientHandlerFailure) Unwrap() error {
	return e.Err
}

// Is matches ErrTransient.
func (e *TransientHandlerFailure) Is(target error) bool {
	return target == ErrTransient
}

// TerminalFailure describes an event that was routed to the dead letter queue.
type TerminalFailure struct {
	EventID  string
	Attempts int // Total deliveries, including the first
	Reason   string
	Err      error
}

func (e *TerminalFailure) Error() string {
	return fmt.Sprintf("event %s dead-lettered after %d attempt(s): %s", e.EventID, e.Attempts, e.Reason)
}

func (e *TerminalFailure) Unwrap() error {
	return e.Err
}

// Is matches ErrTerminal.
func (e *TerminalFailure) Is(target error) bool {
	return target == ErrTerminal
}
