package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Serialization helpers for converting between AgentEvent and Redis stream fields
//
// Redis streams store entries as flat string-to-string field sets. The call chain
// and data body are JSON-encoded into single fields, everything else is a scalar.
// Reserved fields carry an underscore prefix.

// Wire field names.
const (
	FieldID            = "id"
	FieldType          = "type"
	FieldTenantID      = "tenant_id"
	FieldSourceAgentID = "source_agent_id"
	FieldCallChain     = "call_chain"
	FieldData          = "data"
	FieldPriority      = "priority"
	FieldCreatedAt     = "created_at"

	FieldRetryCount      = "_retry_count"
	FieldOriginalEventID = "_original_event_id"
	FieldAttemptErrors   = "_attempt_errors"

	FieldDLQReason   = "_dlq_reason"
	FieldDLQAttempts = "_dlq_attempts"
	FieldDLQFailedAt = "_dlq_failed_at"
	FieldDLQStream   = "_dlq_stream"
	FieldDLQHistory  = "_dlq_history"
)

// TimeLayout is the wire encoding of created_at: RFC3339 with milliseconds, UTC.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// DLQFields lists the reserved fields written only to dead letter entries.
var DLQFields = []string{FieldDLQReason, FieldDLQAttempts, FieldDLQFailedAt, FieldDLQStream, FieldDLQHistory}

// ToWire converts an AgentEvent to stream fields.
// The retry markers and attempt history are only written for redelivered events.
func ToWire(e *AgentEvent) (map[string]any, error) {
	chain := e.CallChain
	if chain == nil {
		chain = []string{}
	}
	callChainJSON, err := json.Marshal(chain)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal call_chain: %w", err)
	}

	data := e.Data
	if data == nil {
		data = map[string]any{}
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal data: %w", err)
	}

	fields := map[string]any{
		FieldID:            e.ID,
		FieldType:          string(e.Type),
		FieldTenantID:      e.TenantID,
		FieldSourceAgentID: e.SourceAgentID,
		FieldCallChain:     string(callChainJSON),
		FieldData:          string(dataJSON),
		FieldPriority:      string(e.Priority),
		FieldCreatedAt:     e.CreatedAt.UTC().Format(TimeLayout),
	}

	if e.RetryCount > 0 {
		fields[FieldRetryCount] = strconv.Itoa(e.RetryCount)
		fields[FieldOriginalEventID] = e.OriginalEventID
	}
	if len(e.AttemptErrors) > 0 {
		history, err := json.Marshal(e.AttemptErrors)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal attempt errors: %w", err)
		}
		fields[FieldAttemptErrors] = string(history)
	}

	return fields, nil
}

// FromWire converts stream fields back to an AgentEvent.
// Missing or malformed fields are reported as *ParseError - nothing is defaulted.
// Dead letter metadata is tolerated and ignored; use the dlq package to read it.
func FromWire(fields map[string]any) (*AgentEvent, error) {
	str := make(map[string]string, len(fields))
	for k, v := range fields {
		s, err := fieldString(v)
		if err != nil {
			return nil, &ParseError{Field: k, Reason: err.Error()}
		}
		str[k] = s
	}

	for k := range str {
		if strings.HasPrefix(k, "_") && !isReservedField(k) {
			return nil, &ParseError{Field: k, Reason: "unknown reserved field"}
		}
	}

	required := func(name string) (string, error) {
		v, ok := str[name]
		if !ok || v == "" {
			return "", &ParseError{Field: name, Reason: "missing required field"}
		}
		return v, nil
	}

	id, err := required(FieldID)
	if err != nil {
		return nil, err
	}
	if !isValidUUID(id) {
		return nil, &ParseError{Field: FieldID, Reason: "not a valid UUID"}
	}

	typ, err := required(FieldType)
	if err != nil {
		return nil, err
	}
	if err := EventType(typ).Validate(); err != nil {
		return nil, &ParseError{Field: FieldType, Reason: "unknown event type", Err: err}
	}

	tenantID, err := required(FieldTenantID)
	if err != nil {
		return nil, err
	}

	source, err := required(FieldSourceAgentID)
	if err != nil {
		return nil, err
	}

	rawChain, err := required(FieldCallChain)
	if err != nil {
		return nil, err
	}
	var chain []string
	if err := json.Unmarshal([]byte(rawChain), &chain); err != nil {
		return nil, &ParseError{Field: FieldCallChain, Reason: "not a JSON array of strings", Err: err}
	}
	if chain == nil {
		return nil, &ParseError{Field: FieldCallChain, Reason: "null call chain"}
	}

	rawData, err := required(FieldData)
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(rawData), &data); err != nil {
		return nil, &ParseError{Field: FieldData, Reason: "not a JSON object", Err: err}
	}
	if data == nil {
		return nil, &ParseError{Field: FieldData, Reason: "null data object"}
	}

	priority, err := required(FieldPriority)
	if err != nil {
		return nil, err
	}
	if err := Priority(priority).Validate(); err != nil {
		return nil, &ParseError{Field: FieldPriority, Reason: "unknown priority", Err: err}
	}

	rawCreated, err := required(FieldCreatedAt)
	if err != nil {
		return nil, err
	}
	createdAt, err := time.Parse(TimeLayout, rawCreated)
	if err != nil {
		return nil, &ParseError{Field: FieldCreatedAt, Reason: "not an RFC3339 millisecond timestamp", Err: err}
	}

	e := &AgentEvent{
		ID:            id,
		Type:          EventType(typ),
		TenantID:      tenantID,
		SourceAgentID: source,
		CallChain:     chain,
		Data:          data,
		Priority:      Priority(priority),
		CreatedAt:     createdAt.UTC(),
	}

	if rawRetry, ok := str[FieldRetryCount]; ok {
		n, err := strconv.Atoi(rawRetry)
		if err != nil || n < 1 {
			return nil, &ParseError{Field: FieldRetryCount, Reason: "must be a positive integer", Err: err}
		}
		original, ok := str[FieldOriginalEventID]
		if !ok || !isValidUUID(original) {
			return nil, &ParseError{Field: FieldOriginalEventID, Reason: "redelivered event needs a valid original event id"}
		}
		e.RetryCount = n
		e.OriginalEventID = original
	} else if _, ok := str[FieldOriginalEventID]; ok {
		return nil, &ParseError{Field: FieldOriginalEventID, Reason: "present without _retry_count"}
	}

	if rawHistory, ok := str[FieldAttemptErrors]; ok {
		if e.RetryCount == 0 {
			return nil, &ParseError{Field: FieldAttemptErrors, Reason: "present without _retry_count"}
		}
		var history []string
		if err := json.Unmarshal([]byte(rawHistory), &history); err != nil {
			return nil, &ParseError{Field: FieldAttemptErrors, Reason: "not a JSON array of strings", Err: err}
		}
		if len(history) == 0 {
			return nil, &ParseError{Field: FieldAttemptErrors, Reason: "empty attempt history"}
		}
		e.AttemptErrors = history
	}

	if err := e.Validate(); err != nil {
		field := FieldCallChain
		var sv *StructuralViolation
		if errors.As(err, &sv) && sv.Field != "" {
			field = sv.Field
		}
		return nil, &ParseError{Field: field, Reason: "event violates schema invariants", Err: err}
	}

	return e, nil
}

// FieldsToStrings converts stream fields to a plain string map for display.
func FieldsToStrings(fields map[string]any) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		s, err := fieldString(v)
		if err != nil {
			s = fmt.Sprint(v)
		}
		out[k] = s
	}
	return out
}

func fieldString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	default:
		return "", fmt.Errorf("expected string value, got %T", v)
	}
}

func isReservedField(name string) bool {
	switch name {
	case FieldRetryCount, FieldOriginalEventID, FieldAttemptErrors:
		return true
	}
	for _, f := range DLQFields {
		if f == name {
			return true
		}
	}
	return false
}
