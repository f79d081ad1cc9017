package events

import (
	"fmt"
	"strings"
)

// Redis key pattern helpers
//
// Every key is prefixed with the tenant id so that tenants sharing one Redis
// server never see each other's entries. Stream and tenant names cannot contain
// ':' which keeps a crafted stream name from addressing another partition.
//
// Stream pattern: {tenant_id}:events:{stream_name}
// Dead letter pattern: {tenant_id}:events:{stream_name}:dlq

// StreamKey returns the Redis key of a tenant's primary stream.
// Pattern: {tenant_id}:events:{stream_name}
func StreamKey(tenantID, stream string) string {
	return fmt.Sprintf("%s:events:%s", tenantID, stream)
}

// DLQKey returns the Redis key of a tenant stream's dead letter partition.
// Pattern: {tenant_id}:events:{stream_name}:dlq
func DLQKey(tenantID, stream string) string {
	return StreamKey(tenantID, stream) + ":dlq"
}

// AgentStream returns the conventional stream name for work addressed to one agent.
// Pattern: agent.{agent_id}
func AgentStream(agentID string) string {
	return "agent." + agentID
}

// ValidateName checks a tenant id, stream name or consumer group name.
func ValidateName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%s cannot be empty", kind)
	}
	if strings.ContainsAny(name, ": \t\r\n*?[]") {
		return fmt.Errorf("%s %q contains a reserved character", kind, name)
	}
	return nil
}
