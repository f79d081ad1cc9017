package review

import (
	"path/filepath"

	"github.com/dyluth/warren/pkg/dlq"
)

// Criteria narrows a dead letter listing. All filters are ANDed together.
type Criteria struct {
	SinceTimestampMs int64  // Unix milliseconds, 0 = no lower bound
	UntilTimestampMs int64  // Unix milliseconds, 0 = no upper bound
	TypeGlob         string // Glob on the event type, empty = any
	Agent            string // Exact source agent id, empty = any
	ReasonGlob       string // Glob on the failure reason, empty = any
}

// Matches reports whether msg satisfies every criterion.
// Dead letters whose event could not be decoded only match when no type or
// agent filter is set.
func (c *Criteria) Matches(msg *dlq.Message) bool {
	if c == nil {
		return true
	}

	failedAt := msg.FailedAt.UnixMilli()
	if c.SinceTimestampMs > 0 && failedAt < c.SinceTimestampMs {
		return false
	}
	if c.UntilTimestampMs > 0 && failedAt > c.UntilTimestampMs {
		return false
	}

	if c.ReasonGlob != "" && !globMatch(c.ReasonGlob, msg.Reason) {
		return false
	}

	if c.TypeGlob == "" && c.Agent == "" {
		return true
	}
	if msg.Event == nil {
		return false
	}
	if c.TypeGlob != "" && !globMatch(c.TypeGlob, string(msg.Event.Type)) {
		return false
	}
	if c.Agent != "" && msg.Event.SourceAgentID != c.Agent {
		return false
	}

	return true
}

// HasFilters returns true if any filter is set.
func (c *Criteria) HasFilters() bool {
	return c != nil && (c.SinceTimestampMs > 0 || c.UntilTimestampMs > 0 ||
		c.TypeGlob != "" || c.Agent != "" || c.ReasonGlob != "")
}

func globMatch(pattern, s string) bool {
	matched, err := filepath.Match(pattern, s)
	return err == nil && matched
}
