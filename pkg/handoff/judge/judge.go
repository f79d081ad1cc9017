// Package judge provides model-backed semantic checkers for the handoff protocol.
//
// Each checker sends the payload to a chat model with a fixed system prompt and
// expects a single JSON object back:
//
//	{"plausible": true|false, "reasons": ["..."]}
//
// Transport failures and unparseable replies are returned as errors; the
// protocol treats those as an unavailable checker and passes the handoff.
package judge

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dyluth/warren/pkg/events"
	"github.com/dyluth/warren/pkg/handoff"
)

const systemPrompt = `You review handoffs between automated agents in a sales pipeline.
You receive a JSON handoff: the source agent, the target agent, the handoff type,
the call chain of agents that already worked on this operation, the source's
confidence and the data body it is passing on.

Decide whether the data body is plausible and internally consistent. Flag
fabricated facts, values that contradict each other, claims that the call chain
could not have produced, and confidence that is wildly out of line with the data.

Reply with exactly one JSON object and nothing else:
{"plausible": <true|false>, "reasons": [<short strings explaining any problem>]}`

// DefaultMaxTokens bounds the verdict length.
const DefaultMaxTokens = 512

// userPrompt renders the payload the model is asked to judge.
func userPrompt(payload *events.HandoffPayload) (string, error) {
	body, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode handoff for review: %w", err)
	}
	return "Handoff to review:\n" + string(body), nil
}

// parseVerdict extracts the verdict object from a model reply. Models sometimes
// wrap JSON in prose or code fences, so the outermost braces are used.
func parseVerdict(reply string) (handoff.Verdict, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end < start {
		return handoff.Verdict{}, fmt.Errorf("model reply contains no JSON verdict: %q", truncate(reply, 120))
	}

	var raw struct {
		Plausible *bool    `json:"plausible"`
		Reasons   []string `json:"reasons"`
	}
	if err := json.Unmarshal([]byte(reply[start:end+1]), &raw); err != nil {
		return handoff.Verdict{}, fmt.Errorf("failed to parse model verdict: %w", err)
	}
	if raw.Plausible == nil {
		return handoff.Verdict{}, fmt.Errorf("model verdict is missing the plausible field")
	}

	return handoff.Verdict{Plausible: *raw.Plausible, Reasons: raw.Reasons}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
