package judge

import (
	"strings"
	"testing"

	"github.com/dyluth/warren/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name      string
		reply     string
		plausible bool
		reasons   []string
		wantErr   bool
	}{
		{
			name:      "bare object",
			reply:     `{"plausible": true, "reasons": []}`,
			plausible: true,
			reasons:   []string{},
		},
		{
			name:      "fenced object with prose",
			reply:     "Here is my verdict:\n```json\n{\"plausible\": false, \"reasons\": [\"budget invented\"]}\n```",
			plausible: false,
			reasons:   []string{"budget invented"},
		},
		{
			name:    "no json",
			reply:   "I cannot judge this.",
			wantErr: true,
		},
		{
			name:    "missing plausible",
			reply:   `{"reasons": ["?"]}`,
			wantErr: true,
		},
		{
			name:    "broken json",
			reply:   `{"plausible": tru}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := parseVerdict(tt.reply)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.plausible, v.Plausible)
			assert.Equal(t, tt.reasons, v.Reasons)
		})
	}
}

func TestUserPrompt(t *testing.T) {
	prompt, err := userPrompt(&events.HandoffPayload{
		SourceAgentID: "qualifier",
		TargetAgentID: "scheduler",
		HandoffType:   "lead_qualified",
		Data:          map[string]any{"lead_id": "L-42"},
		Confidence:    0.9,
		CallChain:     []string{"intake", "qualifier"},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(prompt, "Handoff to review:"))
	assert.Contains(t, prompt, `"target_agent_id": "scheduler"`)
	assert.Contains(t, prompt, `"lead_id": "L-42"`)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab...", truncate("abcdef", 2))
}
