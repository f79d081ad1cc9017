package review

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dyluth/warren/pkg/dlq"
)

// FormatTable writes dead letters as a table and returns how many were written.
func FormatTable(w io.Writer, msgs []*dlq.Message, stream string) int {
	if len(msgs) == 0 {
		fmt.Fprintf(w, "No dead letters for stream '%s'\n", stream)
		return 0
	}

	fmt.Fprintf(w, "Dead letters for stream '%s':\n\n", stream)

	fmt.Fprintf(w, "%-15s %-17s %-16s %-20s %-4s %-8s %s\n",
		"ENTRY", "TYPE", "SOURCE", "REASON", "TRY", "AGE", "DATA")
	fmt.Fprintf(w, "%-15s %-17s %-16s %-20s %-4s %-8s %s\n",
		"---------------", "-----------------", "----------------", "--------------------", "----", "--------",
		"----------------------------------------")

	for _, m := range msgs {
		eventType, source, data := "?", "?", "-"
		if m.Event != nil {
			eventType = string(m.Event.Type)
			source = m.Event.SourceAgentID
			data = formatData(m.Event.Data)
		}
		fmt.Fprintf(w, "%-15s %-17s %-16s %-20s %-4d %-8s %s\n",
			m.EntryID,
			truncate(eventType, 17),
			truncate(source, 16),
			truncate(m.Reason, 20),
			m.Attempts,
			formatAge(m.FailedAt),
			data,
		)
	}

	noun := "dead letter"
	if len(msgs) != 1 {
		noun = "dead letters"
	}
	fmt.Fprintf(w, "\n%d %s found\n", len(msgs), noun)

	return len(msgs)
}

// FormatJSONL writes one compact JSON object per dead letter.
func FormatJSONL(w io.Writer, msgs []*dlq.Message) error {
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to marshal dead letter to JSON: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// FormatSingleJSON writes one dead letter as indented JSON.
func FormatSingleJSON(w io.Writer, msg *dlq.Message) error {
	data, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter to JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	fmt.Fprintln(w)
	return nil
}

// formatData renders the event data as compact JSON cut to 40 characters.
func formatData(data map[string]any) string {
	if len(data) == 0 {
		return "-"
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "-"
	}
	return truncate(strings.TrimSpace(string(raw)), 40)
}

func truncate(s string, max int) string {
	if s == "" {
		return "-"
	}
	if len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}

// formatAge shows how long ago t was, like "2m ago".
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	diff := time.Since(t)
	switch {
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}
