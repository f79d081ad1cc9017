// Package watch follows tenant streams as events are appended.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dyluth/warren/pkg/bus"
	"github.com/dyluth/warren/pkg/events"
)

// OutputFormat specifies how followed entries are written.
type OutputFormat string

const (
	// OutputFormatDefault is one human-readable line per event
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSON is one JSON object per line
	OutputFormatJSON OutputFormat = "json"
)

const (
	followBlock  = time.Second
	followBatch  = 100
	pollInterval = 200 * time.Millisecond
)

// Follow writes entries appended to stream after from until ctx is cancelled.
// from "$" starts with the next appended entry, "0" replays the retained
// stream first. Returns nil on cancellation.
func Follow(ctx context.Context, b *bus.Bus, stream, from string, format OutputFormat, w io.Writer) error {
	last := from
	for {
		entries, err := b.Tail(ctx, stream, last, followBatch, followBlock)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		for _, entry := range entries {
			if err := FormatEntry(w, entry, format); err != nil {
				return err
			}
			last = entry.ID
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

// WaitFor polls stream every 200ms for the first entry after from whose event
// satisfies match, and fails once timeout elapses.
func WaitFor(ctx context.Context, b *bus.Bus, stream, from string, match func(*events.AgentEvent) bool, timeout time.Duration) (*bus.Entry, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	timeoutCh := time.After(timeout)
	last := from

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-timeoutCh:
			return nil, fmt.Errorf("timeout waiting for a matching event on %s after %v", stream, timeout)

		case <-ticker.C:
			entries, err := b.Tail(ctx, stream, last, followBatch, 0)
			if err != nil {
				return nil, fmt.Errorf("failed to poll %s: %w", stream, err)
			}
			for i := range entries {
				last = entries[i].ID
				if entries[i].Event != nil && match(entries[i].Event) {
					return &entries[i], nil
				}
			}
		}
	}
}

// FormatEntry writes a single stream entry in the given format.
func FormatEntry(w io.Writer, entry bus.Entry, format OutputFormat) error {
	switch format {
	case OutputFormatJSON:
		line := map[string]any{"entry_id": entry.ID}
		if entry.Err != nil {
			line["error"] = entry.Err.Error()
		} else {
			line["event"] = entry.Event
		}
		data, err := json.Marshal(line)
		if err != nil {
			return fmt.Errorf("failed to marshal entry %s: %w", entry.ID, err)
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err

	case OutputFormatDefault, "":
		if entry.Err != nil {
			_, err := fmt.Fprintf(w, "%s  ⚠️  unreadable entry: %v\n", entry.ID, entry.Err)
			return err
		}
		e := entry.Event
		retry := ""
		if e.RetryCount > 0 {
			retry = fmt.Sprintf(" (retry %d)", e.RetryCount)
		}
		_, err := fmt.Fprintf(w, "[%s] %-17s %-8s %s%s  %s\n",
			e.CreatedAt.Format("15:04:05.000"),
			e.Type,
			e.Priority,
			strings.Join(e.CallChain, " → "),
			retry,
			e.ID,
		)
		return err

	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}
