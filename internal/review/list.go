// Package review renders dead letter queues for operators.
package review

import (
	"context"
	"fmt"
	"io"

	"github.com/dyluth/warren/pkg/dlq"
)

// OutputFormat specifies how a listing is rendered.
type OutputFormat string

const (
	// OutputFormatDefault is a table with truncated data
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSONL outputs complete dead letters as line-delimited JSON
	OutputFormatJSONL OutputFormat = "jsonl"
)

// ParseOutputFormat validates a --output flag value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case "", OutputFormatDefault:
		return OutputFormatDefault, nil
	case OutputFormatJSONL:
		return OutputFormatJSONL, nil
	}
	return "", fmt.Errorf("unknown output format: %s (must be 'default' or 'jsonl')", s)
}

// List reads the dead letters of stream for the tenant bound to ctx, newest
// first, and writes those matching criteria. limit caps the number written,
// 0 writes all. Returns the number of dead letters written.
func List(ctx context.Context, q *dlq.Queue, stream string, criteria *Criteria, limit int, format OutputFormat, w io.Writer) (int, error) {
	// Filtering happens client side, so the read limit only applies without filters
	var readLimit int64
	if !criteria.HasFilters() && limit > 0 {
		readLimit = int64(limit)
	}

	all, err := q.List(ctx, stream, readLimit)
	if err != nil {
		return 0, err
	}

	msgs := make([]*dlq.Message, 0, len(all))
	for _, m := range all {
		if !criteria.Matches(m) {
			continue
		}
		msgs = append(msgs, m)
		if limit > 0 && len(msgs) == limit {
			break
		}
	}

	switch format {
	case OutputFormatDefault, "":
		return FormatTable(w, msgs, stream), nil
	case OutputFormatJSONL:
		if err := FormatJSONL(w, msgs); err != nil {
			return 0, fmt.Errorf("failed to format JSONL output: %w", err)
		}
		return len(msgs), nil
	default:
		return 0, fmt.Errorf("unknown output format: %s", format)
	}
}
