package commands

import (
	"errors"
	"time"

	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/internal/review"
	"github.com/dyluth/warren/internal/timespec"
	"github.com/dyluth/warren/pkg/dlq"
	"github.com/spf13/cobra"
)

func newDLQCmd(g *globalOptions) *cobra.Command {
	var stream string

	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Review, replay and discard dead letters",
		Long: `Inspect the dead letter queue of a tenant stream.

Events land here when their retry budget is exhausted, when no handler is
registered for their type, or when they violate a structural invariant.
A replayed event is republished to its original stream with a fresh retry
budget and removed from the queue.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.PersistentFlags().StringVarP(&stream, "stream", "s", "", "Stream whose dead letters to inspect (required)")
	cmd.MarkPersistentFlagRequired("stream")

	cmd.AddCommand(
		newDLQListCmd(g, &stream),
		newDLQShowCmd(g, &stream),
		newDLQReplayCmd(g, &stream),
		newDLQDiscardCmd(g, &stream),
	)
	return cmd
}

type dlqListOptions struct {
	output string
	since  string
	until  string
	typ    string
	agent  string
	reason string
	limit  int
}

func newDLQListCmd(g *globalOptions, stream *string) *cobra.Command {
	opts := &dlqListOptions{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letters, newest first",
		Long: `List dead letters as a table or a JSONL stream, newest first.

Output Formats:
  default - Human-readable table with entry, type, source, reason and data
  jsonl   - Line-delimited JSON, one dead letter per line

Examples:
  # Everything that failed in the last hour
  warren dlq list --stream handoffs --since 1h

  # Exhausted task events as JSONL for jq
  warren dlq list -s handoffs --type 'task_*' --reason retries_exhausted -o jsonl | jq .event.id`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := review.ParseOutputFormat(opts.output)
			if err != nil {
				return printer.Error("invalid output format", err.Error(), []string{"Valid formats: default, jsonl"})
			}

			since, until, err := timespec.ParseRange(opts.since, opts.until, time.Now())
			if err != nil {
				return printer.Error("invalid time range", err.Error(), nil)
			}

			s, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			criteria := &review.Criteria{
				SinceTimestampMs: since,
				UntilTimestampMs: until,
				TypeGlob:         opts.typ,
				Agent:            opts.agent,
				ReasonGlob:       opts.reason,
			}
			if _, err := review.List(s.ctx, s.dlq, *stream, criteria, opts.limit, format, cmd.OutOrStdout()); err != nil {
				return printer.Error("failed to list dead letters", err.Error(), nil)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.output, "output", "o", "default", "Output format: default or jsonl")
	cmd.Flags().StringVar(&opts.since, "since", "", "Show dead letters after time (duration or RFC3339)")
	cmd.Flags().StringVar(&opts.until, "until", "", "Show dead letters before time (duration or RFC3339)")
	cmd.Flags().StringVar(&opts.typ, "type", "", "Filter by event type (glob pattern)")
	cmd.Flags().StringVar(&opts.agent, "agent", "", "Filter by source agent (exact match)")
	cmd.Flags().StringVar(&opts.reason, "reason", "", "Filter by failure reason (glob pattern)")
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 0, "Maximum number of dead letters to show (0 = all)")

	return cmd
}

func newDLQShowCmd(g *globalOptions, stream *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show ENTRY_ID",
		Short: "Show one dead letter as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			msg, err := s.dlq.Get(s.ctx, *stream, args[0])
			if err != nil {
				return notFoundOr(err, *stream, args[0])
			}
			return review.FormatSingleJSON(cmd.OutOrStdout(), msg)
		},
	}
}

func newDLQReplayCmd(g *globalOptions, stream *string) *cobra.Command {
	return &cobra.Command{
		Use:   "replay ENTRY_ID...",
		Short: "Republish dead letters to their original stream",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			for _, id := range args {
				newID, err := s.dlq.Replay(s.ctx, *stream, id)
				if err != nil {
					return notFoundOr(err, *stream, id)
				}
				printer.Success("Replayed %s onto %s as entry %s\n", id, *stream, newID)
			}
			return nil
		},
	}
}

func newDLQDiscardCmd(g *globalOptions, stream *string) *cobra.Command {
	return &cobra.Command{
		Use:   "discard ENTRY_ID...",
		Short: "Permanently delete dead letters",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			for _, id := range args {
				if err := s.dlq.Discard(s.ctx, *stream, id); err != nil {
					return notFoundOr(err, *stream, id)
				}
				printer.Success("Discarded %s\n", id)
			}
			return nil
		},
	}
}

func notFoundOr(err error, stream, entryID string) error {
	if errors.Is(err, dlq.ErrNotFound) {
		return printer.Error(
			"dead letter not found",
			"No entry "+entryID+" in the dead letters of '"+stream+"'.",
			[]string{"List the queue:\n  warren dlq list --stream " + stream},
		)
	}
	return printer.ErrorWithContext("dead letter operation failed", err.Error(),
		map[string]string{"Stream": stream, "Entry": entryID}, nil)
}
