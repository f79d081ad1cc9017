package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/internal/watch"
	"github.com/dyluth/warren/pkg/events"
	"github.com/spf13/cobra"
)

func newStreamCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Inspect tenant streams",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newStreamInfoCmd(g), newStreamEntriesCmd(g), newStreamWatchCmd(g))
	return cmd
}

func newStreamInfoCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info STREAM",
		Short: "Show length, consumer groups and dead letters of a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stream := args[0]

			s, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			length, err := s.bus.Len(s.ctx, stream)
			if err != nil {
				return printer.Error("failed to read stream", err.Error(), nil)
			}
			dead, err := s.dlq.Count(s.ctx, stream)
			if err != nil {
				return printer.Error("failed to read dead letters", err.Error(), nil)
			}

			printer.Info("Stream %s\n\n", events.StreamKey(s.tenant.ID, stream))
			printer.Field("tenant", s.tenant.ID)
			printer.Field("length", length)
			printer.Field("dead letters", dead)

			if length == 0 {
				return nil
			}

			groups, err := s.bus.Groups(s.ctx, stream)
			if err != nil {
				return printer.Error("failed to read consumer groups", err.Error(), nil)
			}
			if len(groups) == 0 {
				printer.Info("\nNo consumer groups\n")
				return nil
			}

			printer.Info("\n%-20s %-10s %-10s %s\n", "GROUP", "CONSUMERS", "PENDING", "LAST DELIVERED")
			for _, grp := range groups {
				printer.Info("%-20s %-10d %-10d %s\n", grp.Name, grp.Consumers, grp.Pending, grp.LastDeliveredID)
			}
			return nil
		},
	}
}

func newStreamEntriesCmd(g *globalOptions) *cobra.Command {
	var count int64

	cmd := &cobra.Command{
		Use:   "entries STREAM",
		Short: "Print retained stream entries as JSONL, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			entries, err := s.bus.Range(s.ctx, args[0], count)
			if err != nil {
				return printer.Error("failed to read stream", err.Error(), nil)
			}

			out := cmd.OutOrStdout()
			for _, entry := range entries {
				line := map[string]any{"entry_id": entry.ID}
				if entry.Err != nil {
					line["error"] = entry.Err.Error()
					line["fields"] = events.FieldsToStrings(entry.Fields)
				} else {
					line["event"] = entry.Event
				}
				data, err := json.Marshal(line)
				if err != nil {
					return fmt.Errorf("failed to marshal entry %s: %w", entry.ID, err)
				}
				fmt.Fprintf(out, "%s\n", data)
			}
			return nil
		},
	}
	cmd.Flags().Int64VarP(&count, "count", "n", 0, "Maximum number of entries (0 = all)")
	return cmd
}

func newStreamWatchCmd(g *globalOptions) *cobra.Command {
	var (
		output string
		from   string
	)

	cmd := &cobra.Command{
		Use:   "watch STREAM",
		Short: "Follow events as they are appended to a stream",
		Long: `Follow a tenant stream in real time without joining a consumer group.

Output Formats:
  default - One human-readable line per event
  json    - Line-delimited JSON for programmatic processing

Examples:
  # Follow new handoff traffic
  warren stream watch handoffs

  # Replay what is retained, then follow, as JSON
  warren stream watch agent.scheduler --from 0 -o json > scheduler.jsonl`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format := watch.OutputFormat(output)
			if format != watch.OutputFormatDefault && format != watch.OutputFormatJSON {
				return printer.Error(
					"invalid output format",
					fmt.Sprintf("Unknown format: %s", output),
					[]string{"Valid formats: default, json"},
				)
			}

			s, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, stop := signal.NotifyContext(s.ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			if format == watch.OutputFormatDefault {
				printer.Info("Watching %s (Ctrl+C to stop)\n", args[0])
			}
			if err := watch.Follow(ctx, s.bus, args[0], from, format, cmd.OutOrStdout()); err != nil {
				return printer.Error("watch failed", err.Error(), nil)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "default", "Output format (default or json)")
	cmd.Flags().StringVar(&from, "from", "$", "Start after this entry id: $ for new entries only, 0 for the whole stream")
	return cmd
}
