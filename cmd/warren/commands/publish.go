package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/internal/watch"
	"github.com/dyluth/warren/pkg/bus"
	"github.com/dyluth/warren/pkg/events"
	"github.com/spf13/cobra"
)

type publishOptions struct {
	stream    string
	eventType string
	source    string
	chain     []string
	data      string
	priority  string
	waitOn    []string
	timeout   time.Duration
}

func newPublishCmd(g *globalOptions) *cobra.Command {
	opts := &publishOptions{}

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish an event onto a tenant stream",
		Long: `Publish a single event onto a stream of the selected tenant.

The call chain defaults to the source agent. Data is a JSON object given
inline, read from a file with @path, or from stdin with @-.

Examples:
  # Ask the gateway to route a handoff
  warren publish --stream handoffs --type handoff_requested --source qualifier \
    --data '{"target_agent_id":"scheduler","handoff_type":"lead_qualified","data":{"lead_id":"L-42"},"confidence":0.9}'

  # Request a handoff and wait for the gateway's verdict
  warren publish -s handoffs --type handoff_requested --source qualifier --data @handoff.json \
    --wait-on agent.scheduler,agent.qualifier

  # Report an escalation with a payload from a file
  warren publish --stream ops --type escalation --source planner --data @incident.json --priority critical`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(cmd, g, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.stream, "stream", "s", "", "Target stream (required)")
	cmd.Flags().StringVar(&opts.eventType, "type", "", "Event type (required)")
	cmd.Flags().StringVar(&opts.source, "source", "", "Source agent id (required)")
	cmd.Flags().StringSliceVar(&opts.chain, "chain", nil, "Call chain, comma separated (default: the source agent)")
	cmd.Flags().StringVar(&opts.data, "data", "", "JSON object, @file or @- for stdin")
	cmd.Flags().StringVar(&opts.priority, "priority", string(events.PriorityNormal), "Priority: low, normal, high or critical")
	cmd.Flags().StringSliceVar(&opts.waitOn, "wait-on", nil, "Wait for an event referencing this one on these streams")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "How long --wait-on waits")
	cmd.MarkFlagRequired("stream")
	cmd.MarkFlagRequired("type")
	cmd.MarkFlagRequired("source")

	return cmd
}

func runPublish(cmd *cobra.Command, g *globalOptions, opts *publishOptions) error {
	data, err := readData(opts.data, cmd.InOrStdin())
	if err != nil {
		return printer.Error("invalid --data", err.Error(), []string{"Data must be a JSON object, e.g. --data '{\"key\":\"value\"}'"})
	}

	chain := opts.chain
	if len(chain) == 0 {
		chain = []string{opts.source}
	}

	s, err := g.open(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	e, err := events.NewAgentEvent(events.EventType(opts.eventType), s.tenant.ID, opts.source, chain, data)
	if err != nil {
		return printer.Error("invalid event", err.Error(), []string{
			fmt.Sprintf("Event types: %s", eventTypeList()),
		})
	}
	e.Priority = events.Priority(opts.priority)
	if err := e.Validate(); err != nil {
		return printer.Error("invalid event", err.Error(), nil)
	}

	entryID, err := s.bus.Publish(s.ctx, e, opts.stream)
	if err != nil {
		return printer.ErrorWithContext("publish failed", err.Error(),
			map[string]string{"Tenant": s.tenant.ID, "Stream": opts.stream}, nil)
	}

	printer.Success("Published %s %s to %s as entry %s\n", e.Type, e.ID, events.StreamKey(s.tenant.ID, opts.stream), entryID)

	if len(opts.waitOn) == 0 {
		return nil
	}
	return awaitReply(s, e, entryID, opts, cmd.OutOrStdout())
}

// awaitReply waits for the first event on any --wait-on stream whose data
// references the published event, as gateway replies do.
func awaitReply(s *session, published *events.AgentEvent, entryID string, opts *publishOptions, w io.Writer) error {
	ctx, cancel := context.WithTimeout(s.ctx, opts.timeout)
	defer cancel()

	refersToPublished := func(e *events.AgentEvent) bool {
		return e.Data["handoff_event_id"] == published.ID
	}

	type reply struct {
		stream string
		entry  *bus.Entry
		err    error
	}
	replies := make(chan reply, len(opts.waitOn))
	for _, stream := range opts.waitOn {
		stream := stream
		go func() {
			// Entry ids share the server clock, so replies sort after the request
			entry, err := watch.WaitFor(ctx, s.bus, stream, entryID, refersToPublished, opts.timeout)
			replies <- reply{stream: stream, entry: entry, err: err}
		}()
	}

	var lastErr error
	for range opts.waitOn {
		r := <-replies
		if r.err != nil {
			lastErr = r.err
			continue
		}
		printer.Success("%s on %s (%s)\n", r.entry.Event.Type, r.stream, r.entry.Event.ID)
		return watch.FormatEntry(w, *r.entry, watch.OutputFormatJSON)
	}
	return printer.Error("no reply", lastErr.Error(), []string{"Check that warrend is running and consuming " + opts.stream})
}

// readData parses --data: inline JSON, @path or @- for stdin.
func readData(arg string, stdin io.Reader) (map[string]any, error) {
	if arg == "" {
		return nil, nil
	}

	raw := []byte(arg)
	if strings.HasPrefix(arg, "@") {
		var err error
		if arg == "@-" {
			raw, err = io.ReadAll(stdin)
		} else {
			raw, err = os.ReadFile(arg[1:])
		}
		if err != nil {
			return nil, err
		}
	}

	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("not a JSON object: %w", err)
	}
	return data, nil
}

func eventTypeList() string {
	names := make([]string, len(events.EventTypes))
	for i, t := range events.EventTypes {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}
