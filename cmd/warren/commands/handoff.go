package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dyluth/warren/internal/logging"
	"github.com/dyluth/warren/internal/orchestrator"
	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/pkg/events"
	"github.com/dyluth/warren/pkg/handoff"
	"github.com/spf13/cobra"
)

func newHandoffCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "handoff",
		Short: "Work with handoff payloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newHandoffCheckCmd(g))
	return cmd
}

func newHandoffCheckCmd(g *globalOptions) *cobra.Command {
	var offline bool

	cmd := &cobra.Command{
		Use:   "check FILE",
		Short: "Validate a handoff payload without publishing it",
		Long: `Run a handoff payload through the configured validation.

The structural stage always runs. The semantic stage runs for handoff types
configured as semantic (the default), using the configured checker. FILE may
be - to read the payload from stdin.

Exits non-zero when the payload is rejected.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(args[0], cmd.InOrStdin())
			if err != nil {
				return printer.Error("unreadable handoff payload", err.Error(), nil)
			}

			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if offline {
				cfg.Handoff.Checker = ""
			}

			logger, err := logging.New("warn", "console", cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			protocol, err := orchestrator.NewProtocol(cfg.Handoff, logger)
			if err != nil {
				return printer.Error("invalid handoff configuration", err.Error(), nil)
			}

			return checkHandoff(cmd.Context(), protocol, payload)
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "Skip the semantic checker")
	return cmd
}

func checkHandoff(ctx context.Context, p *handoff.Protocol, payload *events.HandoffPayload) error {
	result, err := p.ValidateOrReject(ctx, payload)
	if err != nil {
		if rejection, ok := handoff.IsRejection(err); ok {
			return printer.ErrorWithContext(
				"handoff rejected",
				fmt.Sprintf("The %s stage rejected this payload:\n  - %s", rejection.Stage, strings.Join(rejection.Reasons, "\n  - ")),
				map[string]string{
					"Type":   payload.HandoffType,
					"Source": payload.SourceAgentID,
					"Target": payload.TargetAgentID,
				},
				nil,
			)
		}
		return printer.Error("handoff check failed", err.Error(), nil)
	}

	stages := make([]string, len(result.Stages))
	for i, s := range result.Stages {
		stages[i] = string(s)
	}
	printer.Success("Handoff %s → %s accepted (%s)\n", payload.SourceAgentID, payload.TargetAgentID, strings.Join(stages, ", "))
	for _, reason := range result.Reasons {
		printer.Warning("%s\n", reason)
	}
	return nil
}

func readPayload(path string, stdin io.Reader) (*events.HandoffPayload, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}

	var payload events.HandoffPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("not a handoff payload: %w", err)
	}
	return &payload, nil
}
