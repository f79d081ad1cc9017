package commands

import (
	"context"
	"fmt"

	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/orchestrator"
	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/pkg/bus"
	"github.com/dyluth/warren/pkg/dlq"
	"github.com/dyluth/warren/pkg/tenant"
	"github.com/spf13/cobra"
)

var versionString = "dev"

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	tenantID   string
	redisURL   string
}

// NewRootCmd builds the warren command tree.
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "warren",
		Short: "Warren - tenant-isolated event coordination for agents",
		Long: `Warren coordinates agents through tenant-scoped Redis streams.

Events are published onto per-tenant streams, consumed with bounded retries
and dead-lettered when their retry budget runs out. Handoffs between agents
pass structural and semantic validation before the receiving agent acts.

This CLI publishes events, inspects streams and reviews dead letters.`,
		Version: versionString,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			printer.SetOutput(cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		FParseErrWhitelist: cobra.FParseErrWhitelist{},
		SilenceErrors:      true,
		SilenceUsage:       true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to warren.yml (default $WARREN_CONFIG or warren.yml)")
	rootCmd.PersistentFlags().StringVarP(&opts.tenantID, "tenant", "t", "", "Tenant id (may be omitted when only one tenant is configured)")
	rootCmd.PersistentFlags().StringVar(&opts.redisURL, "redis", "", "Redis URL, overrides the configuration")

	rootCmd.AddCommand(
		newPublishCmd(opts),
		newDLQCmd(opts),
		newStreamCmd(opts),
		newHandoffCmd(opts),
	)

	return rootCmd
}

// Execute runs the CLI.
func Execute() error {
	return NewRootCmd().Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	versionString = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

// loadConfig honours --config, falling back to WARREN_CONFIG and warren.yml.
func (o *globalOptions) loadConfig() (*config.WarrenConfig, error) {
	var (
		cfg *config.WarrenConfig
		err error
	)
	if o.configPath != "" {
		cfg, err = config.Load(o.configPath)
	} else {
		cfg, err = config.LoadWithEnv("")
	}
	if err != nil {
		return nil, printer.Error(
			"failed to load configuration",
			err.Error(),
			[]string{"Pass the configuration file explicitly:\n  warren --config path/to/warren.yml"},
		)
	}
	if o.redisURL != "" {
		cfg.Redis.URL = o.redisURL
	}
	return cfg, nil
}

// session is a connected, tenant-bound CLI context.
type session struct {
	ctx    context.Context
	cfg    *config.WarrenConfig
	tenant *tenant.Context
	bus    *bus.Bus
	dlq    *dlq.Queue
	token  *tenant.Token
}

// open loads configuration, resolves the tenant and connects to Redis.
func (o *globalOptions) open(ctx context.Context) (*session, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}

	tc, err := o.resolveTenant(cfg)
	if err != nil {
		return nil, err
	}

	b, err := orchestrator.NewBus(cfg)
	if err != nil {
		return nil, printer.Error("invalid redis URL", err.Error(), nil)
	}
	if err := b.Ping(ctx); err != nil {
		b.Close()
		return nil, printer.ErrorWithContext(
			"redis not accessible",
			err.Error(),
			map[string]string{"URL": cfg.Redis.URL},
			[]string{"Check that Redis is running", "Point warren at another server:\n  warren --redis redis://host:6379/0"},
		)
	}

	bound, token := tenant.Bind(ctx, tc)
	return &session{
		ctx:    bound,
		cfg:    cfg,
		tenant: tc,
		bus:    b,
		dlq:    dlq.New(b, cfg.Streams.DLQMaxLen),
		token:  token,
	}, nil
}

func (o *globalOptions) resolveTenant(cfg *config.WarrenConfig) (*tenant.Context, error) {
	id := o.tenantID
	if id == "" {
		if len(cfg.Tenants) != 1 {
			return nil, printer.Error(
				"tenant required",
				fmt.Sprintf("%d tenants are configured.", len(cfg.Tenants)),
				[]string{"Choose one with --tenant <id>"},
			)
		}
		id = cfg.Tenants[0].ID
	}

	tcfg, ok := cfg.Tenant(id)
	if !ok {
		return nil, printer.ErrorWithContext(
			"unknown tenant",
			fmt.Sprintf("Tenant '%s' is not configured.", id),
			map[string]string{"Configured": fmt.Sprintf("%v", cfg.TenantIDs())},
			nil,
		)
	}
	return tenant.New(tcfg.ID, tcfg.Slug)
}

func (s *session) Close() {
	tenant.Unbind(s.token)
	s.bus.Close()
}
