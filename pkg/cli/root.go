// Package cli implements the opsbridge command line interface.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nlin88/opsbridge/pkg/config"
	"github.com/nlin88/opsbridge/pkg/infra/logger"
)

var (
	cliVersion   = "dev"
	cliBuildDate = "unknown"
	cliGitCommit = "unknown"
)

type RootCommand struct {
	cmd       *cobra.Command
	cfg       *config.Config
	opts      *OutputOptions
	formatStr string
}

func NewRootCommand() *RootCommand {
	root := &RootCommand{
		opts: NewOutputOptions(),
	}

	cmd := &cobra.Command{
		Use:   "opsbridge",
		Short: "opsbridge - observability integration bridge",
		Long: `opsbridge connects alerting and metrics backends to AI-driven
operations clients.

It ingests alert webhooks, polls system KPIs on a schedule, renders
both into context artifacts, and answers interactive tool calls over
the MCP protocol.`,
		SilenceUsage:      true,
		PersistentPreRunE: root.persistentPreRunE,
	}

	pflags := cmd.PersistentFlags()
	pflags.StringVarP(&root.formatStr, "output", "o", "table", "Output format (table, json, yaml)")
	pflags.BoolVarP(&root.opts.Quiet, "quiet", "q", false, "Suppress output")
	pflags.String("config", "", "Config file path (default: built-in defaults + OPSBRIDGE_* env)")

	viper.BindPFlag("output", pflags.Lookup("output"))
	viper.BindPFlag("quiet", pflags.Lookup("quiet"))
	viper.BindPFlag("config", pflags.Lookup("config"))

	root.cmd = cmd
	root.addSubCommands()

	return root
}

func (r *RootCommand) addSubCommands() {
	r.cmd.AddCommand(NewServeCommand(r))
	r.cmd.AddCommand(NewCheckCommand(r))
	r.cmd.AddCommand(NewReportCommand(r))
	r.cmd.AddCommand(NewMCPCommand(r))
	r.cmd.AddCommand(NewVersionCommand(r))
}

func (r *RootCommand) persistentPreRunE(cmd *cobra.Command, args []string) error {
	r.opts.Format = OutputFormat(r.formatStr)

	// version must work without a loadable config.
	if cmd.Name() == "version" {
		return nil
	}

	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return err
	}
	r.cfg = cfg

	logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	return nil
}

func (r *RootCommand) Config() *config.Config { return r.cfg }

func (r *RootCommand) OutputOptions() *OutputOptions { return r.opts }

func (r *RootCommand) Command() *cobra.Command { return r.cmd }

func (r *RootCommand) Execute() error {
	return r.cmd.Execute()
}

func (r *RootCommand) ExecuteContext(ctx context.Context) error {
	return r.cmd.ExecuteContext(ctx)
}

// Execute runs the CLI with signal-aware cancellation. Exit status 1
// signals any failure, including a failed startup dependency check.
func Execute() {
	root := NewRootCommand()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func SetVersion(version, buildDate, gitCommit string) {
	cliVersion = version
	cliBuildDate = buildDate
	cliGitCommit = gitCommit
}
