package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nlin88/opsbridge/pkg/app"
)

func NewServeCommand(root *RootCommand) *cobra.Command {
	var components string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the opsbridge services",
		Long: `Start the selected long-running components under one process.

Components:
  ingestion  the alert webhook endpoint and artifact regeneration
  polling    the scheduled KPI poller
  query      the MCP tool server over HTTP

Startup runs connectivity checks against the configured backends
first and refuses to start if a required dependency is unreachable.`,
		Example: `  # Run everything
  opsbridge serve

  # Only the webhook endpoint and the poller
  opsbridge serve --components ingestion,polling`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), root, components)
		},
	}

	cmd.Flags().StringVar(&components, "components", "all", "Components to start (comma-separated, or 'all')")

	return cmd
}

func runServe(ctx context.Context, root *RootCommand, components string) error {
	selected, err := app.ParseComponents(components)
	if err != nil {
		return err
	}

	a, err := app.New(root.Config(), cliVersion)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return a.Run(ctx, selected)
}
