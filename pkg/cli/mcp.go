package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nlin88/opsbridge/pkg/app"
	"github.com/nlin88/opsbridge/pkg/query"
)

func NewMCPCommand(root *RootCommand) *cobra.Command {
	var httpAddr string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP tool server",
		Long: `Start the MCP server exposing the opsbridge tools.

By default the server speaks newline-delimited JSON-RPC over
stdin/stdout, the transport MCP clients spawn the process with.
With --http it serves the same protocol over HTTP instead.`,
		Example: `  # stdio transport, for MCP client configs
  opsbridge mcp

  # HTTP transport on a fixed port
  opsbridge mcp --http 127.0.0.1:9096`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP(cmd.Context(), root, httpAddr)
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "Serve over HTTP on this address instead of stdio")

	return cmd
}

func runMCP(ctx context.Context, root *RootCommand, httpAddr string) error {
	a, err := app.New(root.Config(), cliVersion)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if httpAddr != "" {
		server := query.NewHTTPServer(httpAddr, a.Adapter(), cliVersion)
		return server.Run(ctx, 15*time.Second)
	}

	server := query.NewStdioServer(a.Adapter(), os.Stdin, os.Stdout)
	return server.Serve(ctx)
}
