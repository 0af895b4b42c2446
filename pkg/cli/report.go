package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nlin88/opsbridge/pkg/app"
	"github.com/nlin88/opsbridge/pkg/artifact"
	"github.com/nlin88/opsbridge/pkg/health"
)

func NewReportCommand(root *RootCommand) *cobra.Command {
	var (
		kind    string
		format  string
		outPath string
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Run one polling tick and print the result",
		Long: `Collect the configured KPIs and service states once, without
starting the scheduler, and render the result.

Kinds:
  health  the full health report
  kpis    only the KPI list`,
		Example: `  # Markdown health report on stdout
  opsbridge report

  # KPI list as JSON, written atomically to a file
  opsbridge report --kind kpis --format json --out /tmp/kpis.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReport(cmd.Context(), root, kind, format, outPath)
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "health", "Report kind (health, kpis)")
	cmd.Flags().StringVar(&format, "format", "markdown", "Rendering (markdown, json, yaml)")
	cmd.Flags().StringVar(&outPath, "out", "", "Write to this file instead of stdout")

	return cmd
}

func runReport(ctx context.Context, root *RootCommand, kind, format, outPath string) error {
	a, err := app.New(root.Config(), cliVersion)
	if err != nil {
		return err
	}

	report, err := a.Poller().RunOnce(ctx)
	if err != nil {
		return err
	}

	rendered, err := renderReport(report, kind, format)
	if err != nil {
		return err
	}

	if outPath != "" {
		return a.Writer().WriteFile(outPath, []byte(rendered))
	}
	fmt.Fprint(root.OutputOptions().Writer, rendered)
	return nil
}

func renderReport(report *health.Report, kind, format string) (string, error) {
	var subject any
	switch kind {
	case "health":
		subject = report
	case "kpis":
		subject = report.KPIs
	default:
		return "", fmt.Errorf("unknown report kind %q (want health or kpis)", kind)
	}

	switch format {
	case "markdown":
		if kind == "kpis" {
			trimmed := &health.Report{Timestamp: report.Timestamp, KPIs: report.KPIs}
			return artifact.RenderHealthMarkdown(trimmed), nil
		}
		return artifact.RenderHealthMarkdown(report), nil
	case "json":
		data, err := json.MarshalIndent(subject, "", "  ")
		if err != nil {
			return "", err
		}
		return string(data) + "\n", nil
	case "yaml":
		data, err := yaml.Marshal(subject)
		if err != nil {
			return "", err
		}
		return string(data), nil
	default:
		return "", fmt.Errorf("unknown format %q (want markdown, json or yaml)", format)
	}
}
