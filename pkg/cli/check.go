package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nlin88/opsbridge/pkg/app"
)

func NewCheckCommand(root *RootCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check backend connectivity",
		Long: `Probe every configured backend dependency and report pass/fail
per dependency without starting any server.

The exit status is non-zero when a required dependency is
unreachable.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd.Context(), root)
		},
	}

	return cmd
}

func runCheck(ctx context.Context, root *RootCommand) error {
	a, err := app.New(root.Config(), cliVersion)
	if err != nil {
		return err
	}

	results, checkErr := a.Preflight(ctx)

	rows := [][]string{{"DEPENDENCY", "REQUIRED", "STATUS"}}
	for _, r := range results {
		status := "ok"
		if !r.OK() {
			status = "fail: " + r.Err.Error()
		}
		rows = append(rows, []string{r.Dependency, fmt.Sprintf("%t", r.Required), status})
	}

	if root.OutputOptions().Format != OutputTable {
		type row struct {
			Dependency string `json:"dependency" yaml:"dependency"`
			Required   bool   `json:"required" yaml:"required"`
			OK         bool   `json:"ok" yaml:"ok"`
			Error      string `json:"error,omitempty" yaml:"error,omitempty"`
		}
		out := make([]row, 0, len(results))
		for _, r := range results {
			item := row{Dependency: r.Dependency, Required: r.Required, OK: r.OK()}
			if r.Err != nil {
				item.Error = r.Err.Error()
			}
			out = append(out, item)
		}
		if err := PrintOutput(out, root.OutputOptions()); err != nil {
			return err
		}
	} else if err := PrintOutput(rows, root.OutputOptions()); err != nil {
		return err
	}

	return checkErr
}
