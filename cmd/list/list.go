package list

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wodexiaobai322/claude-code-sandbox/cmd/util"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/config"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/errors"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/runtime"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/sandbox"
)

// Mocked for unit testing.
var stdout io.Writer = os.Stdout

// New creates a new `list` command.
func New() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sandbox containers",
		Run: func(_ *cobra.Command, _ []string) {
			cfg, err := config.ParseSandbox()
			if err != nil {
				util.HandleFatalError(errors.WithContext(err, "parse config"))
			}

			ctx := context.Background()
			rt, err := util.NewRuntime(ctx)
			if err != nil {
				util.HandleFatalError(err)
			}

			if err := Run(ctx, rt, cfg, all); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include stopped containers.")
	return cmd
}

// Run prints a table of the sandbox containers.
func Run(ctx context.Context, rt runtime.Runtime, cfg config.Sandbox, all bool) error {
	containers, err := sandbox.List(ctx, rt, cfg, all)
	if err != nil {
		return err
	}

	if len(containers) == 0 {
		fmt.Fprintln(stdout, "No sandbox containers found.")
		return nil
	}

	w := tabwriter.NewWriter(stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "CONTAINER ID\tNAME\tSTATE\tCREATED")
	for _, c := range containers {
		created := "-"
		if !c.Created.IsZero() {
			created = c.Created.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", runtime.ShortID(c.ID), c.Name, c.State, created)
	}
	return w.Flush()
}
