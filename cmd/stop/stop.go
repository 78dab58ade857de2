package stop

import (
	"context"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/wodexiaobai322/claude-code-sandbox/cmd/util"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/config"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/errors"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/runtime"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/sandbox"
)

// Mocked for unit testing.
var stdout io.Writer = os.Stdout

// New creates a new `stop` command.
func New() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "stop [CONTAINER...]",
		Short: "Stop and remove sandbox containers",
		Run: func(_ *cobra.Command, args []string) {
			if len(args) == 0 && !all {
				util.HandleFatalError(util.ErrMissingContainer)
			}

			cfg, err := config.ParseSandbox()
			if err != nil {
				util.HandleFatalError(errors.WithContext(err, "parse config"))
			}

			ctx := context.Background()
			rt, err := util.NewRuntime(ctx)
			if err != nil {
				util.HandleFatalError(err)
			}

			if err := Run(ctx, rt, cfg, args, all); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Stop every sandbox container.")
	return cmd
}

// Run removes the given containers, or every sandbox container if `all`
// is set. Every container is attempted even if some fail.
func Run(ctx context.Context, rt runtime.Runtime, cfg config.Sandbox, ids []string, all bool) error {
	if all {
		containers, err := sandbox.List(ctx, rt, cfg, true)
		if err != nil {
			return err
		}

		ids = nil
		for _, c := range containers {
			ids = append(ids, c.ID)
		}
	}

	if len(ids) == 0 {
		fmt.Fprintln(stdout, "No sandbox containers to stop.")
		return nil
	}

	var failed int
	for _, id := range ids {
		if err := sandbox.Remove(ctx, rt, id); err != nil {
			log.WithError(err).WithField("container", runtime.ShortID(id)).Error("Failed to stop container")
			failed++
			continue
		}
		fmt.Fprintf(stdout, "Stopped %s\n", runtime.ShortID(id))
	}

	if failed != 0 {
		return errors.NewFriendlyError("Failed to stop %d of %d containers.", failed, len(ids))
	}
	return nil
}
