package start

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/wodexiaobai322/claude-code-sandbox/cmd/serve"
	"github.com/wodexiaobai322/claude-code-sandbox/cmd/util"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/config"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/errors"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/process"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/runtime"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/sandbox"
)

// New creates a new `start` command.
func New() *cobra.Command {
	var repo, name string
	var noWeb bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a sandbox for the repository, and serve its web UI",
		Run: func(_ *cobra.Command, _ []string) {
			ctx := serve.SignalContext()

			cfg, err := config.ParseSandbox()
			if err != nil {
				util.HandleFatalError(errors.WithContext(err, "parse config"))
			}

			repoPath, err := serve.ResolveRepo(repo)
			if err != nil {
				util.HandleFatalError(err)
			}

			rt, err := util.NewRuntime(ctx)
			if err != nil {
				util.HandleFatalError(err)
			}

			created, err := sandbox.Create(ctx, rt, process.NewRunner(), sandbox.Options{
				Config:   cfg,
				RepoPath: repoPath,
				Name:     name,
			})
			if err != nil {
				util.HandleFatalError(errors.WithContext(err, "start sandbox"))
			}
			fmt.Printf("Started sandbox %s\n", runtime.ShortID(created.ID))

			if noWeb {
				fmt.Printf("Attach with `claude-sandbox attach %s`\n", runtime.ShortID(created.ID))
				return
			}

			err = serve.Run(ctx, rt, ServeOptions(cfg, repoPath, created))
			if err != nil {
				util.HandleFatalError(errors.WithContext(err, "serve web UI"))
			}
			log.Info("Web UI stopped. The sandbox is still running.")
		},
	}
	cmd.Flags().StringVar(&repo, "repo", "",
		"The repository to copy into the sandbox. Defaults to the current directory.")
	cmd.Flags().StringVar(&name, "name", "",
		"The container name. Defaults to the configured prefix and a timestamp.")
	cmd.Flags().BoolVar(&noWeb, "no-web", false,
		"Don't serve the web UI after starting the sandbox.")
	return cmd
}

// ServeOptions configures the web server for a newly created sandbox, so
// that its shadow repository tracks the session's branch.
func ServeOptions(cfg config.Sandbox, repoPath string, created sandbox.Container) serve.Options {
	return serve.Options{
		Config:   cfg,
		RepoPath: repoPath,
		Branch:   created.Branch,
	}
}
