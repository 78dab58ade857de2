package serve

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/wodexiaobai322/claude-code-sandbox/cmd/util"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/config"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/errors"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/orchestrator"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/process"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/relay"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/runtime"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/server"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/shadow"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/transfer"
)

// initialResizeDelay gives the session time to start before it's resized
// to the browser's terminal.
const initialResizeDelay = 100 * time.Millisecond

// DefaultBranch is the shadow repository's branch when neither the sandbox
// nor the config names one, so that changes are never pushed to the
// branch the sandbox was started from.
const DefaultBranch = "claude-changes"

// Options configures the web server.
type Options struct {
	Config config.Sandbox

	// RepoPath is the host repository the sandboxes were started from.
	RepoPath string

	// Branch is the branch the sandbox's session works on. It takes
	// precedence over the configured targetBranch.
	Branch string

	// Port overrides the configured port if it's set.
	Port int
}

// New creates a new `serve` command.
func New() *cobra.Command {
	var opts Options
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the web UI for running sandboxes",
		Long: "Serve the web UI for running sandboxes. Browsers attach to the " +
			"sandbox's terminal, and its changes are synced into a shadow " +
			"repository on the host, where they can be reviewed, committed " +
			"and pushed.",
		Run: func(_ *cobra.Command, _ []string) {
			ctx := SignalContext()

			var err error
			opts.Config, err = config.ParseSandbox()
			if err != nil {
				util.HandleFatalError(errors.WithContext(err, "parse config"))
			}

			if opts.RepoPath, err = ResolveRepo(opts.RepoPath); err != nil {
				util.HandleFatalError(err)
			}

			rt, err := util.NewRuntime(ctx)
			if err != nil {
				util.HandleFatalError(err)
			}

			if err := Run(ctx, rt, opts); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&opts.RepoPath, "repo", "",
		"The repository the sandboxes were started from. Defaults to the current directory.")
	cmd.Flags().IntVar(&opts.Port, "port", 0,
		"The port to serve on. Defaults to the configured webPort.")
	return cmd
}

// Run serves the web UI until the context is cancelled. On shutdown, the
// shadow repositories are cleaned up.
func Run(ctx context.Context, rt runtime.Runtime, opts Options) error {
	cfg := opts.Config
	logger := log.StandardLogger()
	runner := process.NewRunner()
	repos := shadow.NewRegistry()

	// The relay's hooks and the orchestrator's broadcasts refer to each
	// other, so the hooks close over the orchestrator.
	var orch *orchestrator.Orchestrator
	sessions := relay.New(logger, relay.Config{
		Command:            cfg.SessionCommand,
		User:               cfg.SessionUser,
		WorkingDir:         cfg.WorkspacePath,
		HistoryBytes:       cfg.HistoryBytes,
		InitialResizeDelay: initialResizeDelay,
	}, rt, clockwork.NewRealClock(), relay.Hooks{
		OnStart: func(containerID string) {
			if err := orch.StartMonitoring(ctx, containerID); err != nil {
				logger.WithError(err).WithField("container", runtime.ShortID(containerID)).
					Warn("Failed to start monitoring")
			}
		},
		OnEnd: func(containerID string) {
			orch.Release(containerID)
		},
	})

	orch = orchestrator.New(logger, orchestratorConfig(opts), rt, runner, repos,
		transfer.NewSelector(rt), sessions, clockwork.NewRealClock())

	port := cfg.WebPort
	if opts.Port != 0 {
		port = opts.Port
	}
	srv := server.New(logger, server.Config{
		Port:            port,
		OriginalRepo:    opts.RepoPath,
		ContainerPrefix: cfg.ContainerPrefix,
	}, rt, runner, sessions, orch, repos)

	ln, err := srv.Listen()
	if err != nil {
		return errors.WithContext(err, "listen")
	}

	err = srv.Serve(ctx, ln)
	for _, repo := range repos.All() {
		orch.Release(repo.ContainerID())
	}
	return err
}

func orchestratorConfig(opts Options) orchestrator.Config {
	cfg := opts.Config
	branch := opts.Branch
	if branch == "" {
		branch = cfg.TargetBranch
	}
	if branch == "" {
		branch = DefaultBranch
	}

	return orchestrator.Config{
		OriginalRepo:  opts.RepoPath,
		TargetBranch:  branch,
		ShadowRoot:    cfg.ShadowRoot,
		WorkspacePath: cfg.WorkspacePath,
		Owner:         cfg.SessionUser,
		Debounce:      cfg.SyncDebounce(),
		Timeout:       cfg.SyncTimeout(),
	}
}

// SignalContext returns a context that's cancelled on SIGINT or SIGTERM.
func SignalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.WithField("signal", sig).Info("Shutting down")
		cancel()
	}()
	return ctx
}

// ResolveRepo defaults the repository path to the working directory.
func ResolveRepo(path string) (string, error) {
	if path != "" {
		return path, nil
	}

	wd, err := os.Getwd()
	if err != nil {
		return "", errors.WithContext(err, "get working directory")
	}
	return wd, nil
}
