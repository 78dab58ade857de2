package attach

import (
	"context"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh/terminal"

	"github.com/wodexiaobai322/claude-code-sandbox/cmd/util"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/config"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/errors"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/runtime"
)

// Mocked out for unit testing.
var (
	stdin  io.Reader = os.Stdin
	stdout io.Writer = os.Stdout

	makeRaw = func() (func(), error) {
		// Put the terminal into raw mode to prevent it echoing characters
		// twice.
		oldState, err := terminal.MakeRaw(0)
		if err != nil {
			return nil, err
		}
		return func() { _ = terminal.Restore(0, oldState) }, nil
	}
	terminalSize = func() (runtime.Size, error) {
		width, height, err := terminal.GetSize(0)
		return runtime.Size{Cols: uint(width), Rows: uint(height)}, err
	}
)

// New creates a new `attach` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "attach CONTAINER",
		Short: "Attach the local terminal to a sandbox's session",
		Run: func(cmd *cobra.Command, args []string) {
			switch len(args) {
			case 0:
				util.HandleFatalError(util.ErrMissingContainer)
			case 1:
			default:
				util.HandleFatalError(util.ErrTooManyContainers)
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

			if err := Run(ctx, rt, cfg, args[0]); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
}

// Run starts a session in the container, and connects it to the local
// terminal until the session exits.
func Run(ctx context.Context, rt runtime.Runtime, cfg config.Sandbox, container string) error {
	stream, err := rt.ExecStream(ctx, container, runtime.ExecOptions{
		Cmd:        cfg.SessionCommand,
		User:       cfg.SessionUser,
		WorkingDir: cfg.WorkspacePath,
		Env:        []string{"TERM=xterm-256color", "COLORTERM=truecolor"},
		Tty:        true,
		Stdin:      true,
	})
	if err != nil {
		return errors.WithContext(err, "start session")
	}
	defer stream.Close()

	if size, err := terminalSize(); err == nil {
		if err := stream.Resize(ctx, size); err != nil {
			log.WithError(err).Debug("Failed to set terminal size")
		}
	}

	restore, err := makeRaw()
	if err != nil {
		return errors.WithContext(err, "set terminal mode")
	}
	defer restore()

	// Input is copied until the session ends. The copy from stdin is
	// abandoned then, since reads from a terminal can't be interrupted.
	go io.Copy(stream, stdin) // nolint: errcheck

	if _, err := io.Copy(stdout, stream); err != nil {
		return errors.WithContext(err, "read session")
	}
	return nil
}
