// Package process runs host-side commands, such as git, with a working
// directory and captured output.
package process

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/wodexiaobai322/claude-code-sandbox/pkg/errors"
)

// DefaultTimeout bounds commands whose context has no deadline.
const DefaultTimeout = 5 * time.Minute

// Command describes a host process to run.
type Command struct {
	Name string
	Args []string

	// Dir is the working directory. The current directory is used if it's
	// empty.
	Dir string

	// Env is appended to the current environment.
	Env []string
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Result is the captured output of a finished command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner runs commands on the host.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// NewRunner returns a Runner backed by os/exec.
func NewRunner() ExecRunner {
	return ExecRunner{}
}

// Mocked out for unit testing.
var commandContext = exec.CommandContext

// Run runs `cmd` and waits for it to exit. A non-zero exit status is returned
// as an errors.CommandError that carries the combined output.
func (ExecRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	c := commandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) != 0 {
		c.Env = append(c.Environ(), cmd.Env...)
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if ctx.Err() == context.DeadlineExceeded {
		return res, errors.WithContext(ctx.Err(), cmd.String())
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			return res, errors.CommandError{
				Command:  cmd.String(),
				ExitCode: res.ExitCode,
				Output:   strings.TrimSpace(res.Stderr + res.Stdout),
			}
		}
		return res, errors.WithContext(err, cmd.String())
	}
	return res, nil
}

// Output runs the command and returns its trimmed stdout.
func Output(ctx context.Context, runner Runner, cmd Command) (string, error) {
	res, err := runner.Run(ctx, cmd)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}
