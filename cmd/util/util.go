package util

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime/debug"

	log "github.com/sirupsen/logrus"

	"github.com/wodexiaobai322/claude-code-sandbox/pkg/errors"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/runtime/docker"
)

var (
	// ErrMissingContainer is returned when a command that operates on a
	// container isn't given one.
	ErrMissingContainer = errors.NewFriendlyError("A container ID or name is required.")

	// ErrTooManyContainers is returned when a command that operates on a
	// single container is given several.
	ErrTooManyContainers = errors.NewFriendlyError("Only one container may be specified.")
)

// Mocked out for unit testing.
var (
	exit             = os.Exit
	stderr io.Writer = os.Stderr
)

// HandleFatalError prints the error, and exits.
func HandleFatalError(err error) {
	log.WithError(err).Debug("Fatal error")
	fmt.Fprintln(stderr, errors.GetPrintableMessage(err))
	exit(1)
}

// HandlePanic logs a recovered panic along with its stack trace, and exits.
// It must be deferred directly so that recover works.
func HandlePanic() {
	if r := recover(); r != nil {
		log.WithField("stack", string(debug.Stack())).
			Errorf("Unexpected panic: %v", r)
		exit(1)
	}
}

// NewRuntime connects to the Docker daemon.
func NewRuntime(ctx context.Context) (*docker.Runtime, error) {
	rt, err := docker.New()
	if err != nil {
		return nil, err
	}

	if err := rt.Ping(ctx); err != nil {
		return nil, err
	}
	return rt, nil
}
