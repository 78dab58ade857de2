// Package strategy runs ordered fallback chains, such as the clone and
// package manager fallbacks, and reports which step succeeded.
package strategy

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/wodexiaobai322/claude-code-sandbox/pkg/errors"
)

// Strategy is one named way of performing an operation.
type Strategy struct {
	Name    string
	Attempt func(ctx context.Context) error
}

// FailedError is returned by First when every strategy failed.
type FailedError struct {
	Failures []Failure
}

// Failure records why a single strategy failed.
type Failure struct {
	Name string
	Err  error
}

func (err FailedError) Error() string {
	if len(err.Failures) == 0 {
		return "no strategies to try"
	}

	var msgs []string
	for _, f := range err.Failures {
		msgs = append(msgs, fmt.Sprintf("%s: %s", f.Name, f.Err))
	}
	return fmt.Sprintf("all strategies failed (%s)", strings.Join(msgs, "; "))
}

// First attempts each strategy in order and returns the name of the first
// one that succeeds. The remaining strategies aren't attempted. If the
// context is cancelled between attempts, the context's error is returned.
func First(ctx context.Context, log logrus.FieldLogger, strategies []Strategy) (string, error) {
	var failed FailedError
	for _, s := range strategies {
		if err := ctx.Err(); err != nil {
			return "", errors.WithContext(err, s.Name)
		}

		err := s.Attempt(ctx)
		if err == nil {
			return s.Name, nil
		}

		log.WithError(err).WithField("strategy", s.Name).Debug("Strategy failed")
		failed.Failures = append(failed.Failures, Failure{s.Name, err})
	}
	return "", failed
}
