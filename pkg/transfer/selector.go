package transfer

import (
	"context"
	gosync "sync"

	log "github.com/sirupsen/logrus"

	"github.com/wodexiaobai322/claude-code-sandbox/pkg/runtime"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/strategy"
)

// Selector picks the transfer strategy for each container. The choice is
// made once and reused until the container is forgotten.
type Selector struct {
	rt runtime.Runtime

	lock   gosync.Mutex
	chosen map[string]Strategy
}

// NewSelector returns a selector for containers managed by `rt`.
func NewSelector(rt runtime.Runtime) *Selector {
	return &Selector{rt: rt, chosen: map[string]Strategy{}}
}

// For returns the strategy for the container. rsync is used if it's
// available in the container or can be installed.
func (s *Selector) For(ctx context.Context, containerID string) Strategy {
	s.lock.Lock()
	defer s.lock.Unlock()

	if chosen, ok := s.chosen[containerID]; ok {
		return chosen
	}

	logger := log.WithField("container", runtime.ShortID(containerID))

	var chosen Strategy = Rsync{Runtime: s.rt}
	if err := runtime.EnsureBinary(ctx, logger, s.rt, containerID, "rsync", "rsync"); err != nil {
		logger.WithError(err).Warn("rsync is unavailable. Falling back to archive copies.")
		chosen = Archive{Runtime: s.rt}
	}

	// A cancelled probe says nothing about the container, so try again
	// next time.
	if ctx.Err() == nil {
		s.chosen[containerID] = chosen
	}
	return chosen
}

// Forget drops the cached choice for the container.
func (s *Selector) Forget(containerID string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.chosen, containerID)
}

// FixOwnership gives `owner` ownership of `path` in the container. It's
// best effort: failures are logged and otherwise ignored.
func FixOwnership(ctx context.Context, rt runtime.Runtime, containerID, path, owner string) {
	chown := []string{"chown", "-R", owner + ":" + owner, path}
	attempt := func(opts runtime.ExecOptions) func(context.Context) error {
		return func(ctx context.Context) error {
			_, err := rt.Exec(ctx, containerID, opts)
			return err
		}
	}

	logger := log.WithField("container", runtime.ShortID(containerID))
	_, err := strategy.First(ctx, logger, []strategy.Strategy{
		{Name: "root", Attempt: attempt(runtime.ExecOptions{User: "root", Cmd: chown})},
		{Name: "user", Attempt: attempt(runtime.ExecOptions{Cmd: chown})},
		{Name: "sudo", Attempt: attempt(runtime.ExecOptions{Cmd: append([]string{"sudo"}, chown...)})},
	})
	if err != nil {
		logger.WithError(err).WithField("path", path).Warn("Failed to fix file ownership")
	}
}
