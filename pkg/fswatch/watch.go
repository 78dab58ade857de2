package fswatch

import (
	"bufio"
	"context"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/wodexiaobai322/claude-code-sandbox/pkg/errors"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/runtime"
)

// ExcludeRegex is the inotifywait exclusion for paths that never need to be
// synced.
const ExcludeRegex = `(\.git|node_modules|\.next|__pycache__|\.venv)`

// Watcher reports changes to a directory tree inside a container. It runs
// inotifywait in the container and never restarts it.
type Watcher struct {
	events  chan struct{}
	stopped chan struct{}

	stream   runtime.Stream
	done     chan struct{}
	stopOnce sync.Once
}

// Watch starts watching `path` inside the container. If inotifywait isn't
// available and can't be installed, Watch returns a watcher that never
// fires, so that the container is only synced on demand.
func Watch(ctx context.Context, rt runtime.Runtime, containerID, path string) (*Watcher, error) {
	logger := log.WithField("container", runtime.ShortID(containerID))
	if err := runtime.EnsureBinary(ctx, logger, rt, containerID, "inotifywait", "inotify-tools"); err != nil {
		logger.WithError(err).Warn("Failed to install inotify-tools. " +
			"Changes will only be synced on demand.")
		return &Watcher{}, nil
	}

	stream, err := rt.ExecStream(ctx, containerID, runtime.ExecOptions{
		Cmd: []string{"inotifywait", "-m", "-r",
			"-e", "modify,create,delete,move",
			"--format", "%w%f %e",
			path,
			"--exclude", ExcludeRegex},
	})
	if err != nil {
		return nil, errors.WithContext(err, "start inotifywait")
	}

	w := &Watcher{
		stopped: make(chan struct{}),
		stream:  stream,
		done:    make(chan struct{}),
	}

	lines := make(chan string)
	w.events = combineUpdates(lines)
	go w.read(logger, lines)
	return w, nil
}

func (w *Watcher) read(logger log.FieldLogger, lines chan<- string) {
	defer close(w.done)
	defer close(w.stopped)
	defer close(lines)

	scanner := bufio.NewScanner(w.stream)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		logger.WithField("event", line).Debug("File change detected")
		lines <- line
	}

	if err := scanner.Err(); err != nil {
		logger = logger.WithError(err)
	}
	logger.Info("Monitoring stopped")
}

// Events fires when something in the watched tree changed. Bursts of
// changes may be reported as a single event. The channel is nil for
// watchers that never fire.
func (w *Watcher) Events() <-chan struct{} {
	return w.events
}

// Stopped is closed once the watcher process exits. It is nil for watchers
// that never fire.
func (w *Watcher) Stopped() <-chan struct{} {
	return w.stopped
}

// Stop kills the watcher process, and waits for it to be cleaned up.
func (w *Watcher) Stop() {
	if w.stream == nil {
		return
	}

	w.stopOnce.Do(func() {
		if err := w.stream.Close(); err != nil {
			log.WithError(err).Debug("Failed to close inotifywait stream")
		}
	})
	<-w.done
}

func combineUpdates(updates <-chan string) chan struct{} {
	combined := make(chan struct{}, 1)
	go func() {
		for range updates {
			select {
			case combined <- struct{}{}:
			default:
			}
		}
	}()
	return combined
}
