// Package shadow maintains host-side git working trees that mirror the
// workspaces of running containers. Changes made inside a container can be
// reviewed, committed and pushed from its shadow repository without
// mounting any host directory into the container.
package shadow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	gosync "sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/wodexiaobai322/claude-code-sandbox/pkg/process"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/runtime"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/transfer"
)

var (
	// Mocked out for unit testing.
	fs    afero.Fs = afero.NewOsFs()
	sleep          = time.Sleep
)

const (
	cleanupAttempts = 3
	cleanupBackoff  = 100 * time.Millisecond
)

// State is the lifecycle stage of a repository.
type State int

const (
	// Uninitialized repositories haven't been created on disk yet.
	Uninitialized State = iota
	Initializing
	Ready
	Syncing
	CleanedUp
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Syncing:
		return "syncing"
	case CleanedUp:
		return "cleaned up"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// TransferPicker chooses how a container's workspace is copied out.
type TransferPicker interface {
	For(ctx context.Context, containerID string) transfer.Strategy
}

// Options configure a shadow repository.
type Options struct {
	// OriginalRepo is the host repository the container's workspace was
	// created from.
	OriginalRepo string

	ContainerID string

	// TargetBranch is checked out in the shadow repository if it differs
	// from the original repository's branch.
	TargetBranch string

	// Root is the directory that holds every shadow repository.
	Root string

	// WorkspacePath is the directory synced from the container.
	WorkspacePath string

	// Owner is the container user that should own the workspace.
	Owner string
}

// Repository is the shadow repository of a single container.
type Repository struct {
	opts        Options
	sessionID   string
	path        string
	excludeFile string

	rt        runtime.Runtime
	runner    process.Runner
	transfers TransferPicker

	lock        gosync.Mutex
	state       State
	initialized bool
}

// New returns the shadow repository for a container. Nothing is created
// on disk until the repository is initialized.
func New(opts Options, rt runtime.Runtime, runner process.Runner, transfers TransferPicker) *Repository {
	sessionID := runtime.ShortID(opts.ContainerID)
	return &Repository{
		opts:        opts,
		sessionID:   sessionID,
		path:        filepath.Join(opts.Root, sessionID),
		excludeFile: filepath.Join(opts.Root, sessionID+"-excludes.txt"),
		rt:          rt,
		runner:      runner,
		transfers:   transfers,
	}
}

// Path returns the location of the working tree.
func (r *Repository) Path() string {
	return r.path
}

// SessionID returns the identifier used to name the working tree.
func (r *Repository) SessionID() string {
	return r.sessionID
}

// ContainerID returns the container the repository mirrors.
func (r *Repository) ContainerID() string {
	return r.opts.ContainerID
}

// ExcludeFile returns the path of the exclude file used for transfers.
func (r *Repository) ExcludeFile() string {
	return r.excludeFile
}

// State returns the repository's current lifecycle stage.
func (r *Repository) State() State {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.state
}

// Initialized returns whether the working tree has been created.
func (r *Repository) Initialized() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.initialized
}

// setState moves the repository to `state`. CleanedUp is final.
func (r *Repository) setState(state State) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.state != CleanedUp {
		r.state = state
	}
}

func (r *Repository) cleanedUp() bool {
	return r.State() == CleanedUp
}

func (r *Repository) log() *log.Entry {
	return log.WithFields(log.Fields{
		"container": r.sessionID,
		"shadow":    r.path,
	})
}

// Cleanup removes the working tree and exclude file. Removal is retried
// a few times, and a final failure is only logged.
func (r *Repository) Cleanup() {
	r.lock.Lock()
	r.state = CleanedUp
	r.initialized = false
	r.lock.Unlock()

	var err error
	for i := 0; i < cleanupAttempts; i++ {
		if i > 0 {
			sleep(cleanupBackoff)
		}
		if err = fs.RemoveAll(r.path); err == nil {
			break
		}
	}

	if err != nil {
		r.log().WithError(err).Warn("Failed to clean up shadow repository")
	} else {
		r.log().Info("Shadow repository cleaned up")
	}

	if err := fs.Remove(r.excludeFile); err != nil && !os.IsNotExist(err) {
		r.log().WithError(err).Debug("Failed to remove exclude file")
	}
}
