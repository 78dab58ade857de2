// Package orchestrator decides when each container's shadow repository is
// synced. Syncs for a container never overlap, bursts of file changes are
// debounced into a single sync, and results are broadcast to the
// container's subscribers.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/wodexiaobai322/claude-code-sandbox/pkg/errors"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/events"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/fswatch"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/process"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/runtime"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/shadow"
)

// Broadcaster delivers an event to every subscriber of a container.
type Broadcaster interface {
	Broadcast(containerID, event string, data interface{})
}

// TransferSelector picks the transfer strategy for each container.
type TransferSelector interface {
	shadow.TransferPicker
	Forget(containerID string)
}

// SyncComplete is the payload of events.SyncComplete.
type SyncComplete struct {
	HasChanges  bool             `json:"hasChanges"`
	Summary     string           `json:"summary"`
	ShadowPath  string           `json:"shadowPath"`
	DiffData    *shadow.DiffData `json:"diffData"`
	ContainerID string           `json:"containerId"`
}

// Config configures the orchestrator.
type Config struct {
	OriginalRepo  string
	TargetBranch  string
	ShadowRoot    string
	WorkspacePath string
	Owner         string

	// Debounce is how long the workspace must be quiet before a change is
	// synced.
	Debounce time.Duration

	// Timeout bounds each sync. Zero means no bound.
	Timeout time.Duration
}

type watchFunc func(ctx context.Context, rt runtime.Runtime, containerID, path string) (*fswatch.Watcher, error)

// Orchestrator syncs the shadow repositories of running containers.
type Orchestrator struct {
	cfg         Config
	rt          runtime.Runtime
	runner      process.Runner
	repos       *shadow.Registry
	transfers   TransferSelector
	broadcaster Broadcaster
	clock       clockwork.Clock
	log         *logrus.Logger
	watch       watchFunc

	lock   sync.Mutex
	states map[string]*syncState
}

// syncState is the per-container sync state.
type syncState struct {
	// gate holds a token while a sync is running.
	gate chan struct{}

	// cancel stops the running sync. released is set once the container
	// has been released, after which nothing may touch its repository.
	cancel   context.CancelFunc
	released bool

	// debounce is closed to cancel the pending debounced sync.
	debounce chan struct{}

	watcher     *fswatch.Watcher
	stopMonitor chan struct{}
	monitorDone chan struct{}
}

// New returns an orchestrator that stores shadow repositories in `repos`.
func New(log *logrus.Logger, cfg Config, rt runtime.Runtime, runner process.Runner,
	repos *shadow.Registry, transfers TransferSelector, broadcaster Broadcaster,
	clock clockwork.Clock) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		rt:          rt,
		runner:      runner,
		repos:       repos,
		transfers:   transfers,
		broadcaster: broadcaster,
		clock:       clock,
		log:         log,
		watch:       fswatch.Watch,
		states:      map[string]*syncState{},
	}
}

func (o *Orchestrator) state(containerID string) *syncState {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.stateLocked(containerID)
}

func (o *Orchestrator) stateLocked(containerID string) *syncState {
	st, ok := o.states[containerID]
	if !ok {
		st = &syncState{gate: make(chan struct{}, 1)}
		o.states[containerID] = st
	}
	return st
}

// InProgress returns whether a sync is running for the container.
func (o *Orchestrator) InProgress(containerID string) bool {
	return len(o.state(containerID).gate) == 1
}

func (o *Orchestrator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.cfg.Timeout)
}

func (o *Orchestrator) logger(containerID string) *logrus.Entry {
	return o.log.WithField("container", runtime.ShortID(containerID))
}

// RequestSync syncs the container's shadow repository and broadcasts the
// result. If a sync is already running for the container, it returns
// ErrSyncInProgress without doing anything: the running sync, or the next
// one, picks up any newer changes.
func (o *Orchestrator) RequestSync(ctx context.Context, containerID string) error {
	st := o.state(containerID)
	select {
	case st.gate <- struct{}{}:
	default:
		return errors.ErrSyncInProgress
	}

	var res SyncComplete
	err := o.run(ctx, st, func(ctx context.Context) (err error) {
		res, err = o.sync(ctx, containerID)
		return err
	})
	if err != nil {
		o.logger(containerID).WithError(err).Warn("Sync failed")
		o.broadcaster.Broadcast(containerID, events.SyncError, events.Message{Message: err.Error()})
		return err
	}

	o.logger(containerID).WithField("summary", res.Summary).Info("Sync complete")
	o.broadcaster.Broadcast(containerID, events.SyncComplete, res)
	return nil
}

func (o *Orchestrator) sync(ctx context.Context, containerID string) (SyncComplete, error) {
	repo, _ := o.repos.GetOrCreate(containerID, func() *shadow.Repository {
		return shadow.New(shadow.Options{
			OriginalRepo:  o.cfg.OriginalRepo,
			ContainerID:   containerID,
			TargetBranch:  o.cfg.TargetBranch,
			Root:          o.cfg.ShadowRoot,
			WorkspacePath: o.cfg.WorkspacePath,
			Owner:         o.cfg.Owner,
		}, o.rt, o.runner, o.transfers)
	})

	isNew := !repo.Initialized()
	if err := repo.Sync(ctx); err != nil {
		return SyncComplete{}, err
	}

	// The first sync pulls in whatever the container started with. Commit
	// it, so that the reported changes are only the ones made inside the
	// container.
	if isNew {
		if err := repo.EstablishBaseline(ctx); err != nil {
			o.logger(containerID).WithError(err).Warn("Could not establish baseline")
		}
	}

	changes, err := repo.Changes(ctx)
	if err != nil {
		return SyncComplete{}, errors.WithContext(err, "get changes")
	}

	res := SyncComplete{
		HasChanges:  changes.HasChanges,
		Summary:     changes.Summary,
		ShadowPath:  repo.Path(),
		ContainerID: containerID,
	}
	if changes.HasChanges {
		diffData, err := repo.DiffData(ctx)
		if err != nil {
			return SyncComplete{}, errors.WithContext(err, "get diff")
		}
		res.DiffData = &diffData
	}
	return res, nil
}

// Notify records that the container's workspace changed. The sync runs
// once no further changes have been reported for the debounce period.
func (o *Orchestrator) Notify(containerID string) {
	o.lock.Lock()
	st := o.stateLocked(containerID)
	if st.debounce != nil {
		close(st.debounce)
	}
	cancel := make(chan struct{})
	st.debounce = cancel
	o.lock.Unlock()

	go func() {
		select {
		case <-o.clock.After(o.cfg.Debounce):
		case <-cancel:
			return
		}

		o.lock.Lock()
		current := st.debounce == cancel
		if current {
			st.debounce = nil
		}
		o.lock.Unlock()

		if current {
			o.RequestSync(context.Background(), containerID)
		}
	}()
}

// StartMonitoring syncs the container, and then keeps syncing it whenever
// its workspace changes. If the container can't be watched, it's only
// synced when requested.
func (o *Orchestrator) StartMonitoring(ctx context.Context, containerID string) error {
	o.StopMonitoring(containerID)
	o.logger(containerID).Info("Starting file monitoring")

	if err := o.RequestSync(ctx, containerID); err != nil && err != errors.ErrSyncInProgress {
		o.logger(containerID).WithError(err).Debug("Initial sync failed")
	}

	watcher, err := o.watch(ctx, o.rt, containerID, o.cfg.WorkspacePath)
	if err != nil {
		return errors.WithContext(err, "watch workspace")
	}

	stop := make(chan struct{})
	done := make(chan struct{})

	o.lock.Lock()
	st := o.stateLocked(containerID)
	st.watcher = watcher
	st.stopMonitor = stop
	st.monitorDone = done
	o.lock.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-watcher.Events():
				o.Notify(containerID)
			case <-watcher.Stopped():
				return
			case <-stop:
				return
			}
		}
	}()
	return nil
}

// StopMonitoring stops watching the container and cancels any pending
// debounced sync. It returns once the watcher has been stopped.
func (o *Orchestrator) StopMonitoring(containerID string) {
	o.lock.Lock()
	st, ok := o.states[containerID]
	if !ok {
		o.lock.Unlock()
		return
	}

	watcher, stop, done := st.watcher, st.stopMonitor, st.monitorDone
	st.watcher, st.stopMonitor, st.monitorDone = nil, nil, nil
	if st.debounce != nil {
		close(st.debounce)
		st.debounce = nil
	}
	o.lock.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	if watcher != nil {
		watcher.Stop()
	}
}

// Release stops monitoring the container and removes its shadow
// repository. A running sync is cancelled, and the repository is only
// removed once it has returned.
func (o *Orchestrator) Release(containerID string) {
	o.StopMonitoring(containerID)

	o.lock.Lock()
	st := o.stateLocked(containerID)
	st.released = true
	if st.cancel != nil {
		st.cancel()
	}
	o.lock.Unlock()

	st.gate <- struct{}{}
	if repo, ok := o.repos.Remove(containerID); ok {
		repo.Cleanup()
	}
	o.transfers.Forget(containerID)

	o.lock.Lock()
	if o.states[containerID] == st {
		delete(o.states, containerID)
	}
	o.lock.Unlock()
	<-st.gate

	o.logger(containerID).Info("Released container")
}

// Commit syncs the container and commits its changes. It waits for any
// running sync to finish first.
func (o *Orchestrator) Commit(ctx context.Context, containerID, message string) (string, error) {
	err := o.exclusive(ctx, containerID, func(ctx context.Context, repo *shadow.Repository) error {
		return repo.Commit(ctx, message)
	})
	if err != nil {
		return "", err
	}
	return "Changes committed successfully", nil
}

// Push syncs the container and pushes its shadow repository to origin.
// If `branch` is set, it's checked out first.
func (o *Orchestrator) Push(ctx context.Context, containerID, branch string) (string, error) {
	err := o.exclusive(ctx, containerID, func(ctx context.Context, repo *shadow.Repository) error {
		return repo.Push(ctx, branch)
	})
	if err != nil {
		return "", err
	}
	return "Changes pushed successfully", nil
}

func (o *Orchestrator) exclusive(ctx context.Context, containerID string,
	fn func(context.Context, *shadow.Repository) error) error {
	repo, ok := o.repos.Get(containerID)
	if !ok {
		return errors.ErrShadowNotFound
	}

	st := o.state(containerID)
	select {
	case st.gate <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	return o.run(ctx, st, func(ctx context.Context) error {
		return fn(ctx, repo)
	})
}

// run calls fn with the gate held, which the caller must have taken. The
// gate is given back when fn returns. fn's context is cancelled if the
// container is released meanwhile.
func (o *Orchestrator) run(ctx context.Context, st *syncState, fn func(context.Context) error) error {
	defer func() { <-st.gate }()

	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	o.lock.Lock()
	if st.released {
		o.lock.Unlock()
		return errors.ErrShadowNotFound
	}
	st.cancel = cancel
	o.lock.Unlock()

	defer func() {
		o.lock.Lock()
		st.cancel = nil
		o.lock.Unlock()
	}()
	return fn(ctx)
}
