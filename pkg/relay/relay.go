// Package relay shares one interactive terminal per container between any
// number of subscribers. Output is fanned out to every subscriber and kept
// for replay, and input from any subscriber is written to the terminal.
package relay

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/wodexiaobai322/claude-code-sandbox/pkg/errors"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/events"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/runtime"
)

// ClearScreen is sent before replayed history so that the subscriber's
// terminal starts from a blank screen.
const ClearScreen = "\x1b[2J\x1b[H"

const readBufferSize = 32 * 1024

// Subscriber receives a session's output and events.
type Subscriber interface {
	ID() string
	Output(data []byte)
	Send(event string, data interface{})
}

// Hooks are called as sessions start and end.
type Hooks struct {
	OnStart func(containerID string)
	OnEnd   func(containerID string)
}

// Config configures how sessions are started.
type Config struct {
	Command    []string
	User       string
	WorkingDir string
	Env        []string

	// HistoryBytes bounds the output kept for replay.
	HistoryBytes int

	// InitialResizeDelay is how long to wait after attaching before
	// applying the subscriber's terminal size.
	InitialResizeDelay time.Duration
}

// Session is the terminal of a single container.
type Session struct {
	containerID string

	// ready is closed once the stream is started, or failed to start.
	ready    chan struct{}
	startErr error
	stream   runtime.Stream

	lock        sync.Mutex
	subscribers map[string]Subscriber
	history     *History
	ended       bool
}

// ContainerID returns the container the session runs in.
func (s *Session) ContainerID() string {
	return s.containerID
}

// Subscribers returns the IDs of the attached subscribers.
func (s *Session) Subscribers() []string {
	s.lock.Lock()
	defer s.lock.Unlock()

	var ids []string
	for id := range s.subscribers {
		ids = append(ids, id)
	}
	return ids
}

// HistoryLen returns the number of bytes kept for replay.
func (s *Session) HistoryLen() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.history.Len()
}

// Relay owns the sessions of every container.
type Relay struct {
	cfg   Config
	rt    runtime.Runtime
	clock clockwork.Clock
	hooks Hooks
	log   *logrus.Logger

	lock     sync.Mutex
	sessions map[string]*Session
}

// New returns a relay without any sessions.
func New(log *logrus.Logger, cfg Config, rt runtime.Runtime, clock clockwork.Clock, hooks Hooks) *Relay {
	return &Relay{
		cfg:      cfg,
		rt:       rt,
		clock:    clock,
		hooks:    hooks,
		log:      log,
		sessions: map[string]*Session{},
	}
}

// Session returns the container's session, if it has one.
func (r *Relay) Session(containerID string) (*Session, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()

	sess, ok := r.sessions[containerID]
	return sess, ok
}

// Attach subscribes to the container's session, starting it if needed. A
// subscriber joining a running session is first sent the session's
// history, before any new output.
func (r *Relay) Attach(ctx context.Context, containerID string, sub Subscriber, size runtime.Size) error {
	r.lock.Lock()
	sess, exists := r.sessions[containerID]
	if !exists {
		sess = &Session{
			containerID: containerID,
			ready:       make(chan struct{}),
			subscribers: map[string]Subscriber{sub.ID(): sub},
			history:     NewHistory(r.cfg.HistoryBytes),
		}
		r.sessions[containerID] = sess
	}
	r.lock.Unlock()

	logger := r.log.WithField("container", runtime.ShortID(containerID))
	if !exists {
		if err := r.start(ctx, sess); err != nil {
			return err
		}
		logger.Info("New session started")
	} else {
		select {
		case <-sess.ready:
		case <-ctx.Done():
			return ctx.Err()
		}
		if sess.startErr != nil {
			return sess.startErr
		}

		sess.lock.Lock()
		if sess.ended {
			sess.lock.Unlock()
			return errors.New("session ended")
		}
		if sess.history.Len() > 0 {
			sub.Output([]byte(ClearScreen))
			sub.Output(sess.history.Bytes())
		}
		sess.subscribers[sub.ID()] = sub
		sess.lock.Unlock()
		logger.Info("Reconnected to existing session")
	}

	if size.Cols > 0 && size.Rows > 0 {
		go func() {
			<-r.clock.After(r.cfg.InitialResizeDelay)
			if err := sess.stream.Resize(context.Background(), size); err != nil {
				logger.WithError(err).Debug("Failed to apply initial terminal size")
			}
		}()
	}
	return nil
}

func (r *Relay) start(ctx context.Context, sess *Session) error {
	env := append([]string{"TERM=xterm-256color", "COLORTERM=truecolor"}, r.cfg.Env...)
	stream, err := r.rt.ExecStream(ctx, sess.containerID, runtime.ExecOptions{
		Cmd:        r.cfg.Command,
		User:       r.cfg.User,
		WorkingDir: r.cfg.WorkingDir,
		Env:        env,
		Tty:        true,
		Stdin:      true,
	})
	if err != nil {
		err = errors.WithContext(err, "start session")
		sess.startErr = err
		close(sess.ready)

		r.lock.Lock()
		if r.sessions[sess.containerID] == sess {
			delete(r.sessions, sess.containerID)
		}
		r.lock.Unlock()
		return err
	}

	sess.stream = stream
	close(sess.ready)

	go r.pump(sess)
	if r.hooks.OnStart != nil {
		go r.hooks.OnStart(sess.containerID)
	}
	return nil
}

// pump fans the stream's output out until the stream ends, and then tears
// down the session.
func (r *Relay) pump(sess *Session) {
	logger := r.log.WithField("container", runtime.ShortID(sess.containerID))

	var readErr error
	buf := make([]byte, readBufferSize)
	for {
		n, err := sess.stream.Read(buf)
		if n > 0 {
			// The chunk is written outside the lock so that a slow
			// subscriber doesn't hold up the session. A subscriber that
			// attaches after the snapshot gets the chunk in its replay.
			sess.lock.Lock()
			sess.history.Append(buf[:n])
			subscribers := sess.snapshot()
			sess.lock.Unlock()

			for _, sub := range subscribers {
				sub.Output(buf[:n])
			}
		}

		if err != nil {
			if err != io.EOF {
				readErr = err
			}
			break
		}
	}

	sess.lock.Lock()
	sess.ended = true
	subscribers := sess.subscribers
	sess.subscribers = map[string]Subscriber{}
	sess.lock.Unlock()

	for _, sub := range subscribers {
		if readErr != nil {
			sub.Send(events.Error, events.Message{Message: readErr.Error()})
		}
		sub.Send(events.ContainerDisconnected, nil)
	}

	r.lock.Lock()
	if r.sessions[sess.containerID] == sess {
		delete(r.sessions, sess.containerID)
	}
	r.lock.Unlock()

	if err := sess.stream.Close(); err != nil {
		logger.WithError(err).Debug("Failed to close session stream")
	}

	if readErr != nil {
		logger.WithError(readErr).Warn("Session stream failed")
	} else {
		logger.Info("Session ended")
	}

	if r.hooks.OnEnd != nil {
		r.hooks.OnEnd(sess.containerID)
	}
}

// snapshot returns the current subscribers. The caller must hold the
// session's lock.
func (s *Session) snapshot() []Subscriber {
	subscribers := make([]Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subscribers = append(subscribers, sub)
	}
	return subscribers
}

// all returns the current sessions. Session locks are never taken while
// holding the relay's lock.
func (r *Relay) all() []*Session {
	r.lock.Lock()
	defer r.lock.Unlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// sessionFor returns the session the subscriber is attached to.
func (r *Relay) sessionFor(subscriberID string) (*Session, bool) {
	for _, sess := range r.all() {
		select {
		case <-sess.ready:
		default:
			// Still starting.
			continue
		}
		if sess.stream == nil {
			continue
		}

		sess.lock.Lock()
		_, ok := sess.subscribers[subscriberID]
		sess.lock.Unlock()
		if ok {
			return sess, true
		}
	}
	return nil, false
}

// Input writes to the terminal of the subscriber's session.
func (r *Relay) Input(subscriberID string, data []byte) error {
	sess, ok := r.sessionFor(subscriberID)
	if !ok {
		return errors.ErrSessionNotFound
	}

	_, err := sess.stream.Write(data)
	return err
}

// Resize changes the terminal size of the subscriber's session. Failures
// are only logged, since a resize racing with the session ending is
// harmless.
func (r *Relay) Resize(ctx context.Context, subscriberID string, size runtime.Size) {
	sess, ok := r.sessionFor(subscriberID)
	if !ok {
		return
	}

	if err := sess.stream.Resize(ctx, size); err != nil {
		r.log.WithError(err).WithField("container", runtime.ShortID(sess.containerID)).
			Debug("Failed to resize terminal")
	}
}

// Detach unsubscribes the subscriber from every session. Sessions keep
// running without subscribers.
func (r *Relay) Detach(subscriberID string) {
	for _, sess := range r.all() {
		sess.lock.Lock()
		delete(sess.subscribers, subscriberID)
		sess.lock.Unlock()
	}
}

// Broadcast sends an event to every subscriber of the container's session.
func (r *Relay) Broadcast(containerID, event string, data interface{}) {
	sess, ok := r.Session(containerID)
	if !ok {
		r.log.WithField("container", runtime.ShortID(containerID)).
			WithField("event", event).
			Debug("Dropping event for container without a session")
		return
	}

	sess.lock.Lock()
	subscribers := sess.snapshot()
	sess.lock.Unlock()

	for _, sub := range subscribers {
		sub.Send(event, data)
	}
}
