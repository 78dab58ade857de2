package relay

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wodexiaobai322/claude-code-sandbox/pkg/errors"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/events"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/runtime"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/runtime/fake"
)

const containerID = "0123456789abcdef"

type sentEvent struct {
	name string
	data interface{}
}

type recordingSubscriber struct {
	id string

	lock   sync.Mutex
	output bytes.Buffer
	events []sentEvent
}

func newSubscriber(id string) *recordingSubscriber {
	return &recordingSubscriber{id: id}
}

func (s *recordingSubscriber) ID() string {
	return s.id
}

func (s *recordingSubscriber) Output(data []byte) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.output.Write(data)
}

func (s *recordingSubscriber) Send(event string, data interface{}) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.events = append(s.events, sentEvent{event, data})
}

func (s *recordingSubscriber) getOutput() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.output.String()
}

func (s *recordingSubscriber) getEvents() []sentEvent {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]sentEvent{}, s.events...)
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", desc)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type testEnv struct {
	rt      *fake.Runtime
	clock   clockwork.FakeClock
	relay   *Relay
	started chan string
	ended   chan string
}

func newTestEnv(historyBytes int) testEnv {
	rt := fake.New()
	rt.Add(&fake.Container{ID: containerID})

	env := testEnv{
		rt:      rt,
		clock:   clockwork.NewFakeClock(),
		started: make(chan string, 10),
		ended:   make(chan string, 10),
	}

	log, _ := test.NewNullLogger()
	env.relay = New(log, Config{
		Command:            []string{"/home/claude/start-session.sh"},
		User:               "claude",
		WorkingDir:         "/workspace",
		HistoryBytes:       historyBytes,
		InitialResizeDelay: 100 * time.Millisecond,
	}, rt, env.clock, Hooks{
		OnStart: func(id string) { env.started <- id },
		OnEnd:   func(id string) { env.ended <- id },
	})
	return env
}

func (env testEnv) attach(t *testing.T, sub Subscriber) *fake.Stream {
	require.NoError(t, env.relay.Attach(context.Background(), containerID, sub, runtime.Size{}))
	streams := env.rt.Streams(containerID)
	require.Len(t, streams, 1)
	return streams[0]
}

func TestAttachStartsSession(t *testing.T) {
	env := newTestEnv(100000)
	sub := newSubscriber("a")
	stream := env.attach(t, sub)

	assert.Equal(t, runtime.ExecOptions{
		Cmd:        []string{"/home/claude/start-session.sh"},
		User:       "claude",
		WorkingDir: "/workspace",
		Env:        []string{"TERM=xterm-256color", "COLORTERM=truecolor"},
		Tty:        true,
		Stdin:      true,
	}, stream.Options)
	assert.Equal(t, containerID, <-env.started)

	require.NoError(t, stream.Emit([]byte("hello")))
	waitFor(t, "output", func() bool { return sub.getOutput() == "hello" })

	sess, ok := env.relay.Session(containerID)
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, sess.Subscribers())
}

func TestLateJoinReplay(t *testing.T) {
	env := newTestEnv(100000)
	first := newSubscriber("first")
	stream := env.attach(t, first)

	require.NoError(t, stream.Emit([]byte("one")))
	require.NoError(t, stream.Emit([]byte("two")))
	waitFor(t, "output", func() bool { return first.getOutput() == "onetwo" })

	late := newSubscriber("late")
	require.NoError(t, env.relay.Attach(context.Background(), containerID, late, runtime.Size{}))
	assert.Equal(t, ClearScreen+"onetwo", late.getOutput())

	// Joining doesn't start another session.
	assert.Len(t, env.rt.Streams(containerID), 1)

	require.NoError(t, stream.Emit([]byte("three")))
	waitFor(t, "live output", func() bool { return late.getOutput() == ClearScreen+"onetwothree" })
	waitFor(t, "live output", func() bool { return first.getOutput() == "onetwothree" })
}

func TestReplayWithoutHistory(t *testing.T) {
	env := newTestEnv(100000)
	env.attach(t, newSubscriber("first"))

	late := newSubscriber("late")
	require.NoError(t, env.relay.Attach(context.Background(), containerID, late, runtime.Size{}))
	assert.Empty(t, late.getOutput())
}

func TestHistoryCap(t *testing.T) {
	env := newTestEnv(8)
	sub := newSubscriber("a")
	stream := env.attach(t, sub)

	for _, chunk := range []string{"12345", "67890", "abcdefghijkl"} {
		require.NoError(t, stream.Emit([]byte(chunk)))
	}
	waitFor(t, "output", func() bool { return sub.getOutput() == "1234567890abcdefghijkl" })

	sess, ok := env.relay.Session(containerID)
	require.True(t, ok)
	assert.Equal(t, 8, sess.HistoryLen())

	late := newSubscriber("late")
	require.NoError(t, env.relay.Attach(context.Background(), containerID, late, runtime.Size{}))
	assert.Equal(t, ClearScreen+"efghijkl", late.getOutput())
}

func TestFanOutAndInput(t *testing.T) {
	env := newTestEnv(100000)
	a, b := newSubscriber("a"), newSubscriber("b")
	stream := env.attach(t, a)
	require.NoError(t, env.relay.Attach(context.Background(), containerID, b, runtime.Size{}))

	require.NoError(t, stream.Emit([]byte("out")))
	waitFor(t, "fan out", func() bool {
		return a.getOutput() == "out" && b.getOutput() == "out"
	})

	require.NoError(t, env.relay.Input("b", []byte("ls\r")))
	require.NoError(t, env.relay.Input("a", []byte("pwd\r")))
	assert.Equal(t, "ls\rpwd\r", stream.Input())

	assert.Equal(t, errors.ErrSessionNotFound, env.relay.Input("unknown", []byte("x")))
}

func TestDetach(t *testing.T) {
	env := newTestEnv(100000)
	a, b := newSubscriber("a"), newSubscriber("b")
	stream := env.attach(t, a)
	require.NoError(t, env.relay.Attach(context.Background(), containerID, b, runtime.Size{}))

	env.relay.Detach("a")
	require.NoError(t, stream.Emit([]byte("out")))
	waitFor(t, "output", func() bool { return b.getOutput() == "out" })
	assert.Empty(t, a.getOutput())

	// The session outlives its subscribers.
	env.relay.Detach("b")
	_, ok := env.relay.Session(containerID)
	assert.True(t, ok)
	assert.False(t, stream.Closed())
}

// stalledSubscriber blocks in Output until `release` is closed, like a
// browser that stopped reading.
type stalledSubscriber struct {
	*recordingSubscriber
	writing chan struct{}
	release chan struct{}
}

func (s *stalledSubscriber) Output(data []byte) {
	s.writing <- struct{}{}
	<-s.release
	s.recordingSubscriber.Output(data)
}

func TestStalledSubscriber(t *testing.T) {
	const otherID = "fedcba9876543210"

	env := newTestEnv(100000)
	env.rt.Add(&fake.Container{ID: otherID})

	slow := &stalledSubscriber{
		recordingSubscriber: newSubscriber("slow"),
		writing:             make(chan struct{}, 1),
		release:             make(chan struct{}),
	}
	a, b := newSubscriber("a"), newSubscriber("b")
	stream := env.attach(t, slow)
	require.NoError(t, env.relay.Attach(context.Background(), containerID, a, runtime.Size{}))
	require.NoError(t, env.relay.Attach(context.Background(), otherID, b, runtime.Size{}))
	other := env.rt.Streams(otherID)[0]

	require.NoError(t, stream.Emit([]byte("out")))
	<-slow.writing

	// Other subscribers, and other containers, aren't held up by the
	// stalled write.
	done := make(chan struct{})
	go func() {
		defer close(done)
		env.relay.Broadcast(containerID, events.SyncError, events.Message{Message: "x"})
		assert.NoError(t, env.relay.Input("b", []byte("ls\r")))
		env.relay.Resize(context.Background(), "b", runtime.Size{Cols: 80, Rows: 24})
		env.relay.Detach("a")
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("blocked behind a stalled subscriber")
	}
	assert.Equal(t, "ls\r", other.Input())
	assert.Len(t, a.getEvents(), 1)

	close(slow.release)
	waitFor(t, "stalled output", func() bool { return slow.getOutput() == "out" })
}

func TestSessionEnds(t *testing.T) {
	env := newTestEnv(100000)
	sub := newSubscriber("a")
	stream := env.attach(t, sub)

	stream.End()
	assert.Equal(t, containerID, <-env.ended)

	_, ok := env.relay.Session(containerID)
	assert.False(t, ok)
	assert.Equal(t, []sentEvent{{events.ContainerDisconnected, nil}}, sub.getEvents())
	assert.True(t, stream.Closed())
}

func TestSessionFails(t *testing.T) {
	env := newTestEnv(100000)
	sub := newSubscriber("a")
	stream := env.attach(t, sub)

	stream.Fail(errors.New("connection reset"))
	assert.Equal(t, containerID, <-env.ended)

	assert.Equal(t, []sentEvent{
		{events.Error, events.Message{Message: "connection reset"}},
		{events.ContainerDisconnected, nil},
	}, sub.getEvents())
}

func TestAttachFails(t *testing.T) {
	env := newTestEnv(100000)
	require.NoError(t, env.rt.Stop(context.Background(), containerID))

	err := env.relay.Attach(context.Background(), containerID, newSubscriber("a"), runtime.Size{})
	assert.Error(t, err)

	_, ok := env.relay.Session(containerID)
	assert.False(t, ok)

	// The next attach tries again.
	require.NoError(t, env.rt.Start(context.Background(), containerID))
	env.attach(t, newSubscriber("a"))
}

func TestInitialResize(t *testing.T) {
	env := newTestEnv(100000)
	size := runtime.Size{Cols: 120, Rows: 40}
	require.NoError(t, env.relay.Attach(context.Background(), containerID, newSubscriber("a"), size))
	stream := env.rt.Streams(containerID)[0]

	env.clock.BlockUntil(1)
	assert.Empty(t, stream.Sizes())

	env.clock.Advance(100 * time.Millisecond)
	waitFor(t, "resize", func() bool { return len(stream.Sizes()) == 1 })
	assert.Equal(t, []runtime.Size{size}, stream.Sizes())
}

func TestResize(t *testing.T) {
	env := newTestEnv(100000)
	stream := env.attach(t, newSubscriber("a"))

	size := runtime.Size{Cols: 80, Rows: 24}
	env.relay.Resize(context.Background(), "a", size)
	env.relay.Resize(context.Background(), "unknown", runtime.Size{Cols: 1, Rows: 1})
	assert.Equal(t, []runtime.Size{size}, stream.Sizes())
}

func TestBroadcast(t *testing.T) {
	env := newTestEnv(100000)
	a, b := newSubscriber("a"), newSubscriber("b")
	env.attach(t, a)
	require.NoError(t, env.relay.Attach(context.Background(), containerID, b, runtime.Size{}))

	msg := events.Message{Message: "synced"}
	env.relay.Broadcast(containerID, events.SyncError, msg)
	env.relay.Broadcast("other", events.SyncError, msg)

	exp := []sentEvent{{events.SyncError, msg}}
	assert.Equal(t, exp, a.getEvents())
	assert.Equal(t, exp, b.getEvents())
}
