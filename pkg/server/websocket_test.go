package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wodexiaobai322/claude-code-sandbox/pkg/errors"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/events"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/relay"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/runtime/fake"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/shadow"
)

const containerID = "0123456789abcdef"

type call struct {
	containerID string
	arg         string
}

type fakeSyncer struct {
	lock  sync.Mutex
	calls []call
	err   error
}

func (s *fakeSyncer) Commit(_ context.Context, containerID, message string) (string, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.calls = append(s.calls, call{containerID, message})
	if s.err != nil {
		return "", s.err
	}
	return "Changes committed successfully", nil
}

func (s *fakeSyncer) Push(_ context.Context, containerID, branch string) (string, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.calls = append(s.calls, call{containerID, branch})
	if s.err != nil {
		return "", s.err
	}
	return "Changes pushed successfully", nil
}

func (s *fakeSyncer) getCalls() []call {
	s.lock.Lock()
	defer s.lock.Unlock()
	return append([]call{}, s.calls...)
}

type wsEnv struct {
	rt     *fake.Runtime
	relay  *relay.Relay
	syncer *fakeSyncer
	srv    *httptest.Server
}

func newWsEnv() wsEnv {
	rt := fake.New()
	rt.Add(&fake.Container{ID: containerID})

	log, _ := test.NewNullLogger()
	sessions := relay.New(log, relay.Config{
		Command:      []string{"/home/claude/start-session.sh"},
		HistoryBytes: 100000,
	}, rt, clockwork.NewFakeClock(), relay.Hooks{})
	syncer := &fakeSyncer{}

	s := New(log, Config{OriginalRepo: originalRepo}, rt, scriptedRunner{}, sessions, syncer, shadow.NewRegistry())
	return wsEnv{rt: rt, relay: sessions, syncer: syncer, srv: httptest.NewServer(s.Handler())}
}

func (env wsEnv) dial(t *testing.T) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return ws
}

func send(t *testing.T, ws *websocket.Conn, event string, data interface{}) {
	require.NoError(t, ws.WriteJSON(outgoingFrame{Event: event, Data: data}))
}

func readEvent(t *testing.T, ws *websocket.Conn) (string, map[string]interface{}) {
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	msgType, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, msgType, string(data))

	var f struct {
		Event string                 `json:"event"`
		Data  map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &f))
	return f.Event, f.Data
}

func readOutput(t *testing.T, ws *websocket.Conn) string {
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	msgType, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, msgType, string(data))
	return string(data)
}

func (env wsEnv) attach(t *testing.T, ws *websocket.Conn) {
	send(t, ws, events.Attach, attachRequest{ContainerID: containerID, Cols: 80, Rows: 24})
	event, data := readEvent(t, ws)
	assert.Equal(t, events.Attached, event)
	assert.Equal(t, map[string]interface{}{"containerId": containerID}, data)
}

func waitForInput(t *testing.T, stream *fake.Stream, exp string) {
	deadline := time.Now().Add(5 * time.Second)
	for stream.Input() != exp {
		if time.Now().After(deadline) {
			t.Fatalf("expected input %q, got %q", exp, stream.Input())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebsocketTerminal(t *testing.T) {
	env := newWsEnv()
	defer env.srv.Close()

	ws := env.dial(t)
	defer ws.Close()
	env.attach(t, ws)

	streams := env.rt.Streams(containerID)
	require.Len(t, streams, 1)
	stream := streams[0]

	require.NoError(t, stream.Emit([]byte("$ ")))
	assert.Equal(t, "$ ", readOutput(t, ws))

	// Input arrives both as binary frames and as input events.
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte("ls\r")))
	waitForInput(t, stream, "ls\r")
	send(t, ws, events.Input, inputRequest{Data: "pwd\r"})
	waitForInput(t, stream, "ls\rpwd\r")
}

func TestWebsocketLateJoin(t *testing.T) {
	env := newWsEnv()
	defer env.srv.Close()

	first := env.dial(t)
	defer first.Close()
	env.attach(t, first)

	stream := env.rt.Streams(containerID)[0]
	require.NoError(t, stream.Emit([]byte("hello")))
	assert.Equal(t, "hello", readOutput(t, first))

	second := env.dial(t)
	defer second.Close()
	send(t, second, events.Attach, attachRequest{ContainerID: containerID})
	assert.Equal(t, relay.ClearScreen, readOutput(t, second))
	assert.Equal(t, "hello", readOutput(t, second))
	event, _ := readEvent(t, second)
	assert.Equal(t, events.Attached, event)

	require.NoError(t, stream.Emit([]byte("world")))
	assert.Equal(t, "world", readOutput(t, first))
	assert.Equal(t, "world", readOutput(t, second))
}

func TestWebsocketDetachOnClose(t *testing.T) {
	env := newWsEnv()
	defer env.srv.Close()

	ws := env.dial(t)
	env.attach(t, ws)
	ws.Close()

	sess, ok := env.relay.Session(containerID)
	require.True(t, ok)

	deadline := time.Now().Add(5 * time.Second)
	for len(sess.Subscribers()) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection wasn't detached")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebsocketAttachError(t *testing.T) {
	env := newWsEnv()
	defer env.srv.Close()

	ws := env.dial(t)
	defer ws.Close()

	send(t, ws, events.Attach, attachRequest{ContainerID: "missing"})
	event, data := readEvent(t, ws)
	assert.Equal(t, events.Error, event)
	assert.Contains(t, data["message"], "no such container")

	send(t, ws, events.Attach, attachRequest{})
	event, data = readEvent(t, ws)
	assert.Equal(t, events.Error, event)
	assert.Equal(t, "containerId is required", data["message"])
}

func TestWebsocketMalformed(t *testing.T) {
	env := newWsEnv()
	defer env.srv.Close()

	ws := env.dial(t)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{")))
	event, data := readEvent(t, ws)
	assert.Equal(t, events.Error, event)
	assert.Equal(t, "malformed message", data["message"])

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"event": "resize", "data": "wide"}`)))
	event, data = readEvent(t, ws)
	assert.Equal(t, events.Error, event)
	assert.Equal(t, "malformed resize event", data["message"])
}

func TestWebsocketCommitAndPush(t *testing.T) {
	env := newWsEnv()
	defer env.srv.Close()

	ws := env.dial(t)
	defer ws.Close()

	send(t, ws, events.CommitChanges, commitRequest{ContainerID: containerID, CommitMessage: "Fix bug"})
	event, data := readEvent(t, ws)
	assert.Equal(t, events.CommitSuccess, event)
	assert.Equal(t, "Changes committed successfully", data["message"])

	send(t, ws, events.PushChanges, pushRequest{ContainerID: containerID, BranchName: "feature"})
	event, data = readEvent(t, ws)
	assert.Equal(t, events.PushSuccess, event)
	assert.Equal(t, "Changes pushed successfully", data["message"])

	assert.Equal(t, []call{{containerID, "Fix bug"}, {containerID, "feature"}}, env.syncer.getCalls())
}

func TestWebsocketCommitAndPushErrors(t *testing.T) {
	env := newWsEnv()
	defer env.srv.Close()
	env.syncer.err = errors.ErrShadowNotFound

	ws := env.dial(t)
	defer ws.Close()

	send(t, ws, events.CommitChanges, commitRequest{ContainerID: containerID, CommitMessage: "Fix bug"})
	event, data := readEvent(t, ws)
	assert.Equal(t, events.CommitError, event)
	assert.Equal(t, "Shadow repository not found", data["message"])

	send(t, ws, events.PushChanges, pushRequest{ContainerID: containerID})
	event, data = readEvent(t, ws)
	assert.Equal(t, events.PushError, event)
	assert.Equal(t, "Shadow repository not found", data["message"])
}
