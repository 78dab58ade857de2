package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/wodexiaobai322/claude-code-sandbox/pkg/errors"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/events"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/runtime"
)

const writeTimeout = 10 * time.Second

// frame is a JSON event sent over a text frame.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outgoingFrame struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

type attachRequest struct {
	ContainerID string `json:"containerId"`
	Cols        uint   `json:"cols"`
	Rows        uint   `json:"rows"`
}

type inputRequest struct {
	Data string `json:"data"`
}

type resizeRequest struct {
	Cols uint `json:"cols"`
	Rows uint `json:"rows"`
}

type commitRequest struct {
	ContainerID   string `json:"containerId"`
	CommitMessage string `json:"commitMessage"`
}

type pushRequest struct {
	ContainerID string `json:"containerId"`
	BranchName  string `json:"branchName"`
}

type attachedResponse struct {
	ContainerID string `json:"containerId"`
}

// connection is a browser attached over a websocket. It's the relay's
// subscriber for that browser.
type connection struct {
	id  string
	ws  *websocket.Conn
	log *logrus.Entry

	// gorilla connections support a single concurrent writer.
	writeLock sync.Mutex
}

func (c *connection) ID() string {
	return c.id
}

// Output sends terminal output as a binary frame.
func (c *connection) Output(data []byte) {
	c.write(websocket.BinaryMessage, data)
}

// Send sends an event as a JSON text frame.
func (c *connection) Send(event string, data interface{}) {
	msg, err := json.Marshal(outgoingFrame{Event: event, Data: data})
	if err != nil {
		c.log.WithError(err).WithField("event", event).Warn("Failed to marshal event")
		return
	}
	c.write(websocket.TextMessage, msg)
}

func (c *connection) write(msgType int, data []byte) {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)) // nolint: errcheck
	if err := c.ws.WriteMessage(msgType, data); err != nil {
		c.log.WithError(err).Debug("Failed to write to websocket")
	}
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	conn := &connection{id: uuid.New().String(), ws: ws}
	conn.log = s.log.WithField("connection", conn.id)
	conn.log.Info("Client connected to web UI")

	defer func() {
		s.relay.Detach(conn.id)
		ws.Close()
		conn.log.Info("Client disconnected from web UI")
	}()

	ctx := r.Context()
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				conn.log.WithError(err).Debug("Websocket read failed")
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			s.input(conn, data)
		case websocket.TextMessage:
			var f frame
			if err := json.Unmarshal(data, &f); err != nil {
				conn.Send(events.Error, events.Message{Message: "malformed message"})
				continue
			}
			s.dispatch(ctx, conn, f)
		}
	}
}

func (s *Server) dispatch(ctx context.Context, conn *connection, f frame) {
	switch f.Event {
	case events.Attach:
		var req attachRequest
		if !decode(conn, f, &req) {
			return
		}
		s.attach(ctx, conn, req)

	case events.Input:
		var req inputRequest
		if !decode(conn, f, &req) {
			return
		}
		s.input(conn, []byte(req.Data))

	case events.Resize:
		var req resizeRequest
		if !decode(conn, f, &req) {
			return
		}
		s.relay.Resize(ctx, conn.id, runtime.Size{Cols: req.Cols, Rows: req.Rows})

	case events.CommitChanges:
		var req commitRequest
		if !decode(conn, f, &req) {
			return
		}

		// Commits outlive the connection, so that closing the browser
		// doesn't abort a commit half way.
		go func() {
			msg, err := s.syncer.Commit(context.Background(), req.ContainerID, req.CommitMessage)
			if err != nil {
				conn.log.WithError(err).Error("Commit failed")
				conn.Send(events.CommitError, events.Message{Message: errors.GetPrintableMessage(err)})
				return
			}
			conn.Send(events.CommitSuccess, events.Message{Message: msg})
		}()

	case events.PushChanges:
		var req pushRequest
		if !decode(conn, f, &req) {
			return
		}

		go func() {
			msg, err := s.syncer.Push(context.Background(), req.ContainerID, req.BranchName)
			if err != nil {
				conn.log.WithError(err).Error("Push failed")
				conn.Send(events.PushError, events.Message{Message: errors.GetPrintableMessage(err)})
				return
			}
			conn.Send(events.PushSuccess, events.Message{Message: msg})
		}()

	default:
		conn.log.WithField("event", f.Event).Debug("Ignoring unknown event")
	}
}

func decode(conn *connection, f frame, dst interface{}) bool {
	if len(f.Data) == 0 {
		return true
	}

	if err := json.Unmarshal(f.Data, dst); err != nil {
		conn.Send(events.Error, events.Message{Message: "malformed " + f.Event + " event"})
		return false
	}
	return true
}

func (s *Server) attach(ctx context.Context, conn *connection, req attachRequest) {
	if req.ContainerID == "" {
		conn.Send(events.Error, events.Message{Message: "containerId is required"})
		return
	}

	logger := conn.log.WithField("container", runtime.ShortID(req.ContainerID))
	size := runtime.Size{Cols: req.Cols, Rows: req.Rows}
	if err := s.relay.Attach(ctx, req.ContainerID, conn, size); err != nil {
		logger.WithError(err).Error("Failed to attach to container")
		conn.Send(events.Error, events.Message{Message: errors.GetPrintableMessage(err)})
		return
	}

	logger.Info("Attached to container")
	conn.Send(events.Attached, attachedResponse{ContainerID: req.ContainerID})
}

func (s *Server) input(conn *connection, data []byte) {
	if err := s.relay.Input(conn.id, data); err != nil {
		conn.log.WithError(err).Debug("Dropping input")
	}
}
