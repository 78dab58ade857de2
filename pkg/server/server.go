// Package server exposes the relay and the sync orchestrator to browsers,
// over a websocket event channel and a few HTTP query endpoints.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/wodexiaobai322/claude-code-sandbox/pkg/errors"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/process"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/relay"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/runtime"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/shadow"
)

// MaxPortAttempts is how many consecutive ports Listen tries.
const MaxPortAttempts = 10

// Relay is the part of the session relay that connections drive.
type Relay interface {
	Attach(ctx context.Context, containerID string, sub relay.Subscriber, size runtime.Size) error
	Input(subscriberID string, data []byte) error
	Resize(ctx context.Context, subscriberID string, size runtime.Size)
	Detach(subscriberID string)
}

// Syncer commits and pushes the shadow repositories.
type Syncer interface {
	Commit(ctx context.Context, containerID, message string) (string, error)
	Push(ctx context.Context, containerID, branch string) (string, error)
}

// Config configures the server.
type Config struct {
	// Port is the first port Listen tries.
	Port int

	// OriginalRepo is the host repository the sandboxes were started from.
	OriginalRepo string

	// ContainerPrefix selects the containers listed by /api/containers.
	ContainerPrefix string
}

// Server serves the browser-facing endpoints.
type Server struct {
	cfg      Config
	rt       runtime.Runtime
	runner   process.Runner
	relay    Relay
	syncer   Syncer
	repos    *shadow.Registry
	log      *logrus.Logger
	upgrader websocket.Upgrader
}

// Mocked out for unit testing.
var listen = net.Listen

// New returns a server. Nothing is served until Serve is called.
func New(log *logrus.Logger, cfg Config, rt runtime.Runtime, runner process.Runner,
	sessions Relay, syncer Syncer, repos *shadow.Registry) *Server {
	return &Server{
		cfg:    cfg,
		rt:     rt,
		runner: runner,
		relay:  sessions,
		syncer: syncer,
		repos:  repos,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The UI is served from localhost, and may be opened through
			// any hostname that resolves to it.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/ws", s.handleWebsocket)

	api := router.PathPrefix("/api").Methods(http.MethodGet).Subrouter()
	api.HandleFunc("/health", s.handleHealth)
	api.HandleFunc("/containers", s.handleContainers)
	api.HandleFunc("/git/info", s.handleGitInfo)
	return router
}

// Listen binds the configured port. If the port is in use, the following
// ports are tried.
func (s *Server) Listen() (net.Listener, error) {
	var lastErr error
	for i := 0; i < MaxPortAttempts; i++ {
		port := s.cfg.Port + i
		ln, err := listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			return ln, nil
		}

		if !isAddrInUse(err) {
			return nil, errors.WithContext(err, fmt.Sprintf("listen on port %d", port))
		}
		s.log.WithField("port", port).Debug("Port in use, trying the next one")
		lastErr = err
	}
	return nil, errors.WithContext(lastErr, fmt.Sprintf(
		"no free port in %d-%d", s.cfg.Port, s.cfg.Port+MaxPortAttempts-1))
}

func isAddrInUse(err error) bool {
	opErr, ok := err.(*net.OpError)
	if !ok {
		return false
	}

	if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
		return sysErr.Err == syscall.EADDRINUSE
	}
	return opErr.Err == syscall.EADDRINUSE
}

// Serve serves requests on `ln` until the context is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Handler()}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.WithError(err).Warn("Failed to shut down web server")
		}
	}()

	s.log.WithField("url", fmt.Sprintf("http://localhost:%d", ln.Addr().(*net.TCPAddr).Port)).
		Info("Web UI server started")
	err := srv.Serve(ln)
	if err == http.ErrServerClosed {
		<-shutdownDone
		return nil
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleContainers(w http.ResponseWriter, r *http.Request) {
	containers, err := s.rt.List(r.Context(), s.cfg.ContainerPrefix, false)
	if err != nil {
		s.log.WithError(err).Error("Failed to list containers")
		writeError(w, "Failed to list containers")
		return
	}

	if containers == nil {
		containers = []runtime.Container{}
	}
	writeJSON(w, http.StatusOK, containers)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body) // nolint: errcheck
}

func writeError(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": msg})
}
