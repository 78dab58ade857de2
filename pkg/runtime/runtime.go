// Package runtime defines the container operations the sandbox depends on.
// The docker subpackage implements them against a Docker daemon.
package runtime

import (
	"context"
	"io"
	"time"

	"github.com/wodexiaobai322/claude-code-sandbox/pkg/process"
)

// ExecOptions describes a command to run inside a container.
type ExecOptions struct {
	Cmd        []string
	User       string
	WorkingDir string
	Env        []string

	// Tty allocates a pseudo-terminal. Streams without a Tty only carry
	// stdout and stderr.
	Tty bool

	// Stdin attaches the stream's Write side to the process's stdin.
	Stdin bool
}

// Size is a terminal size.
type Size struct {
	Cols uint
	Rows uint
}

// Stream is the byte stream of a running exec. Reads return the process's
// output, and writes are sent to its stdin. Read returns io.EOF once the
// process exits.
type Stream interface {
	io.ReadWriteCloser

	// Resize changes the size of the exec's pseudo-terminal.
	Resize(ctx context.Context, size Size) error
}

// CreateOptions describes a container to create.
type CreateOptions struct {
	Name       string
	Image      string
	Cmd        []string
	Env        []string
	User       string
	WorkingDir string
	Binds      []string
}

// Container is a summary of an existing container.
type Container struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Image   string    `json:"image"`
	State   string    `json:"state"`
	Status  string    `json:"status"`
	Created time.Time `json:"created"`
}

// Runtime manages containers and the processes inside them.
type Runtime interface {
	Create(ctx context.Context, opts CreateOptions) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error

	// List returns the containers whose name contains `nameFilter`.
	// Stopped containers are included if `all` is set.
	List(ctx context.Context, nameFilter string, all bool) ([]Container, error)

	// Exec runs a command to completion and captures its output. A non-zero
	// exit code is returned as an errors.CommandError.
	Exec(ctx context.Context, id string, opts ExecOptions) (process.Result, error)

	// ExecStream starts a command and returns its stream. The caller must
	// close the stream.
	ExecStream(ctx context.Context, id string, opts ExecOptions) (Stream, error)

	// CopyTo extracts the tar stream `content` into the directory `dstDir`
	// in the container.
	CopyTo(ctx context.Context, id, dstDir string, content io.Reader) error

	// CopyFrom returns a tar stream of `srcPath`. Entries are rooted at
	// the base name of `srcPath`, so copying "/workspace" yields entries
	// such as "workspace/README.md".
	CopyFrom(ctx context.Context, id, srcPath string) (io.ReadCloser, error)
}

// ShortID returns the truncated form of a container ID that's used for
// display and for naming per-session state.
func ShortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
