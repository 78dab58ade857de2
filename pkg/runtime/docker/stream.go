package docker

import (
	"context"
	"io"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/wodexiaobai322/claude-code-sandbox/pkg/errors"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/runtime"
)

// stream adapts a hijacked exec connection to runtime.Stream.
type stream struct {
	client client.ContainerAPIClient
	execID string
	resp   types.HijackedResponse

	// out is the exec's output. Without a TTY, Docker multiplexes stdout
	// and stderr onto the connection, so they're demultiplexed through a
	// pipe.
	out io.Reader

	closeOnce sync.Once
}

func newStream(c client.ContainerAPIClient, execID string, resp types.HijackedResponse, tty bool) *stream {
	s := &stream{client: c, execID: execID, resp: resp, out: resp.Reader}
	if !tty {
		pr, pw := io.Pipe()
		go func() {
			_, err := stdcopy.StdCopy(pw, pw, resp.Reader)
			pw.CloseWithError(err)
		}()
		s.out = pr
	}
	return s
}

func (s *stream) Read(p []byte) (int, error) {
	return s.out.Read(p)
}

func (s *stream) Write(p []byte) (int, error) {
	return s.resp.Conn.Write(p)
}

func (s *stream) Close() error {
	s.closeOnce.Do(s.resp.Close)
	return nil
}

func (s *stream) Resize(ctx context.Context, size runtime.Size) error {
	err := s.client.ContainerExecResize(ctx, s.execID, types.ResizeOptions{
		Height: size.Rows,
		Width:  size.Cols,
	})
	if err != nil {
		return errors.WithContext(err, "resize exec")
	}
	return nil
}
