package fake

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/wodexiaobai322/claude-code-sandbox/pkg/runtime"
)

// Stream is a fake exec stream. Output is written by the test with Emit,
// and input written by the code under test is recorded.
type Stream struct {
	Options runtime.ExecOptions

	outR *io.PipeReader
	outW *io.PipeWriter

	mu      sync.Mutex
	input   bytes.Buffer
	sizes   []runtime.Size
	closed  bool
	inputCh chan struct{}
}

func newStream(opts runtime.ExecOptions) *Stream {
	r, w := io.Pipe()
	return &Stream{Options: opts, outR: r, outW: w, inputCh: make(chan struct{}, 1)}
}

// Read returns output emitted by the test.
func (s *Stream) Read(p []byte) (int, error) {
	return s.outR.Read(p)
}

// Write records input.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, io.ErrClosedPipe
	}
	s.input.Write(p)
	select {
	case s.inputCh <- struct{}{}:
	default:
	}
	return len(p), nil
}

// Close ends the stream.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.outR.Close()
	return nil
}

// Resize records the requested size.
func (s *Stream) Resize(_ context.Context, size runtime.Size) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sizes = append(s.sizes, size)
	return nil
}

// Emit writes process output. It blocks until the output is read.
func (s *Stream) Emit(p []byte) error {
	_, err := s.outW.Write(p)
	return err
}

// End simulates the process exiting.
func (s *Stream) End() {
	s.outW.Close()
}

// Fail simulates the stream breaking.
func (s *Stream) Fail(err error) {
	s.outW.CloseWithError(err)
}

// Input returns everything written to the stream so far.
func (s *Stream) Input() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input.String()
}

// InputWritten is signalled after each write.
func (s *Stream) InputWritten() <-chan struct{} {
	return s.inputCh
}

// Sizes returns the sizes passed to Resize.
func (s *Stream) Sizes() []runtime.Size {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]runtime.Size{}, s.sizes...)
}

// Closed returns whether Close was called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
