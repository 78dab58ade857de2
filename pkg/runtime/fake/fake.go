// Package fake provides an in-process runtime.Runtime for tests. A fake
// container's filesystem is made of host directories mounted at container
// paths, so tests can mutate "container" files directly on disk.
package fake

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/wodexiaobai322/claude-code-sandbox/pkg/archive"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/errors"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/process"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/runtime"
)

// ExecHandler can intercept commands run in a fake container. If handled is
// false, the default behavior applies.
type ExecHandler func(opts runtime.ExecOptions) (res process.Result, err error, handled bool)

// Container is a fake container.
type Container struct {
	ID    string
	Name  string
	Image string

	// Mounts maps container directories to host directories.
	Mounts map[string]string

	// Binaries lists the commands `which` finds.
	Binaries map[string]bool

	Handler ExecHandler

	// Options are the options the container was created with.
	Options runtime.CreateOptions

	running bool
	files   map[string][]byte
	execs   []runtime.ExecOptions
	streams []*Stream
}

// Runtime is a fake runtime.Runtime.
type Runtime struct {
	// Handler is used for containers that don't have their own.
	Handler ExecHandler

	mu         sync.Mutex
	containers map[string]*Container

	copyFromCalls int
}

// New returns an empty fake runtime.
func New() *Runtime {
	return &Runtime{containers: map[string]*Container{}}
}

// Add registers a running container.
func (rt *Runtime) Add(c *Container) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	c.running = true
	if c.files == nil {
		c.files = map[string][]byte{}
	}
	if c.Binaries == nil {
		c.Binaries = map[string]bool{}
	}
	rt.containers[c.ID] = c
}

// Container returns the container with the given ID.
func (rt *Runtime) Container(id string) (*Container, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	c, ok := rt.containers[id]
	return c, ok
}

func (rt *Runtime) get(id string) (*Container, error) {
	c, ok := rt.containers[id]
	if !ok {
		return nil, errors.New("no such container: %s", id)
	}
	return c, nil
}

// Create registers a stopped container.
func (rt *Runtime) Create(_ context.Context, opts runtime.CreateOptions) (string, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	id := fmt.Sprintf("%064d", len(rt.containers)+1)
	rt.containers[id] = &Container{
		ID:       id,
		Name:     opts.Name,
		Image:    opts.Image,
		Options:  opts,
		Mounts:   map[string]string{},
		Binaries: map[string]bool{},
		files:    map[string][]byte{},
	}
	return id, nil
}

// Start marks the container as running.
func (rt *Runtime) Start(_ context.Context, id string) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	c, err := rt.get(id)
	if err != nil {
		return err
	}
	c.running = true
	return nil
}

// Stop marks the container as stopped and ends its streams.
func (rt *Runtime) Stop(_ context.Context, id string) error {
	rt.mu.Lock()
	c, err := rt.get(id)
	if err != nil {
		rt.mu.Unlock()
		return err
	}
	c.running = false
	streams := append([]*Stream{}, c.streams...)
	rt.mu.Unlock()

	for _, s := range streams {
		s.End()
	}
	return nil
}

// Remove forgets the container.
func (rt *Runtime) Remove(_ context.Context, id string) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if _, err := rt.get(id); err != nil {
		return err
	}
	delete(rt.containers, id)
	return nil
}

// List returns the containers whose name contains `nameFilter`, sorted by
// name.
func (rt *Runtime) List(_ context.Context, nameFilter string, all bool) ([]runtime.Container, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	var res []runtime.Container
	for _, c := range rt.containers {
		if !strings.Contains(c.Name, nameFilter) || (!all && !c.running) {
			continue
		}

		state := "exited"
		if c.running {
			state = "running"
		}
		res = append(res, runtime.Container{ID: c.ID, Name: c.Name, Image: c.Image, State: state})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res, nil
}

// Exec runs a fake command. By default `which` consults Binaries, `chown`,
// `mkdir` and `rm` succeed, and everything else fails with exit code 127.
func (rt *Runtime) Exec(_ context.Context, id string, opts runtime.ExecOptions) (process.Result, error) {
	rt.mu.Lock()
	c, err := rt.get(id)
	if err != nil {
		rt.mu.Unlock()
		return process.Result{}, err
	}
	c.execs = append(c.execs, opts)
	handler := c.Handler
	if handler == nil {
		handler = rt.Handler
	}
	rt.mu.Unlock()

	if handler != nil {
		if res, err, handled := handler(opts); handled {
			return res, err
		}
	}

	cmd := strings.Join(opts.Cmd, " ")
	if len(opts.Cmd) == 0 {
		return process.Result{}, errors.New("empty command")
	}

	switch opts.Cmd[0] {
	case "which":
		rt.mu.Lock()
		found := len(opts.Cmd) == 2 && c.Binaries[opts.Cmd[1]]
		rt.mu.Unlock()
		if found {
			return process.Result{Stdout: "/usr/bin/" + opts.Cmd[1] + "\n"}, nil
		}
		return process.Result{ExitCode: 1}, errors.CommandError{Command: cmd, ExitCode: 1}
	case "chown", "mkdir", "rm":
		return process.Result{}, nil
	}
	return process.Result{ExitCode: 127}, errors.CommandError{
		Command:  cmd,
		ExitCode: 127,
		Output:   opts.Cmd[0] + ": not found",
	}
}

// Execs returns the commands run in the container so far.
func (rt *Runtime) Execs(id string) []runtime.ExecOptions {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	c, err := rt.get(id)
	if err != nil {
		return nil
	}
	return append([]runtime.ExecOptions{}, c.execs...)
}

// ExecStream starts a fake interactive process. The test drives its output
// through the returned Stream.
func (rt *Runtime) ExecStream(_ context.Context, id string, opts runtime.ExecOptions) (runtime.Stream, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	c, err := rt.get(id)
	if err != nil {
		return nil, err
	}
	if !c.running {
		return nil, errors.New("container %s is not running", id)
	}

	c.execs = append(c.execs, opts)
	s := newStream(opts)
	c.streams = append(c.streams, s)
	return s, nil
}

// Streams returns the streams started in the container so far.
func (rt *Runtime) Streams(id string) []*Stream {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	c, err := rt.get(id)
	if err != nil {
		return nil
	}
	return append([]*Stream{}, c.streams...)
}

// CopyTo extracts the tar stream into the mounted host directory, or stores
// its files in memory if `dstDir` isn't mounted.
func (rt *Runtime) CopyTo(_ context.Context, id, dstDir string, content io.Reader) error {
	rt.mu.Lock()
	c, err := rt.get(id)
	if err != nil {
		rt.mu.Unlock()
		return err
	}
	hostDir, mounted := c.resolve(dstDir)
	rt.mu.Unlock()

	if mounted {
		_, err := archive.Extract(content, hostDir, 0)
		return err
	}

	tr := tar.NewReader(content)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		contents, err := ioutil.ReadAll(tr)
		if err != nil {
			return err
		}

		rt.mu.Lock()
		c.files[path.Join(dstDir, header.Name)] = contents
		rt.mu.Unlock()
	}
}

// File returns a file copied into an unmounted container path.
func (rt *Runtime) File(id, containerPath string) ([]byte, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	c, err := rt.get(id)
	if err != nil {
		return nil, false
	}
	contents, ok := c.files[containerPath]
	return contents, ok
}

// CopyFrom returns a tar stream of a mounted container path.
func (rt *Runtime) CopyFrom(_ context.Context, id, srcPath string) (io.ReadCloser, error) {
	rt.mu.Lock()
	c, err := rt.get(id)
	if err != nil {
		rt.mu.Unlock()
		return nil, err
	}
	hostDir, mounted := c.resolve(srcPath)
	rt.copyFromCalls++
	rt.mu.Unlock()

	if !mounted {
		return nil, errors.New("no such container path: %s", srcPath)
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(archive.Directory(pw, hostDir, path.Base(srcPath), nil))
	}()
	return pr, nil
}

// CopyFromCalls returns the number of times CopyFrom was called.
func (rt *Runtime) CopyFromCalls() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.copyFromCalls
}

// resolve maps a container path to the host path of its most specific
// mount.
func (c *Container) resolve(containerPath string) (string, bool) {
	containerPath = path.Clean(containerPath)

	var best string
	for mountPoint := range c.Mounts {
		if containerPath != mountPoint && !strings.HasPrefix(containerPath, mountPoint+"/") {
			continue
		}
		if len(mountPoint) > len(best) {
			best = mountPoint
		}
	}
	if best == "" {
		return "", false
	}

	rel := strings.TrimPrefix(strings.TrimPrefix(containerPath, best), "/")
	return filepath.Join(c.Mounts[best], filepath.FromSlash(rel)), true
}
