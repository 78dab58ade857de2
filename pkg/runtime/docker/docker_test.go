package docker

import (
	"bufio"
	"bytes"
	"context"
	"io/ioutil"
	"net"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wodexiaobai322/claude-code-sandbox/pkg/errors"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/process"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/runtime"
)

type mockClient struct {
	client.APIClient

	containers []types.Container
	listOpts   types.ContainerListOptions

	execConfig types.ExecConfig
	stdout     string
	stderr     string
	exitCode   int
	resized    types.ResizeOptions
	ping       types.Ping
	pingErr    error
}

func (c *mockClient) Ping(context.Context) (types.Ping, error) {
	return c.ping, c.pingErr
}

func (c *mockClient) ContainerList(_ context.Context, opts types.ContainerListOptions) (
	[]types.Container, error) {
	c.listOpts = opts
	return c.containers, nil
}

func (c *mockClient) ContainerExecCreate(_ context.Context, _ string, config types.ExecConfig) (
	types.IDResponse, error) {
	c.execConfig = config
	return types.IDResponse{ID: "exec-id"}, nil
}

func (c *mockClient) ContainerExecAttach(_ context.Context, _ string, _ types.ExecStartCheck) (
	types.HijackedResponse, error) {
	var buf bytes.Buffer
	if c.stdout != "" {
		stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(c.stdout))
	}
	if c.stderr != "" {
		stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(c.stderr))
	}

	conn, _ := net.Pipe()
	return types.HijackedResponse{Conn: conn, Reader: bufio.NewReader(&buf)}, nil
}

func (c *mockClient) ContainerExecInspect(context.Context, string) (types.ContainerExecInspect, error) {
	return types.ContainerExecInspect{ExecID: "exec-id", ExitCode: c.exitCode}, nil
}

func (c *mockClient) ContainerExecResize(_ context.Context, _ string, opts types.ResizeOptions) error {
	c.resized = opts
	return nil
}

func TestPing(t *testing.T) {
	tests := []struct {
		name   string
		client *mockClient
		expErr string
	}{
		{
			name:   "Recent daemon",
			client: &mockClient{ping: types.Ping{APIVersion: "1.40"}},
		},
		{
			name:   "Unreported version",
			client: &mockClient{},
		},
		{
			name:   "Old daemon",
			client: &mockClient{ping: types.Ping{APIVersion: "1.24"}},
			expErr: "The Docker daemon's API version (1.24.0) is too old. " +
				"Version 1.35.0 or later is required.",
		},
		{
			name:   "Unreachable",
			client: &mockClient{pingErr: errors.New("connection refused")},
			expErr: "Could not connect to Docker. " +
				"Is the Docker daemon running?\n\nconnection refused",
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			err := (&Runtime{client: test.client}).Ping(context.Background())
			if test.expErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, test.expErr, errors.GetPrintableMessage(err))
		})
	}
}

func TestList(t *testing.T) {
	mc := &mockClient{containers: []types.Container{
		{ID: "abc", Names: []string{"/claude-code-sandbox-1"}, State: "running", Created: 1},
		{ID: "def", Names: []string{"/unrelated-claude-code-sandboxes"}, State: "exited"},
		{ID: "ghi", Names: []string{"/other"}, State: "running"},
	}}
	rt := &Runtime{client: mc}

	containers, err := rt.List(context.Background(), "claude-code-sandbox", true)
	require.NoError(t, err)
	assert.True(t, mc.listOpts.All)
	assert.Equal(t, []string{"claude-code-sandbox"}, mc.listOpts.Filters.Get("name"))

	var names []string
	for _, c := range containers {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"claude-code-sandbox-1", "unrelated-claude-code-sandboxes"}, names)
}

func TestExec(t *testing.T) {
	mc := &mockClient{stdout: "/usr/bin/rsync\n", stderr: "warning\n"}
	rt := &Runtime{client: mc}

	res, err := rt.Exec(context.Background(), "container", runtime.ExecOptions{
		Cmd:  []string{"which", "rsync"},
		User: "root",
		Tty:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, process.Result{Stdout: "/usr/bin/rsync\n", Stderr: "warning\n"}, res)

	// Captured execs never allocate a TTY, since that would merge the
	// output streams.
	assert.False(t, mc.execConfig.Tty)
	assert.Equal(t, "root", mc.execConfig.User)
	assert.Equal(t, []string{"which", "rsync"}, []string(mc.execConfig.Cmd))
}

func TestExecNonZeroExit(t *testing.T) {
	mc := &mockClient{stderr: "rsync: not found\n", exitCode: 127}
	rt := &Runtime{client: mc}

	_, err := rt.Exec(context.Background(), "container", runtime.ExecOptions{
		Cmd: []string{"rsync", "--version"},
	})
	assert.Equal(t, errors.CommandError{
		Command:  "rsync --version",
		ExitCode: 127,
		Output:   "rsync: not found",
	}, err)
}

func TestExecStreamDemultiplexes(t *testing.T) {
	mc := &mockClient{stdout: "/workspace/a.txt CREATE\n"}
	rt := &Runtime{client: mc}

	s, err := rt.ExecStream(context.Background(), "container", runtime.ExecOptions{
		Cmd: []string{"inotifywait"},
	})
	require.NoError(t, err)
	defer s.Close()

	out, err := ioutil.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "/workspace/a.txt CREATE\n", string(out))

	require.NoError(t, s.Resize(context.Background(), runtime.Size{Cols: 120, Rows: 40}))
	assert.Equal(t, types.ResizeOptions{Width: 120, Height: 40}, mc.resized)
}
