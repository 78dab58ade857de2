// Package docker implements runtime.Runtime with the Docker Engine API.
package docker

import (
	"bytes"
	"context"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	goversion "github.com/hashicorp/go-version"

	"github.com/wodexiaobai322/claude-code-sandbox/pkg/errors"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/process"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/runtime"
)

// stopTimeout is how long containers are given to exit before they're
// killed.
const stopTimeout = 10 * time.Second

// minAPIVersion is the first API version that supports the working directory
// of execs.
var minAPIVersion = goversion.Must(goversion.NewVersion("1.35"))

// Runtime talks to the Docker daemon configured by the environment
// (DOCKER_HOST and friends).
type Runtime struct {
	client client.APIClient
}

// New connects to the Docker daemon.
func New() (*Runtime, error) {
	c, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.WithContext(err, "create docker client")
	}
	return &Runtime{client: c}, nil
}

// Ping checks that the daemon is reachable, and new enough to run execs in
// a working directory.
func (rt *Runtime) Ping(ctx context.Context) error {
	ping, err := rt.client.Ping(ctx)
	if err != nil {
		return errors.NewFriendlyError("Could not connect to Docker. "+
			"Is the Docker daemon running?\n\n%s", err)
	}

	// Old daemons don't report their version.
	if ping.APIVersion == "" {
		return nil
	}

	daemonVersion, err := goversion.NewVersion(ping.APIVersion)
	if err != nil {
		return errors.WithContext(err, "parse docker API version")
	}

	if daemonVersion.LessThan(minAPIVersion) {
		return errors.NewFriendlyError("The Docker daemon's API version (%s) is too old. "+
			"Version %s or later is required.", daemonVersion, minAPIVersion)
	}
	return nil
}

// Create creates a container without starting it.
func (rt *Runtime) Create(ctx context.Context, opts runtime.CreateOptions) (string, error) {
	config := &container.Config{
		Image:        opts.Image,
		Cmd:          opts.Cmd,
		Env:          opts.Env,
		User:         opts.User,
		WorkingDir:   opts.WorkingDir,
		Tty:          true,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}
	hostConfig := &container.HostConfig{Binds: opts.Binds}

	resp, err := rt.client.ContainerCreate(ctx, config, hostConfig, nil, opts.Name)
	if err != nil {
		return "", errors.WithContext(err, "create container")
	}
	return resp.ID, nil
}

// Start starts a created container.
func (rt *Runtime) Start(ctx context.Context, id string) error {
	if err := rt.client.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		return errors.WithContext(err, "start container")
	}
	return nil
}

// Stop stops a running container.
func (rt *Runtime) Stop(ctx context.Context, id string) error {
	timeout := stopTimeout
	if err := rt.client.ContainerStop(ctx, id, &timeout); err != nil {
		return errors.WithContext(err, "stop container")
	}
	return nil
}

// Remove removes a container and its anonymous volumes.
func (rt *Runtime) Remove(ctx context.Context, id string) error {
	opts := types.ContainerRemoveOptions{RemoveVolumes: true, Force: true}
	if err := rt.client.ContainerRemove(ctx, id, opts); err != nil {
		return errors.WithContext(err, "remove container")
	}
	return nil
}

// List returns the containers whose name contains `nameFilter`.
func (rt *Runtime) List(ctx context.Context, nameFilter string, all bool) ([]runtime.Container, error) {
	opts := types.ContainerListOptions{All: all}
	if nameFilter != "" {
		opts.Filters = filters.NewArgs(filters.Arg("name", nameFilter))
	}

	containers, err := rt.client.ContainerList(ctx, opts)
	if err != nil {
		return nil, errors.WithContext(err, "list containers")
	}

	var res []runtime.Container
	for _, c := range containers {
		var name string
		if len(c.Names) != 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}

		// The daemon's name filter is a regex match, so double check that
		// the name actually contains the filter.
		if !strings.Contains(name, nameFilter) {
			continue
		}

		res = append(res, runtime.Container{
			ID:      c.ID,
			Name:    name,
			Image:   c.Image,
			State:   c.State,
			Status:  c.Status,
			Created: time.Unix(c.Created, 0),
		})
	}
	return res, nil
}

// Exec runs a command in the container and waits for it to exit.
func (rt *Runtime) Exec(ctx context.Context, id string, opts runtime.ExecOptions) (process.Result, error) {
	opts.Tty = false
	opts.Stdin = false
	execID, resp, err := rt.startExec(ctx, id, opts)
	if err != nil {
		return process.Result{}, err
	}
	defer resp.Close()

	var stdout, stderr bytes.Buffer
	copyErr := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader)
		copyErr <- err
	}()

	select {
	case err := <-copyErr:
		if err != nil {
			return process.Result{}, errors.WithContext(err, "read output")
		}
	case <-ctx.Done():
		return process.Result{}, errors.WithContext(ctx.Err(), strings.Join(opts.Cmd, " "))
	}

	inspect, err := rt.client.ContainerExecInspect(ctx, execID)
	if err != nil {
		return process.Result{}, errors.WithContext(err, "inspect exec")
	}

	res := process.Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}
	if res.ExitCode != 0 {
		return res, errors.CommandError{
			Command:  strings.Join(opts.Cmd, " "),
			ExitCode: res.ExitCode,
			Output:   strings.TrimSpace(res.Stderr + res.Stdout),
		}
	}
	return res, nil
}

// ExecStream starts a command in the container and returns its stream.
func (rt *Runtime) ExecStream(ctx context.Context, id string, opts runtime.ExecOptions) (runtime.Stream, error) {
	execID, resp, err := rt.startExec(ctx, id, opts)
	if err != nil {
		return nil, err
	}
	return newStream(rt.client, execID, resp, opts.Tty), nil
}

func (rt *Runtime) startExec(ctx context.Context, id string, opts runtime.ExecOptions) (
	string, types.HijackedResponse, error) {
	config := types.ExecConfig{
		User:         opts.User,
		Tty:          opts.Tty,
		AttachStdin:  opts.Stdin,
		AttachStdout: true,
		AttachStderr: true,
		Env:          opts.Env,
		WorkingDir:   opts.WorkingDir,
		Cmd:          opts.Cmd,
	}

	created, err := rt.client.ContainerExecCreate(ctx, id, config)
	if err != nil {
		return "", types.HijackedResponse{}, errors.WithContext(err, "create exec")
	}

	resp, err := rt.client.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{Tty: opts.Tty})
	if err != nil {
		return "", types.HijackedResponse{}, errors.WithContext(err, "attach exec")
	}
	return created.ID, resp, nil
}

// CopyTo extracts a tar stream into a directory in the container.
func (rt *Runtime) CopyTo(ctx context.Context, id, dstDir string, content io.Reader) error {
	opts := types.CopyToContainerOptions{AllowOverwriteDirWithFile: true}
	if err := rt.client.CopyToContainer(ctx, id, dstDir, content, opts); err != nil {
		return errors.WithContext(err, "copy to container")
	}
	return nil
}

// CopyFrom returns a tar stream of a path in the container.
func (rt *Runtime) CopyFrom(ctx context.Context, id, srcPath string) (io.ReadCloser, error) {
	rc, _, err := rt.client.CopyFromContainer(ctx, id, srcPath)
	if err != nil {
		return nil, errors.WithContext(err, "copy from container")
	}
	return rc, nil
}
