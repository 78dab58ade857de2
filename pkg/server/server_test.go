package server

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	git "gopkg.in/src-d/go-git.v4"

	"github.com/wodexiaobai322/claude-code-sandbox/pkg/errors"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/process"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/runtime"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/runtime/fake"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/runtime/mocks"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/shadow"
)

const originalRepo = "/home/user/project"

// scriptedRunner returns canned results keyed by "<dir> <command>".
// Commands without a script fail.
type scriptedRunner map[string]process.Result

func (runner scriptedRunner) Run(_ context.Context, cmd process.Command) (process.Result, error) {
	res, ok := runner[cmd.Dir+" "+cmd.String()]
	if !ok {
		return process.Result{ExitCode: 1}, errors.CommandError{
			Command: cmd.String(), ExitCode: 1, Output: "not scripted"}
	}
	return res, nil
}

func newTestServer(rt runtime.Runtime, runner process.Runner, repos *shadow.Registry) *Server {
	log, _ := test.NewNullLogger()
	if repos == nil {
		repos = shadow.NewRegistry()
	}
	return New(log, Config{
		Port:            3456,
		OriginalRepo:    originalRepo,
		ContainerPrefix: "claude-code-sandbox",
	}, rt, runner, nil, nil, repos)
}

func get(t *testing.T, s *Server, path string) (int, string) {
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := ioutil.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestHealth(t *testing.T) {
	status, body := get(t, newTestServer(fake.New(), scriptedRunner{}, nil), "/api/health")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status": "ok"}`, body)
}

func TestAPIRequiresGet(t *testing.T) {
	srv := httptest.NewServer(newTestServer(fake.New(), scriptedRunner{}, nil).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/health", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestContainers(t *testing.T) {
	rt := fake.New()
	rt.Add(&fake.Container{ID: "1", Name: "claude-code-sandbox-1700000000", Image: "claude-code-sandbox:latest"})
	rt.Add(&fake.Container{ID: "2", Name: "postgres"})

	status, body := get(t, newTestServer(rt, scriptedRunner{}, nil), "/api/containers")
	assert.Equal(t, http.StatusOK, status)

	var containers []runtime.Container
	require.NoError(t, json.Unmarshal([]byte(body), &containers))
	require.Len(t, containers, 1)
	assert.Equal(t, "1", containers[0].ID)
	assert.Equal(t, "claude-code-sandbox-1700000000", containers[0].Name)
}

func TestContainersEmpty(t *testing.T) {
	status, body := get(t, newTestServer(fake.New(), scriptedRunner{}, nil), "/api/containers")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[]`, body)
}

func TestContainersError(t *testing.T) {
	rt := &mocks.Runtime{}
	rt.On("List", mock.Anything, "claude-code-sandbox", false).
		Return(nil, errors.New("daemon unreachable"))

	status, body := get(t, newTestServer(rt, scriptedRunner{}, nil), "/api/containers")
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.JSONEq(t, `{"error": "Failed to list containers"}`, body)
	rt.AssertExpectations(t)
}

func TestGitInfo(t *testing.T) {
	branch := originalRepo + " git rev-parse --abbrev-ref HEAD"
	remote := originalRepo + " git remote get-url origin"
	whichGh := " which gh"
	prMain := originalRepo + " gh pr list --head main --json number,title,state,url,isDraft,mergeable"
	prs := `[{"number":1,"title":"Add sandbox","state":"OPEN","url":"https://github.com/owner/repo/pull/1","isDraft":false,"mergeable":"MERGEABLE"}]`

	tests := []struct {
		name      string
		runner    scriptedRunner
		expStatus int
		expBody   string
	}{
		{
			name: "SSH remote with pull requests",
			runner: scriptedRunner{
				branch:  {Stdout: "main\n"},
				remote:  {Stdout: "git@github.com:owner/repo.git\n"},
				whichGh: {Stdout: "/usr/bin/gh\n"},
				prMain:  {Stdout: prs + "\n"},
			},
			expStatus: http.StatusOK,
			expBody: `{"currentBranch": "main",
				"branchUrl": "https://github.com/owner/repo/tree/main",
				"repoUrl": "https://github.com/owner/repo",
				"prs": ` + prs + `}`,
		},
		{
			name: "HTTPS remote without the GitHub CLI",
			runner: scriptedRunner{
				branch: {Stdout: "feature\n"},
				remote: {Stdout: "https://gitlab.com/owner/repo.git\n"},
			},
			expStatus: http.StatusOK,
			expBody: `{"currentBranch": "feature",
				"branchUrl": "https://gitlab.com/owner/repo/tree/feature",
				"repoUrl": "https://gitlab.com/owner/repo",
				"prs": []}`,
		},
		{
			name: "No remote",
			runner: scriptedRunner{
				branch: {Stdout: "main\n"},
			},
			expStatus: http.StatusOK,
			expBody:   `{"currentBranch": "main", "branchUrl": "", "repoUrl": "", "prs": []}`,
		},
		{
			name: "Malformed gh output",
			runner: scriptedRunner{
				branch:  {Stdout: "main\n"},
				whichGh: {Stdout: "/usr/bin/gh\n"},
				prMain:  {Stdout: "not json"},
			},
			expStatus: http.StatusOK,
			expBody:   `{"currentBranch": "main", "branchUrl": "", "repoUrl": "", "prs": []}`,
		},
		{
			name:      "Not a git repository",
			runner:    scriptedRunner{},
			expStatus: http.StatusInternalServerError,
			expBody:   `{"error": "Failed to get git info"}`,
		},
	}

	for _, test := range tests {
		status, body := get(t, newTestServer(fake.New(), test.runner, nil), "/api/git/info")
		assert.Equal(t, test.expStatus, status, test.name)
		assert.JSONEq(t, test.expBody, body, test.name)
	}
}

func TestGitInfoFromShadow(t *testing.T) {
	root, err := ioutil.TempDir("", "shadow-root")
	require.NoError(t, err)
	defer os.RemoveAll(root)

	containerID := "0123456789abcdef"
	shadowBranch := filepath.Join(root, "0123456789ab") + " git rev-parse --abbrev-ref HEAD"
	origin := originalRepo + " git remote get-url origin"
	runner := scriptedRunner{
		shadowBranch: {Stdout: "claude-changes\n"},
		origin:       {Stdout: "git@github.com:owner/repo\n"},
	}

	repos := shadow.NewRegistry()
	repo, _ := repos.GetOrCreate(containerID, func() *shadow.Repository {
		return shadow.New(shadow.Options{ContainerID: containerID, Root: root}, fake.New(), runner, nil)
	})

	// The working tree doesn't have any commits, so the branch is read
	// with the git CLI.
	_, err = git.PlainInit(repo.Path(), false)
	require.NoError(t, err)

	status, body := get(t, newTestServer(fake.New(), runner, repos), "/api/git/info?containerId="+containerID)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"currentBranch": "claude-changes",
		"branchUrl": "https://github.com/owner/repo/tree/claude-changes",
		"repoUrl": "https://github.com/owner/repo",
		"prs": []}`, body)
}

func TestRepoWebURL(t *testing.T) {
	tests := []struct {
		remote string
		exp    string
	}{
		{"git@github.com:owner/repo.git", "https://github.com/owner/repo"},
		{"git@github.com:owner/repo", "https://github.com/owner/repo"},
		{"https://github.com/owner/repo.git", "https://github.com/owner/repo"},
		{"https://github.com/owner/repo.github.io.git", "https://github.com/owner/repo.github.io"},
		{"/srv/git/repo.git", ""},
		{"ssh://git@example.com/repo.git", ""},
	}

	for _, test := range tests {
		assert.Equal(t, test.exp, repoWebURL(test.remote), test.remote)
	}
}

func addrInUse() error {
	return &net.OpError{
		Op:   "listen",
		Net:  "tcp",
		Addr: &net.TCPAddr{},
		Err:  os.NewSyscallError("bind", syscall.EADDRINUSE),
	}
}

func TestListenPortFallback(t *testing.T) {
	defer func() { listen = net.Listen }()

	var attempts []string
	listen = func(network, address string) (net.Listener, error) {
		attempts = append(attempts, address)
		if address != ":3458" {
			return nil, addrInUse()
		}
		return net.Listen(network, "127.0.0.1:0")
	}

	ln, err := newTestServer(fake.New(), scriptedRunner{}, nil).Listen()
	require.NoError(t, err)
	ln.Close()
	assert.Equal(t, []string{":3456", ":3457", ":3458"}, attempts)
}

func TestListenGivesUp(t *testing.T) {
	defer func() { listen = net.Listen }()

	var attempts int
	listen = func(_, _ string) (net.Listener, error) {
		attempts++
		return nil, addrInUse()
	}

	_, err := newTestServer(fake.New(), scriptedRunner{}, nil).Listen()
	assert.Error(t, err)
	assert.Equal(t, MaxPortAttempts, attempts)
}

func TestListenOtherError(t *testing.T) {
	defer func() { listen = net.Listen }()

	var attempts int
	listen = func(_, _ string) (net.Listener, error) {
		attempts++
		return nil, &net.OpError{Op: "listen", Err: os.NewSyscallError("bind", syscall.EACCES)}
	}

	_, err := newTestServer(fake.New(), scriptedRunner{}, nil).Listen()
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error)
	go func() {
		errCh <- newTestServer(fake.New(), scriptedRunner{}, nil).Serve(ctx, ln)
	}()

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	assert.NoError(t, <-errCh)
}
