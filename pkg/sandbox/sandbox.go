// Package sandbox creates the containers that sessions run in, and seeds
// them with the user's repository.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	git "gopkg.in/src-d/go-git.v4"

	"github.com/wodexiaobai322/claude-code-sandbox/pkg/archive"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/config"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/errors"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/excludes"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/process"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/runtime"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/transfer"
)

// passthroughEnv are host environment variables that are forwarded into
// the container when they're set.
var passthroughEnv = []string{
	"ANTHROPIC_API_KEY",
	"GITHUB_TOKEN",
	"GIT_AUTHOR_NAME",
	"GIT_AUTHOR_EMAIL",
	"GIT_COMMITTER_NAME",
	"GIT_COMMITTER_EMAIL",
}

// Mocked out for unit testing.
var (
	fs      = afero.NewOsFs()
	now     = time.Now
	getenv  = os.Getenv
	homeDir = homedir.Dir
)

// Options describes the sandbox to create.
type Options struct {
	Config config.Sandbox

	// RepoPath is the host repository copied into the workspace.
	RepoPath string

	// Name overrides the generated container name.
	Name string
}

// Container is a created sandbox.
type Container struct {
	ID string

	// Branch is the branch checked out for the session. It's empty if the
	// workspace isn't a git checkout, or the branch couldn't be created.
	Branch string
}

// Create creates and starts a container, copies the repository into its
// workspace, and runs the configured setup commands. If the container
// can't be started, it's removed.
func Create(ctx context.Context, rt runtime.Runtime, runner process.Runner, opts Options) (Container, error) {
	cfg := opts.Config
	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("%s-%d", cfg.ContainerPrefix, now().Unix())
	}

	id, err := rt.Create(ctx, runtime.CreateOptions{
		Name:       name,
		Image:      cfg.DockerImage,
		Cmd:        []string{"/bin/bash", "-l"},
		Env:        environment(cfg),
		WorkingDir: cfg.WorkspacePath,
		Binds:      cfg.Volumes,
	})
	if err != nil {
		return Container{}, errors.WithContext(err, "create container")
	}

	logger := log.WithField("container", runtime.ShortID(id))
	if err := rt.Start(ctx, id); err != nil {
		if rmErr := rt.Remove(context.Background(), id); rmErr != nil {
			logger.WithError(rmErr).Warn("Failed to remove container that failed to start")
		}
		return Container{}, errors.WithContext(err, "start container")
	}
	logger.WithField("name", name).Info("Container started")

	gitMode := !cfg.NoGit && isGitRepo(opts.RepoPath)
	created := Container{ID: id}
	if err := copyWorkspace(ctx, rt, runner, id, opts.RepoPath, cfg, gitMode); err != nil {
		return created, errors.WithContext(err, "copy workspace")
	}

	home := path.Join("/home", cfg.SessionUser)
	if err := copyHostFile(ctx, rt, id, cfg.ClaudeConfigPath, home, ".claude.json", cfg.SessionUser); err != nil {
		logger.WithError(err).Warn("Failed to copy Claude configuration")
	}

	if gitMode {
		if hostHome, err := homeDir(); err == nil {
			gitConfig := filepath.Join(hostHome, ".gitconfig")
			if err := copyHostFile(ctx, rt, id, gitConfig, home, ".gitconfig", cfg.SessionUser); err != nil {
				logger.WithError(err).Warn("Failed to copy git configuration")
			}
		}
		created.Branch = checkoutBranch(ctx, rt, id, cfg)
	}

	runSetupCommands(ctx, rt, id, cfg)
	return created, nil
}

func environment(cfg config.Sandbox) []string {
	var env []string
	for key, val := range cfg.Environment {
		env = append(env, key+"="+val)
	}
	for _, key := range passthroughEnv {
		if _, ok := cfg.Environment[key]; ok {
			continue
		}
		if val := getenv(key); val != "" {
			env = append(env, key+"="+val)
		}
	}
	sort.Strings(env)
	return env
}

func isGitRepo(repoPath string) bool {
	_, err := git.PlainOpen(repoPath)
	return err == nil
}

// copyWorkspace streams the repository into the workspace. Excluded paths
// are skipped, and so are untracked files unless they're explicitly
// included. The git history is only copied for git repositories.
func copyWorkspace(ctx context.Context, rt runtime.Runtime, runner process.Runner,
	id, repoPath string, cfg config.Sandbox, gitMode bool) error {
	patterns, err := excludes.ForRepo(repoPath)
	if err != nil {
		log.WithError(err).Warn("Could not prepare gitignore excludes")
		patterns = excludes.Minimal
	}
	matcher := excludes.NewMatcher(patterns)

	untracked := map[string]bool{}
	if gitMode && !cfg.IncludeUntracked {
		out, err := process.Output(ctx, runner, process.Command{
			Name: "git",
			Args: []string{"ls-files", "--others", "--exclude-standard"},
			Dir:  repoPath,
		})
		if err != nil {
			return errors.WithContext(err, "list untracked files")
		}
		for _, file := range strings.Split(out, "\n") {
			if file != "" {
				untracked[file] = true
			}
		}
	}

	skip := func(relPath string, isDir bool) bool {
		if relPath == ".git" || strings.HasPrefix(relPath, ".git/") {
			return !gitMode
		}
		return untracked[relPath] || matcher.Match(relPath, isDir)
	}

	if _, err := rt.Exec(ctx, id, runtime.ExecOptions{
		User: "root",
		Cmd:  []string{"mkdir", "-p", cfg.WorkspacePath},
	}); err != nil {
		return errors.WithContext(err, "create workspace")
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(archive.Directory(pw, repoPath, "", skip))
	}()
	err = rt.CopyTo(ctx, id, cfg.WorkspacePath, pr)
	pr.Close()
	if err != nil {
		return err
	}

	transfer.FixOwnership(ctx, rt, id, cfg.WorkspacePath, cfg.SessionUser)
	log.WithField("container", runtime.ShortID(id)).
		WithField("untracked", len(untracked)).
		Info("Copied repository into the workspace")
	return nil
}

// copyHostFile copies a host file into `dstDir` as `name`, owned by
// `owner`. Missing host files are skipped.
func copyHostFile(ctx context.Context, rt runtime.Runtime, id, hostPath, dstDir, name, owner string) error {
	contents, err := afero.ReadFile(fs, hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.WithField("path", hostPath).Debug("Not copying missing file")
			return nil
		}
		return errors.WithContext(err, "read")
	}

	tarball, err := archive.SingleFile(name, contents, 0644)
	if err != nil {
		return errors.WithContext(err, "archive")
	}

	if err := rt.CopyTo(ctx, id, dstDir, tarball); err != nil {
		return err
	}

	transfer.FixOwnership(ctx, rt, id, path.Join(dstDir, name), owner)
	return nil
}

// checkoutBranch switches the container's checkout to the branch the
// session works on, so that the user's branch is never committed to. It
// returns the branch, or the empty string if it couldn't be created.
func checkoutBranch(ctx context.Context, rt runtime.Runtime, id string, cfg config.Sandbox) string {
	branch := cfg.TargetBranch
	if branch == "" {
		branch = "claude/" + now().Format("2006-01-02-15-04-05")
	}

	logger := log.WithField("container", runtime.ShortID(id)).WithField("branch", branch)
	_, err := rt.Exec(ctx, id, runtime.ExecOptions{
		User:       cfg.SessionUser,
		WorkingDir: cfg.WorkspacePath,
		Cmd:        []string{"git", "checkout", "-b", branch},
	})
	if err != nil {
		logger.WithError(err).Warn("Failed to create session branch")
		return ""
	}
	logger.Info("Created session branch")
	return branch
}

// runSetupCommands runs each setup command in the workspace. A failing
// command doesn't stop the ones after it.
func runSetupCommands(ctx context.Context, rt runtime.Runtime, id string, cfg config.Sandbox) {
	for i, command := range cfg.SetupCommands {
		logger := log.WithField("container", runtime.ShortID(id)).
			WithField("command", command).
			WithField("step", fmt.Sprintf("%d/%d", i+1, len(cfg.SetupCommands)))
		logger.Info("Running setup command")

		res, err := rt.Exec(ctx, id, runtime.ExecOptions{
			User:       cfg.SessionUser,
			WorkingDir: cfg.WorkspacePath,
			Cmd:        []string{"/bin/bash", "-c", command},
		})
		if err != nil {
			logger.WithError(err).Warn("Setup command failed")
			continue
		}
		logger.Debug(strings.TrimSpace(res.Stdout))
	}
}

// List returns the sandbox containers. Stopped containers are only
// included if `all` is set.
func List(ctx context.Context, rt runtime.Runtime, cfg config.Sandbox, all bool) ([]runtime.Container, error) {
	containers, err := rt.List(ctx, cfg.ContainerPrefix, all)
	if err != nil {
		return nil, errors.WithContext(err, "list containers")
	}
	return containers, nil
}

// Remove stops and removes a container. Containers that are already
// stopped are just removed.
func Remove(ctx context.Context, rt runtime.Runtime, id string) error {
	if err := rt.Stop(ctx, id); err != nil {
		log.WithError(err).WithField("container", runtime.ShortID(id)).
			Debug("Failed to stop container, removing it anyway")
	}

	if err := rt.Remove(ctx, id); err != nil {
		return errors.WithContext(err, "remove container")
	}
	return nil
}
