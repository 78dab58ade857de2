package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/wodexiaobai322/claude-code-sandbox/pkg/errors"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/process"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/runtime"
)

// unknownBranch is reported while the container's shadow repository can't
// tell its branch yet.
const unknownBranch = "loading..."

// GitInfo describes the branch a sandbox is working on.
type GitInfo struct {
	CurrentBranch string          `json:"currentBranch"`
	BranchURL     string          `json:"branchUrl"`
	RepoURL       string          `json:"repoUrl"`
	PRs           json.RawMessage `json:"prs"`
}

func (s *Server) handleGitInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.gitInfo(r.Context(), r.URL.Query().Get("containerId"))
	if err != nil {
		s.log.WithError(err).Error("Failed to get git info")
		writeError(w, "Failed to get git info")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) gitInfo(ctx context.Context, containerID string) (GitInfo, error) {
	info := GitInfo{CurrentBranch: unknownBranch, PRs: json.RawMessage("[]")}

	if repo, ok := s.repos.Get(containerID); containerID != "" && ok {
		branch, err := repo.CurrentBranch(ctx)
		if err != nil {
			s.log.WithError(err).WithField("container", runtime.ShortID(containerID)).
				Warn("Could not get branch from shadow repository")
		} else {
			info.CurrentBranch = branch
		}
	} else {
		branch, err := s.git(ctx, "rev-parse", "--abbrev-ref", "HEAD")
		if err != nil {
			return GitInfo{}, errors.WithContext(err, "get current branch")
		}
		info.CurrentBranch = branch
	}

	// Links and pull requests always refer to the original repository.
	remote, err := s.git(ctx, "remote", "get-url", "origin")
	if err != nil {
		s.log.WithError(err).Debug("Could not get repository URL")
	} else {
		info.RepoURL = repoWebURL(remote)
	}
	if info.RepoURL != "" {
		info.BranchURL = info.RepoURL + "/tree/" + info.CurrentBranch
	}

	if prs, ok := s.pullRequests(ctx, info.CurrentBranch); ok {
		info.PRs = prs
	}
	return info, nil
}

func (s *Server) git(ctx context.Context, args ...string) (string, error) {
	return process.Output(ctx, s.runner, process.Command{
		Name: "git",
		Args: args,
		Dir:  s.cfg.OriginalRepo,
	})
}

// pullRequests lists the pull requests for the branch with the GitHub CLI.
// It's common for the CLI to be missing or logged out, so failures aren't
// errors.
func (s *Server) pullRequests(ctx context.Context, branch string) (json.RawMessage, bool) {
	if _, err := process.Output(ctx, s.runner, process.Command{
		Name: "which",
		Args: []string{"gh"},
	}); err != nil {
		s.log.Debug("GitHub CLI not available, skipping PR info fetch")
		return nil, false
	}

	out, err := process.Output(ctx, s.runner, process.Command{
		Name: "gh",
		Args: []string{"pr", "list", "--head", branch,
			"--json", "number,title,state,url,isDraft,mergeable"},
		Dir: s.cfg.OriginalRepo,
	})
	if err != nil {
		s.log.WithError(err).Debug("Failed to list pull requests")
		return nil, false
	}

	if out == "" || !json.Valid([]byte(out)) {
		return nil, false
	}
	return json.RawMessage(out), true
}

// repoWebURL converts a git remote into the URL of the repository's web
// page. Remotes that aren't hosted over HTTPS or GitHub SSH have no web page.
func repoWebURL(remote string) string {
	switch {
	case strings.HasPrefix(remote, "git@github.com:"):
		remote = "https://github.com/" + strings.TrimPrefix(remote, "git@github.com:")
	case strings.HasPrefix(remote, "https://"):
	default:
		return ""
	}
	return strings.TrimSuffix(remote, ".git")
}
