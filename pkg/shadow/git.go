package shadow

import (
	"context"

	git "gopkg.in/src-d/go-git.v4"

	"github.com/wodexiaobai322/claude-code-sandbox/pkg/errors"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/process"
)

// git runs a git command in the working tree, and returns its raw output.
func (r *Repository) git(ctx context.Context, args ...string) (process.Result, error) {
	return r.runner.Run(ctx, process.Command{Name: "git", Args: args, Dir: r.path})
}

// gitOutput is like git, but trims the output.
func (r *Repository) gitOutput(ctx context.Context, args ...string) (string, error) {
	return process.Output(ctx, r.runner, process.Command{Name: "git", Args: args, Dir: r.path})
}

// CurrentBranch returns the branch checked out in the working tree.
func (r *Repository) CurrentBranch(ctx context.Context) (string, error) {
	repo, err := git.PlainOpen(r.path)
	if err != nil {
		return "", errors.WithContext(err, "open")
	}

	head, err := repo.Head()
	if err != nil {
		// HEAD may point at a branch without any commits.
		return r.gitOutput(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	}
	if !head.Name().IsBranch() {
		return "HEAD", nil
	}
	return head.Name().Short(), nil
}

// HasRemote returns whether the working tree has an origin remote.
func (r *Repository) HasRemote() (bool, error) {
	repo, err := git.PlainOpen(r.path)
	if err != nil {
		return false, errors.WithContext(err, "open")
	}
	return hasOrigin(repo)
}

// Commit syncs the container, and commits everything in the working tree.
func (r *Repository) Commit(ctx context.Context, message string) error {
	if err := r.Sync(ctx); err != nil {
		return errors.WithContext(err, "sync")
	}

	if _, err := r.git(ctx, "add", "."); err != nil {
		return errors.WithContext(err, "stage")
	}

	if _, err := r.git(ctx, "commit", "-m", message); err != nil {
		return errors.WithContext(err, "commit")
	}

	r.log().Info("Committed changes")
	return nil
}

// Push syncs the container, switches to `branch` if it's set, and pushes
// the current branch to origin.
func (r *Repository) Push(ctx context.Context, branch string) error {
	if err := r.Sync(ctx); err != nil {
		return errors.WithContext(err, "sync")
	}

	if branch != "" && branch != "main" {
		if _, err := r.git(ctx, "checkout", "-b", branch); err != nil {
			// The branch already exists.
			if _, err := r.git(ctx, "checkout", branch); err != nil {
				return errors.WithContext(err, "checkout")
			}
		}
	}

	hasRemote, err := r.HasRemote()
	if err != nil {
		return errors.WithContext(err, "get remote")
	}
	if !hasRemote {
		return errors.ErrNoRemote
	}

	pushBranch := branch
	if pushBranch == "" {
		pushBranch, err = r.CurrentBranch(ctx)
		if err != nil {
			return errors.WithContext(err, "get current branch")
		}
	}

	if _, err := r.git(ctx, "push", "-u", "origin", pushBranch); err != nil {
		return errors.WithContext(err, "push")
	}

	r.log().WithField("branch", pushBranch).Info("Pushed changes")
	return nil
}

func hasOrigin(repo *git.Repository) (bool, error) {
	_, err := repo.Remote("origin")
	switch err {
	case nil:
		return true, nil
	case git.ErrRemoteNotFound:
		return false, nil
	default:
		return false, err
	}
}
