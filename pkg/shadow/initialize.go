package shadow

import (
	"context"
	"strings"

	git "gopkg.in/src-d/go-git.v4"
	gitconfig "gopkg.in/src-d/go-git.v4/config"
	"gopkg.in/src-d/go-git.v4/plumbing"

	"github.com/wodexiaobai322/claude-code-sandbox/pkg/errors"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/excludes"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/strategy"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/sync"
)

const (
	defaultBranch      = "main"
	snapshotCommitMsg  = "Initial snapshot of working directory"
	emptyCommitMessage = "Initial commit"
)

// Initialize creates the working tree from the original repository. Any
// stale tree at the same path is removed first. The original is cloned
// shallowly if possible, then fully, and if neither works its files are
// copied into a fresh repository.
func (r *Repository) Initialize(ctx context.Context) error {
	if r.cleanedUp() {
		return errors.ErrShadowNotFound
	}

	r.setState(Initializing)
	if err := r.initialize(ctx); err != nil {
		r.setState(Uninitialized)
		return errors.WithContext(err, "initialize")
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	if r.state == CleanedUp {
		return errors.ErrShadowNotFound
	}
	r.initialized = true
	r.state = Ready
	return nil
}

func (r *Repository) initialize(ctx context.Context) error {
	r.log().Info("Creating shadow repository")

	if err := fs.MkdirAll(r.opts.Root, 0755); err != nil {
		return errors.WithContext(err, "create shadow root")
	}
	if err := fs.RemoveAll(r.path); err != nil {
		return errors.WithContext(err, "remove stale shadow repository")
	}

	sourceBranch := defaultBranch
	original, err := git.PlainOpen(r.opts.OriginalRepo)
	if err == nil {
		if head, err := original.Head(); err == nil && head.Name().IsBranch() {
			sourceBranch = head.Name().Short()
		}
	} else {
		r.log().WithError(err).Debug("Failed to open original repository")
	}

	winner, err := strategy.First(ctx, r.log(), []strategy.Strategy{
		{Name: "shallow clone", Attempt: r.cloneStrategy(sourceBranch, 1)},
		{Name: "full clone", Attempt: r.cloneStrategy(sourceBranch, 0)},
		{Name: "copy", Attempt: r.copyStrategy(sourceBranch)},
	})
	if err != nil {
		return err
	}
	r.log().WithField("via", winner).Debug("Created working tree")

	if r.opts.TargetBranch != "" && r.opts.TargetBranch != sourceBranch {
		if _, err := r.git(ctx, "checkout", "-b", r.opts.TargetBranch); err != nil {
			return errors.WithContext(err, "create target branch")
		}
	}

	if original != nil {
		if err := r.configureRemote(original); err != nil {
			r.log().WithError(err).Debug("Could not configure remote URL, using local")
		}
	}

	if _, err := r.git(ctx, "rev-parse", "HEAD"); err != nil {
		if _, err := r.git(ctx, "add", "."); err != nil {
			return errors.WithContext(err, "stage initial files")
		}
		if _, err := r.git(ctx, "commit", "--allow-empty", "-m", emptyCommitMessage); err != nil {
			return errors.WithContext(err, "create initial commit")
		}
	}

	// Commit the starting state, so that files deleted in the container
	// show up as deletions.
	if _, err := r.git(ctx, "add", "."); err != nil {
		r.log().WithError(err).Debug("Could not stage files")
	} else if _, err := r.git(ctx, "commit", "--allow-empty", "-m", snapshotCommitMsg); err != nil {
		r.log().WithError(err).Debug("Could not commit initial snapshot")
	}

	r.log().Info("Shadow repository created")
	return nil
}

func (r *Repository) cloneStrategy(branch string, depth int) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := fs.RemoveAll(r.path); err != nil {
			return err
		}

		_, err := git.PlainCloneContext(ctx, r.path, false, &git.CloneOptions{
			URL:           r.opts.OriginalRepo,
			ReferenceName: plumbing.NewBranchReferenceName(branch),
			SingleBranch:  true,
			Depth:         depth,
		})
		return err
	}
}

// copyStrategy copies the original's working tree, and commits it to a
// new repository.
func (r *Repository) copyStrategy(branch string) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := fs.RemoveAll(r.path); err != nil {
			return err
		}

		patterns, err := excludes.ForRepo(r.opts.OriginalRepo)
		if err != nil {
			patterns = excludes.Minimal
		}
		matcher := excludes.NewMatcher(patterns)
		skip := func(relPath string, isDir bool) bool {
			return relPath == ".git" || matcher.Match(relPath, isDir)
		}

		if _, err := sync.Mirror(r.opts.OriginalRepo, r.path, skip); err != nil {
			return errors.WithContext(err, "copy working tree")
		}

		if _, err := r.git(ctx, "init"); err != nil {
			return err
		}
		if _, err := r.git(ctx, "add", "."); err != nil {
			return err
		}
		_, err = r.git(ctx, "commit", "--allow-empty", "-m", "Initial commit from "+branch)
		return err
	}
}

// configureRemote points the shadow repository's origin at the original's
// origin, so that pushes go to the real remote rather than the local
// clone. Local remotes aren't copied.
func (r *Repository) configureRemote(original *git.Repository) error {
	remote, err := original.Remote("origin")
	if err != nil {
		return errors.WithContext(err, "get original remote")
	}

	urls := remote.Config().URLs
	if len(urls) == 0 {
		return nil
	}

	url := urls[0]
	if strings.HasPrefix(url, "/") || strings.HasPrefix(url, "file://") {
		return nil
	}

	shadow, err := git.PlainOpen(r.path)
	if err != nil {
		return errors.WithContext(err, "open shadow repository")
	}

	if ok, err := hasOrigin(shadow); err != nil {
		return err
	} else if ok {
		if err := shadow.DeleteRemote("origin"); err != nil {
			return errors.WithContext(err, "remove local origin")
		}
	}

	_, err = shadow.CreateRemote(&gitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{url},
	})
	if err != nil {
		return errors.WithContext(err, "create origin")
	}

	r.log().WithField("remote", url).Info("Configured remote")
	return nil
}
