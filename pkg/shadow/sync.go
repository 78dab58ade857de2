package shadow

import (
	"context"

	"github.com/wodexiaobai322/claude-code-sandbox/pkg/errors"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/excludes"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/transfer"
)

const baselineCommitMessage = "Establish baseline from container content"

// Sync copies the container's workspace into the working tree, and stages
// every change, including deletions. The repository is initialized first
// if needed. A repository that has been cleaned up is never synced again.
func (r *Repository) Sync(ctx context.Context) error {
	if r.cleanedUp() {
		return errors.ErrShadowNotFound
	}

	if !r.Initialized() {
		if err := r.Initialize(ctx); err != nil {
			return err
		}
	}

	r.setState(Syncing)
	defer r.setState(Ready)

	patterns, err := excludes.WriteFile(r.opts.OriginalRepo, r.excludeFile)
	if err != nil {
		return errors.WithContext(err, "prepare excludes")
	}

	if r.opts.Owner != "" {
		transfer.FixOwnership(ctx, r.rt, r.opts.ContainerID, r.opts.WorkspacePath, r.opts.Owner)
	}

	strategy := r.transfers.For(ctx, r.opts.ContainerID)
	err = strategy.Transfer(ctx, transfer.Request{
		ContainerID:   r.opts.ContainerID,
		WorkspacePath: r.opts.WorkspacePath,
		Destination:   r.path,
		ExcludeFile:   r.excludeFile,
		Excludes:      patterns,
	})
	if err != nil {
		return errors.WithContext(err, strategy.Name()+" transfer")
	}

	if _, err := r.git(ctx, "add", "-A"); err != nil {
		r.log().WithError(err).Warn("Could not stage changes")
	}

	r.log().WithField("strategy", strategy.Name()).Info("Files synced")
	return nil
}

// EstablishBaseline commits the current contents of the working tree and
// syncs again. It's used after the first sync of a new repository, so that
// later diffs only contain changes made inside the container.
func (r *Repository) EstablishBaseline(ctx context.Context) error {
	if r.cleanedUp() {
		return errors.ErrShadowNotFound
	}

	if _, err := r.git(ctx, "add", "-A"); err != nil {
		return errors.WithContext(err, "stage")
	}

	if _, err := r.git(ctx, "commit", "--allow-empty", "-m", baselineCommitMessage); err != nil {
		return errors.WithContext(err, "commit")
	}

	r.log().Info("Clean baseline established")
	return r.Sync(ctx)
}
