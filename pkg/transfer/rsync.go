package transfer

import (
	"context"
	"path"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/wodexiaobai322/claude-code-sandbox/pkg/archive"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/errors"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/runtime"
)

const (
	stagingDir        = "/tmp/sync-staging"
	remoteExcludeFile = "/tmp/rsync-excludes.txt"
)

// Rsync runs rsync inside the container.
type Rsync struct {
	Runtime runtime.Runtime
}

// Name implements Strategy.
func (Rsync) Name() string {
	return "rsync"
}

// Transfer implements Strategy.
func (s Rsync) Transfer(ctx context.Context, req Request) error {
	id := req.ContainerID
	defer s.cleanup(ctx, id)

	if _, err := s.Runtime.Exec(ctx, id, runtime.ExecOptions{
		Cmd: []string{"mkdir", "-p", stagingDir},
	}); err != nil {
		return errors.WithContext(err, "create staging directory")
	}

	if err := s.copyExcludeFile(ctx, req); err != nil {
		return errors.WithContext(err, "copy exclude file")
	}

	_, err := s.Runtime.Exec(ctx, id, runtime.ExecOptions{
		Cmd: []string{"rsync", "-a", "--delete",
			"--exclude-from=" + remoteExcludeFile,
			req.WorkspacePath + "/", stagingDir + "/"},
	})
	if err != nil {
		return errors.WithContext(err, "rsync")
	}

	tarStream, err := s.Runtime.CopyFrom(ctx, id, stagingDir)
	if err != nil {
		return errors.WithContext(err, "copy staging directory")
	}
	defer tarStream.Close()

	// The shadow tree is only cleared once the staged copy is readable, so a
	// failed transfer leaves the previous snapshot in place.
	if err := clearExceptGit(req.Destination); err != nil {
		return errors.WithContext(err, "clear destination")
	}

	n, err := archive.Extract(tarStream, req.Destination, 1)
	if err != nil {
		return errors.WithContext(err, "extract")
	}

	log.WithField("container", runtime.ShortID(id)).
		WithField("files", n).
		Debug("Pulled staged workspace")
	return nil
}

func (s Rsync) copyExcludeFile(ctx context.Context, req Request) error {
	contents, err := afero.ReadFile(fs, req.ExcludeFile)
	if err != nil {
		return errors.WithContext(err, "read")
	}

	tarStream, err := archive.SingleFile(path.Base(remoteExcludeFile), contents, 0644)
	if err != nil {
		return err
	}
	return s.Runtime.CopyTo(ctx, req.ContainerID, path.Dir(remoteExcludeFile), tarStream)
}

func (s Rsync) cleanup(ctx context.Context, id string) {
	_, err := s.Runtime.Exec(ctx, id, runtime.ExecOptions{
		Cmd: []string{"rm", "-rf", stagingDir, remoteExcludeFile},
	})
	if err != nil {
		log.WithError(err).WithField("container", runtime.ShortID(id)).
			Debug("Failed to clean up sync staging directory")
	}
}

// clearExceptGit removes everything in `dir` other than its .git directory.
func clearExceptGit(dir string) error {
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return err
	}

	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.Name() == ".git" {
			continue
		}
		if err := fs.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}
