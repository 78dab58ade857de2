package transfer

import (
	"context"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/wodexiaobai322/claude-code-sandbox/pkg/archive"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/errors"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/runtime"
	"github.com/wodexiaobai322/claude-code-sandbox/pkg/sync"
)

// Archive pulls the entire workspace through the runtime's copy API, and
// mirrors it onto the destination on the host.
type Archive struct {
	Runtime runtime.Runtime
}

// Name implements Strategy.
func (Archive) Name() string {
	return "archive"
}

// Transfer implements Strategy.
func (s Archive) Transfer(ctx context.Context, req Request) error {
	tmp, err := afero.TempDir(fs, "", "claude-sandbox-sync")
	if err != nil {
		return errors.WithContext(err, "create temp dir")
	}
	defer func() {
		if err := fs.RemoveAll(tmp); err != nil {
			log.WithError(err).WithField("path", tmp).Warn("Failed to remove temp dir")
		}
	}()

	tarStream, err := s.Runtime.CopyFrom(ctx, req.ContainerID, req.WorkspacePath)
	if err != nil {
		return errors.WithContext(err, "copy workspace")
	}
	defer tarStream.Close()

	if _, err := archive.Extract(tarStream, tmp, 1); err != nil {
		return errors.WithContext(err, "extract")
	}

	res, err := sync.Mirror(tmp, req.Destination, req.skipFunc())
	if err != nil {
		return errors.WithContext(err, "mirror")
	}

	log.WithFields(log.Fields{
		"container": runtime.ShortID(req.ContainerID),
		"copied":    res.Copied,
		"removed":   res.Removed,
	}).Debug("Mirrored workspace")
	return nil
}
