// Package transfer copies a container's workspace onto a host directory.
//
// Two strategies are available. The rsync strategy stages the workspace
// inside the container so that deletions are reconciled at the source, and
// then pulls the staged tree in one copy. The archive strategy pulls the
// whole workspace and reconciles it on the host. Neither touches the
// destination's .git directory.
package transfer

import (
	"context"

	"github.com/spf13/afero"

	"github.com/wodexiaobai322/claude-code-sandbox/pkg/excludes"
)

// Mocked out for unit testing.
var fs = afero.NewOsFs()

// Request describes a single transfer.
type Request struct {
	ContainerID string

	// WorkspacePath is the directory in the container to copy.
	WorkspacePath string

	// Destination is the host directory to update.
	Destination string

	// ExcludeFile is the host path of the exclude file for this transfer.
	ExcludeFile string

	// Excludes are the patterns written to ExcludeFile.
	Excludes []string
}

// Strategy copies a container's workspace to the host.
type Strategy interface {
	Name() string
	Transfer(ctx context.Context, req Request) error
}

func (req Request) skipFunc() func(string, bool) bool {
	matcher := excludes.NewMatcher(req.Excludes)
	return func(relPath string, isDir bool) bool {
		return relPath == ".git" || matcher.Match(relPath, isDir)
	}
}
