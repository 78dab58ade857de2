package sync

import (
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/wodexiaobai322/claude-code-sandbox/pkg/errors"
)

// Result summarizes a mirror.
type Result struct {
	Copied  int
	Removed int
}

// Mirror makes the tree at `dstRoot` match the tree at `srcRoot`. Paths
// matched by `skip` are ignored in both trees.
func Mirror(srcRoot, dstRoot string, skip SkipFunc) (Result, error) {
	src, err := SnapshotTree(srcRoot, skip)
	if err != nil {
		return Result{}, errors.WithContext(err, "snapshot source")
	}

	if err := fs.MkdirAll(dstRoot, 0755); err != nil {
		return Result{}, errors.WithContext(err, "create destination")
	}

	dst, err := SnapshotTree(dstRoot, skip)
	if err != nil {
		return Result{}, errors.WithContext(err, "snapshot destination")
	}

	toCopy, toRemove := src.Diff(dst)

	var res Result
	for _, path := range toRemove {
		err := fs.RemoveAll(filepath.Join(dstRoot, filepath.FromSlash(path)))
		if err != nil && !os.IsNotExist(err) {
			return res, errors.WithContext(err, "remove "+path)
		}
		res.Removed++
	}

	for _, f := range toCopy {
		if err := copyFile(f, filepath.Join(dstRoot, filepath.FromSlash(f.Path))); err != nil {
			return res, errors.WithContext(err, "copy "+f.Path)
		}
		res.Copied++
	}

	log.WithFields(log.Fields{
		"copied":  res.Copied,
		"removed": res.Removed,
	}).Debug("Mirrored tree")
	return res, nil
}

func copyFile(f File, dst string) error {
	if err := fs.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return errors.WithContext(err, "mkdir")
	}

	src, err := fs.Open(f.ContentsPath)
	if err != nil {
		return errors.WithContext(err, "open source")
	}
	defer src.Close()

	out, err := fs.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, f.Mode.Perm())
	if err != nil {
		return errors.WithContext(err, "open destination")
	}

	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return errors.WithContext(err, "write")
	}
	if err := out.Close(); err != nil {
		return errors.WithContext(err, "close")
	}

	// OpenFile only applies the mode when creating the file.
	return fs.Chmod(dst, f.Mode.Perm())
}
