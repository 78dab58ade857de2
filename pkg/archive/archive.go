// Package archive converts between directory trees and the tar streams the
// container runtime copies in and out of containers.
package archive

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/wodexiaobai322/claude-code-sandbox/pkg/errors"
)

var (
	// Mocked out for unit testing.
	fs      = afero.NewOsFs()
	symlink = os.Symlink
)

// SkipFunc decides whether a path, relative to the archived root, should be
// left out. Skipping a directory skips its contents.
type SkipFunc func(relPath string, isDir bool) bool

// Directory writes the tree rooted at `src` to `w` as a tar stream. Entry
// names are relative to `src`, joined onto `prefix` if it's set.
func Directory(w io.Writer, src, prefix string, skip SkipFunc) error {
	tw := tar.NewWriter(w)

	err := afero.Walk(fs, src, func(file string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(src, file)
		if err != nil {
			return errors.WithContext(err, fmt.Sprintf("get relative path of %s to %s", file, src))
		}
		if relPath == "." {
			return nil
		}
		relPath = filepath.ToSlash(relPath)

		if skip != nil && skip(relPath, fi.IsDir()) {
			if fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		var link string
		if fi.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(file); err != nil {
				return errors.WithContext(err, fmt.Sprintf("read link %s", file))
			}
		}

		header, err := tar.FileInfoHeader(fi, link)
		if err != nil {
			return errors.WithContext(err, fmt.Sprintf("make header %s", file))
		}

		header.Name = path.Join(prefix, relPath)
		if fi.IsDir() {
			header.Name += "/"
		}
		if err := tw.WriteHeader(header); err != nil {
			return errors.WithContext(err, fmt.Sprintf("write %s header", file))
		}

		// Only write contents if it's a file (i.e. not a directory).
		if !fi.Mode().IsRegular() {
			return nil
		}

		f, err := fs.Open(file)
		if err != nil {
			return errors.WithContext(err, fmt.Sprintf("open %s", file))
		}
		defer f.Close()

		if _, err := io.Copy(tw, f); err != nil {
			return errors.WithContext(err, fmt.Sprintf("copy %s", file))
		}
		return nil
	})
	if err != nil {
		return err
	}
	return tw.Close()
}

// SingleFile returns a tar stream containing one regular file.
func SingleFile(name string, contents []byte, mode os.FileMode) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	header := &tar.Header{
		Name:     name,
		Mode:     int64(mode.Perm()),
		Size:     int64(len(contents)),
		ModTime:  time.Now(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(header); err != nil {
		return nil, errors.WithContext(err, "write header")
	}
	if _, err := tw.Write(contents); err != nil {
		return nil, errors.WithContext(err, "write contents")
	}
	if err := tw.Close(); err != nil {
		return nil, errors.WithContext(err, "close")
	}
	return &buf, nil
}

// Extract unpacks the tar stream `r` into `dst`. The first `strip` leading
// path components are removed from each entry, similar to tar's
// --strip-components. Entries that would escape `dst` are rejected.
// It returns the number of regular files written.
func Extract(r io.Reader, dst string, strip int) (int, error) {
	if err := fs.MkdirAll(dst, 0755); err != nil {
		return 0, errors.WithContext(err, "create destination")
	}

	var written int
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, errors.WithContext(err, "read tar")
		}

		name, ok := stripComponents(header.Name, strip)
		if !ok {
			continue
		}

		target := filepath.Join(dst, filepath.FromSlash(name))
		if !isWithin(dst, target) {
			return written, errors.New("tar entry %q escapes destination", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := fs.MkdirAll(target, 0755); err != nil {
				return written, errors.WithContext(err, fmt.Sprintf("mkdir %s", name))
			}
		case tar.TypeReg, tar.TypeRegA:
			if err := writeFile(tr, target, os.FileMode(header.Mode).Perm()); err != nil {
				return written, errors.WithContext(err, fmt.Sprintf("write %s", name))
			}
			written++
		case tar.TypeSymlink:
			if err := fs.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return written, errors.WithContext(err, fmt.Sprintf("mkdir %s", name))
			}
			_ = fs.Remove(target)
			if err := symlink(header.Linkname, target); err != nil {
				return written, errors.WithContext(err, fmt.Sprintf("symlink %s", name))
			}
		default:
			log.WithField("path", name).Debugf("Skipping unsupported tar entry type %q", header.Typeflag)
		}
	}
}

func writeFile(r io.Reader, target string, mode os.FileMode) error {
	if err := fs.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}

	f, err := fs.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func stripComponents(name string, strip int) (string, bool) {
	name = strings.TrimPrefix(path.Clean("/"+name), "/")
	if name == "" {
		return "", false
	}

	parts := strings.Split(name, "/")
	if len(parts) <= strip {
		return "", false
	}
	return strings.Join(parts[strip:], "/"), true
}

func isWithin(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
