package sync

import (
	"crypto/sha512"
	"encoding/base64"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/wodexiaobai322/claude-code-sandbox/pkg/errors"
)

// Mocked out for unit testing.
var fs = afero.NewOsFs()

// SkipFunc decides whether a path relative to the tree root is ignored.
// Skipping a directory skips its contents.
type SkipFunc func(relPath string, isDir bool) bool

// FileAttributes contains some metadata used to compare whether two files are
// equal.
type FileAttributes struct {
	// ContentsHash is the sha512 hash of the contents of the file.
	ContentsHash string

	// Mode is the file mode of the file.
	Mode os.FileMode
}

// Equal returns whether two files are equal (i.e. whether a copy is
// necessary).
func (f FileAttributes) Equal(otherFile FileAttributes) bool {
	return f.ContentsHash == otherFile.ContentsHash && f.Mode == otherFile.Mode
}

// A File is an entry in a snapshotted tree.
type File struct {
	// Path is the slash-separated path relative to the tree root.
	Path string

	// ContentsPath is the path that can be opened by this process.
	ContentsPath string

	IsDir bool

	// FileAttributes is only set for regular files.
	FileAttributes
}

// Snapshot is a collection of the files in a tree, keyed by Path.
type Snapshot map[string]File

// HashFile returns the sha512 hash of the file at the given path.
func HashFile(path string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", errors.WithContext(err, "open")
	}
	defer f.Close()

	hasher := sha512.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", errors.WithContext(err, "read")
	}

	return base64.StdEncoding.EncodeToString(hasher.Sum(nil)), nil
}

// SnapshotTree returns the regular files and directories under `root`.
// Symlinks and other special files are ignored.
func SnapshotTree(root string, skip SkipFunc) (Snapshot, error) {
	files := Snapshot{}
	err := afero.Walk(fs, root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relativePath, err := filepath.Rel(root, path)
		if err != nil || strings.HasPrefix(relativePath, "..") {
			return errors.WithContext(err, "normalized path")
		}
		if relativePath == "." {
			return nil
		}
		relativePath = filepath.ToSlash(relativePath)

		if skip != nil && skip(relativePath, fi.IsDir()) {
			if fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if fi.IsDir() {
			files[relativePath] = File{Path: relativePath, ContentsPath: path, IsDir: true}
			return nil
		}

		if !fi.Mode().IsRegular() {
			return nil
		}

		contentsHash, err := HashFile(path)
		if err != nil {
			return errors.WithContext(err, relativePath)
		}

		files[relativePath] = File{
			Path:         relativePath,
			ContentsPath: path,
			FileAttributes: FileAttributes{
				ContentsHash: contentsHash,
				Mode:         fi.Mode(),
			},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// Diff returns the files that need to be copied from `src` so that `dst`
// matches it, and the paths in `dst` that need to be removed. Removals are
// ordered so that children come before their parents.
func (src Snapshot) Diff(dst Snapshot) (toCopy []File, toRemove []string) {
	for _, exp := range src {
		if exp.IsDir {
			continue
		}

		curr, ok := dst[exp.Path]
		if !ok || curr.IsDir || !curr.FileAttributes.Equal(exp.FileAttributes) {
			toCopy = append(toCopy, exp)
		}
	}

	for _, curr := range dst {
		exp, ok := src[curr.Path]
		if !ok || exp.IsDir != curr.IsDir {
			toRemove = append(toRemove, curr.Path)
		}
	}

	sort.Slice(toCopy, func(i, j int) bool {
		return toCopy[i].Path < toCopy[j].Path
	})
	sort.Slice(toRemove, func(i, j int) bool {
		return toRemove[i] > toRemove[j]
	})
	return
}
