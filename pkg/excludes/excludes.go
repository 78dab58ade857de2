// Package excludes builds the exclude-pattern set used when copying a
// container's workspace, and matches paths against it.
//
// Patterns follow rsync's exclude syntax: a pattern without a slash matches
// the final path component at any depth, a trailing slash restricts the
// pattern to directories, and `**` matches across directory boundaries.
package excludes

import (
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/wodexiaobai322/claude-code-sandbox/pkg/errors"
)

// Mocked out for unit testing.
var fs = afero.NewOsFs()

// Builtin are excluded from every transfer regardless of the repository's
// ignore rules.
var Builtin = []string{
	".git",
	".git/**",
	"node_modules",
	"node_modules/**",
	".next",
	".next/**",
	"__pycache__",
	"__pycache__/**",
	".venv",
	".venv/**",
	"*.pyc",
	"*.pyo",
	".DS_Store",
	"Thumbs.db",
}

// Minimal is written instead of the full set when the full set can't be
// prepared.
var Minimal = []string{
	".git",
	"node_modules",
	".next",
	"__pycache__",
	".venv",
}

// FromGitignore converts the contents of a .gitignore file into rsync
// exclude patterns. Negations aren't representable as excludes and are
// dropped.
func FromGitignore(contents string) (patterns []string) {
	for _, line := range strings.Split(contents, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		if strings.HasPrefix(trimmed, "!") {
			continue
		}

		if strings.HasSuffix(trimmed, "/") {
			patterns = append(patterns, trimmed, trimmed+"**")
			continue
		}

		patterns = append(patterns, trimmed)
		if !strings.Contains(trimmed, "/") {
			patterns = append(patterns, "**/"+trimmed)
		}
	}
	return patterns
}

// ForRepo returns the builtin patterns followed by the patterns derived from
// the repository's top-level .gitignore, if it has one.
func ForRepo(repoPath string) ([]string, error) {
	patterns := append([]string{}, Builtin...)

	gitignorePath := filepath.Join(repoPath, ".gitignore")
	contents, err := afero.ReadFile(fs, gitignorePath)
	switch {
	case err == nil:
		patterns = append(patterns, FromGitignore(string(contents))...)
	case os.IsNotExist(err):
	default:
		return nil, errors.WithContext(err, "read .gitignore")
	}
	return patterns, nil
}

// WriteFile writes the exclude file for `repoPath` to `path`, one pattern
// per line. If the full pattern set can't be built, the minimal set is
// written instead. The written patterns are returned.
func WriteFile(repoPath, path string) ([]string, error) {
	patterns, err := ForRepo(repoPath)
	if err != nil {
		log.WithError(err).Warn("Could not prepare gitignore excludes")
		patterns = Minimal
	}

	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.WithContext(err, "create exclude file directory")
	}

	contents := strings.Join(patterns, "\n")
	if err := afero.WriteFile(fs, path, []byte(contents), 0644); err != nil {
		return nil, errors.WithContext(err, "write exclude file")
	}

	log.WithField("path", path).Debugf("Created exclude file with %d patterns", len(patterns))
	return patterns, nil
}

type rule struct {
	dirOnly bool

	// base is set for patterns that only match the final path component.
	base glob.Glob

	// full is set for patterns that match the entire relative path.
	full []glob.Glob
}

func (r rule) match(relPath string, isDir bool) bool {
	if r.dirOnly && !isDir {
		return false
	}

	if r.base != nil {
		return r.base.Match(path.Base(relPath))
	}

	for _, g := range r.full {
		if g.Match(relPath) {
			return true
		}
	}
	return false
}

// Matcher decides whether a path relative to the workspace root is
// excluded.
type Matcher struct {
	rules []rule
}

// NewMatcher compiles the given patterns. Patterns that fail to compile are
// logged and skipped.
func NewMatcher(patterns []string) Matcher {
	var m Matcher
	for _, pattern := range patterns {
		r, err := compile(pattern)
		if err != nil {
			log.WithError(err).WithField("pattern", pattern).Warn("Ignoring invalid exclude pattern")
			continue
		}
		m.rules = append(m.rules, r)
	}
	return m
}

func compile(pattern string) (rule, error) {
	var r rule
	if strings.HasSuffix(pattern, "/") {
		r.dirOnly = true
		pattern = strings.TrimSuffix(pattern, "/")
	}

	if !strings.Contains(pattern, "/") && !strings.Contains(pattern, "**") {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return rule{}, err
		}
		r.base = g
		return r, nil
	}

	// Patterns containing a slash are matched against the full path. Unless
	// they're anchored with a leading slash, they may match starting at any
	// directory.
	candidates := []string{strings.TrimPrefix(pattern, "/")}
	if !strings.HasPrefix(pattern, "/") && !strings.HasPrefix(pattern, "**/") {
		candidates = append(candidates, "**/"+pattern)
	}

	for _, c := range candidates {
		g, err := glob.Compile(c, '/')
		if err != nil {
			return rule{}, err
		}
		r.full = append(r.full, g)
	}
	return r, nil
}

// Match returns whether `relPath` is excluded, either directly or because
// one of its parent directories is excluded.
func (m Matcher) Match(relPath string, isDir bool) bool {
	relPath = path.Clean(filepath.ToSlash(relPath))
	if relPath == "." || relPath == "" {
		return false
	}

	parts := strings.Split(relPath, "/")
	for i := range parts {
		prefix := strings.Join(parts[:i+1], "/")
		prefixIsDir := isDir || i < len(parts)-1
		for _, r := range m.rules {
			if r.match(prefix, prefixIsDir) {
				return true
			}
		}
	}
	return false
}
