package excludes

import (
	"os"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromGitignore(t *testing.T) {
	gitignore := `
# build output
dist/
*.log

!keep.log
config/local.json
   coverage   
`
	assert.Equal(t, []string{
		"dist/",
		"dist/**",
		"*.log",
		"**/*.log",
		"config/local.json",
		"coverage",
		"**/coverage",
	}, FromGitignore(gitignore))
}

func TestForRepo(t *testing.T) {
	fs = afero.NewMemMapFs()

	patterns, err := ForRepo("/repo")
	require.NoError(t, err)
	assert.Equal(t, Builtin, patterns)

	require.NoError(t, afero.WriteFile(fs, "/repo/.gitignore", []byte("tmp/\n"), 0644))
	patterns, err = ForRepo("/repo")
	require.NoError(t, err)
	assert.Equal(t, append(append([]string{}, Builtin...), "tmp/", "tmp/**"), patterns)
}

func TestWriteFile(t *testing.T) {
	fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/repo/.gitignore", []byte("*.tmp"), 0644))

	patterns, err := WriteFile("/repo", "/tmp/claude-shadows/abc-excludes.txt")
	require.NoError(t, err)
	assert.Contains(t, patterns, "**/*.tmp")

	contents, err := afero.ReadFile(fs, "/tmp/claude-shadows/abc-excludes.txt")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(contents), ".git\n.git/**\nnode_modules\n"))
	assert.True(t, strings.HasSuffix(string(contents), "\n*.tmp\n**/*.tmp"))
}

type unreadableFs struct {
	afero.Fs
}

func (unreadableFs) Open(name string) (afero.File, error) {
	return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrPermission}
}

func TestWriteFileFallsBackToMinimal(t *testing.T) {
	fs = unreadableFs{afero.NewMemMapFs()}

	patterns, err := WriteFile("/repo", "/out/excludes.txt")
	require.NoError(t, err)
	assert.Equal(t, Minimal, patterns)

	contents, err := afero.ReadFile(fs.(unreadableFs).Fs, "/out/excludes.txt")
	require.NoError(t, err)
	assert.Equal(t, ".git\nnode_modules\n.next\n__pycache__\n.venv", string(contents))
}

func TestMatcher(t *testing.T) {
	patterns := append(append([]string{}, Builtin...),
		FromGitignore("dist/\n*.log\nconfig/local.json\n/root-only.txt\n")...)
	m := NewMatcher(patterns)

	tests := []struct {
		path  string
		isDir bool
		exp   bool
	}{
		{".git", true, true},
		{".git/HEAD", false, true},
		{"sub/.git/config", false, true},
		{"node_modules/react/index.js", false, true},
		{"web/node_modules", true, true},
		{"pkg/__pycache__/mod.cpython-311.pyc", false, true},
		{"pkg/mod.pyc", false, true},
		{"app.log", false, true},
		{"logs/deep/app.log", false, true},
		{"dist", true, true},
		{"dist/bundle.js", false, true},
		{"dist", false, false},
		{"config/local.json", false, true},
		{"nested/config/local.json", false, true},
		{"root-only.txt", false, true},
		{"nested/root-only.txt", false, false},
		{".DS_Store", false, true},
		{"src/main.go", false, false},
		{"README.md", false, false},
		{".gitignore", false, false},
		{".", true, false},
	}

	for _, test := range tests {
		assert.Equal(t, test.exp, m.Match(test.path, test.isDir), test.path)
	}
}

func TestMatcherSkipsInvalidPatterns(t *testing.T) {
	m := NewMatcher([]string{"[unterminated", "*.tmp"})
	assert.True(t, m.Match("a.tmp", false))
	assert.False(t, m.Match("a.txt", false))
}
