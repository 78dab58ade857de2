package shadow

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/wodexiaobai322/claude-code-sandbox/pkg/errors"
)

const noChangesSummary = "No changes detected"

// Changes summarizes the working tree's status.
type Changes struct {
	HasChanges bool
	Summary    string

	Modified int
	Added    int
	Deleted  int
}

// DiffStats counts the lines and files in a diff.
type DiffStats struct {
	Additions int `json:"additions"`
	Deletions int `json:"deletions"`
	Files     int `json:"files"`
}

// DiffData is the detailed view of the working tree's changes.
type DiffData struct {
	Status         string    `json:"status"`
	Diff           string    `json:"diff"`
	UntrackedFiles []string  `json:"untrackedFiles"`
	Stats          DiffStats `json:"stats"`
}

var diffHeader = regexp.MustCompile(`^diff --git a/(.*?) b/`)

// ParseStatus summarizes `git status --porcelain` output.
func ParseStatus(status string) Changes {
	var c Changes
	for _, line := range strings.Split(status, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}

		switch {
		case hasAnyPrefix(line, " M", "M ", "MM"):
			c.Modified++
		case hasAnyPrefix(line, "??", "A ", "AM"):
			c.Added++
		case hasAnyPrefix(line, " D", "D "):
			c.Deleted++
		}
		c.HasChanges = true
	}

	if !c.HasChanges {
		c.Summary = noChangesSummary
		return c
	}
	c.Summary = fmt.Sprintf("Modified: %d, Added: %d, Deleted: %d", c.Modified, c.Added, c.Deleted)
	return c
}

// CalculateDiffStats counts the added and removed lines in a unified diff,
// and the number of distinct files it touches. File header lines aren't
// counted as changes.
func CalculateDiffStats(diff string) DiffStats {
	var stats DiffStats
	files := map[string]struct{}{}
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
			stats.Additions++
		case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
			stats.Deletions++
		case strings.HasPrefix(line, "diff --git"):
			if match := diffHeader.FindStringSubmatch(line); match != nil {
				files[match[1]] = struct{}{}
			}
		}
	}
	stats.Files = len(files)
	return stats
}

// UntrackedFiles returns the untracked paths in `git status --porcelain`
// output.
func UntrackedFiles(status string) []string {
	var files []string
	for _, line := range strings.Split(status, "\n") {
		if strings.HasPrefix(line, "?? ") {
			files = append(files, line[3:])
		}
	}
	return files
}

// Changes summarizes the differences between the working tree and HEAD.
func (r *Repository) Changes(ctx context.Context) (Changes, error) {
	status, err := r.status(ctx)
	if err != nil {
		return Changes{}, err
	}
	return ParseStatus(status), nil
}

// DiffData returns the status, diff and statistics of the working tree.
func (r *Repository) DiffData(ctx context.Context) (DiffData, error) {
	status, err := r.status(ctx)
	if err != nil {
		return DiffData{}, err
	}

	var diff string
	if res, err := r.git(ctx, "diff", "HEAD"); err == nil {
		diff = res.Stdout
	} else if res, err := r.git(ctx, "diff"); err == nil {
		diff = res.Stdout
	} else {
		r.log().WithError(err).Debug("Could not generate diff")
		diff = "Could not generate diff"
	}

	return DiffData{
		Status:         status,
		Diff:           diff,
		UntrackedFiles: UntrackedFiles(status),
		Stats:          CalculateDiffStats(diff),
	}, nil
}

func (r *Repository) status(ctx context.Context) (string, error) {
	res, err := r.git(ctx, "status", "--porcelain")
	if err != nil {
		return "", errors.WithContext(err, "git status")
	}
	return res.Stdout, nil
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}
