// Package patch parses unified diffs and applies them to file contents.
package patch

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
)

// ErrEmpty is returned when a diff contains no file changes.
var ErrEmpty = errors.New("patch contains no file changes")

// FileDiff is the diff of a single file.
type FileDiff struct {
	OldPath   string
	NewPath   string
	IsNew     bool
	IsDeleted bool

	file *gitdiff.File
}

// Path returns the path the change applies to.
func (f *FileDiff) Path() string {
	if f.IsDeleted || f.NewPath == "" {
		return f.OldPath
	}
	return f.NewPath
}

// Parse splits a unified diff into per-file diffs. Both git diffs and plain
// unified diffs with a/ and b/ prefixes are accepted.
func Parse(unified string) ([]FileDiff, error) {
	files, _, err := gitdiff.Parse(strings.NewReader(unified))
	if err != nil {
		return nil, err
	}

	// Plain unified headers keep their a/ and b/ prefixes.
	plain := !strings.HasPrefix(unified, "diff --git ") && !strings.Contains(unified, "\ndiff --git ")

	out := make([]FileDiff, 0, len(files))
	for _, f := range files {
		d := FileDiff{
			OldPath:   f.OldName,
			NewPath:   f.NewName,
			IsNew:     f.IsNew,
			IsDeleted: f.IsDelete,
			file:      f,
		}
		if plain {
			d.OldPath = trimSide(d.OldPath)
			d.NewPath = trimSide(d.NewPath)
		}
		if d.Path() != "" {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		return nil, ErrEmpty
	}
	return out, nil
}

// Files returns the paths touched by a unified diff, in order of appearance.
// Unparseable input yields the paths found in its +++/--- headers.
func Files(unified string) []string {
	var paths []string
	seen := make(map[string]bool)
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}

	if diffs, err := Parse(unified); err == nil {
		for i := range diffs {
			add(diffs[i].Path())
		}
		return paths
	}
	for _, line := range strings.Split(unified, "\n") {
		switch {
		case strings.HasPrefix(line, "+++ b/"):
			add(strings.TrimSpace(line[6:]))
		case strings.HasPrefix(line, "--- a/"):
			add(strings.TrimSpace(line[6:]))
		}
	}
	return paths
}

// Content returns the lines the diff adds, which is the full content of a
// new file.
func (f *FileDiff) Content() string {
	var b strings.Builder
	for _, frag := range f.file.TextFragments {
		for _, l := range frag.Lines {
			if l.Op == gitdiff.OpAdd {
				b.WriteString(l.Line)
			}
		}
	}
	return b.String()
}

// Apply applies the diff to original. Context and removed lines must match
// the original exactly.
func (f *FileDiff) Apply(original string) (string, error) {
	if f.IsNew {
		return f.Content(), nil
	}
	if f.IsDeleted {
		return "", nil
	}

	var out bytes.Buffer
	if err := gitdiff.Apply(&out, strings.NewReader(original), f.file); err != nil {
		return "", fmt.Errorf("%s: %w", f.Path(), err)
	}
	return out.String(), nil
}

func trimSide(p string) string {
	if strings.HasPrefix(p, "a/") || strings.HasPrefix(p, "b/") {
		return p[2:]
	}
	return p
}
