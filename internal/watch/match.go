package watch

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// Matcher reports whether a project-relative path is selected by a pattern set.
// Patterns use glob syntax with '/' as separator. A pattern also selects
// everything below a directory it matches, so "scripts" covers "scripts/app.js".
type Matcher struct {
	patterns []string
	globs    []glob.Glob
}

// Compile builds a Matcher. Empty patterns are skipped.
func Compile(patterns []string) (*Matcher, error) {
	m := &Matcher{}
	for _, p := range patterns {
		p = normalize(p)
		if p == "" {
			continue
		}
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid watch pattern %q: %w", p, err)
		}
		m.patterns = append(m.patterns, p)
		m.globs = append(m.globs, g)
	}
	return m, nil
}

// Patterns returns the normalized patterns in declaration order.
func (m *Matcher) Patterns() []string {
	out := make([]string, len(m.patterns))
	copy(out, m.patterns)
	return out
}

// Match reports whether rel, or one of its parent directories, matches a pattern.
func (m *Matcher) Match(rel string) bool {
	rel = normalize(rel)
	if rel == "" || m == nil {
		return false
	}
	for p := rel; p != "." && p != ""; p = path.Dir(p) {
		for _, g := range m.globs {
			if g.Match(p) {
				return true
			}
		}
		if !strings.Contains(p, "/") {
			break
		}
	}
	return false
}

func normalize(p string) string {
	p = strings.TrimSpace(filepath.ToSlash(p))
	p = strings.TrimPrefix(p, "./")
	return strings.TrimSuffix(p, "/")
}
