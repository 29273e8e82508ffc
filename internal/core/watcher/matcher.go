package watcher

import (
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// Matcher checks whether a relative file path should trigger a restart.
// Grounded on internal/app/watcher/matcher.go, unchanged.
type Matcher interface {
	Match(path string) bool
	MatchDir(dirPath string) bool
}

type matcher struct {
	patterns []glob.Glob
	ignores  []glob.Glob
}

// NewMatcher builds a Matcher from include/ignore glob patterns. Nil
// includes means "match everything not ignored".
func NewMatcher(includes, ignores []string) (Matcher, error) {
	m := &matcher{
		patterns: make([]glob.Glob, 0, len(includes)),
		ignores:  make([]glob.Glob, 0, len(ignores)),
	}

	if len(includes) == 0 {
		includes = []string{"**"}
	}

	for _, p := range expandPatterns(includes) {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, err
		}

		m.patterns = append(m.patterns, g)
	}

	for _, p := range expandPatterns(ignores) {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, err
		}

		m.ignores = append(m.ignores, g)
	}

	return m, nil
}

func expandPatterns(patterns []string) []string {
	expanded := make([]string, 0, len(patterns)*2)

	for _, p := range patterns {
		expanded = append(expanded, p)

		if strings.HasPrefix(p, "**/") {
			expanded = append(expanded, strings.TrimPrefix(p, "**/"))
		}
	}

	return expanded
}

func (m *matcher) Match(path string) bool {
	path = normalizePath(path)

	for _, ignore := range m.ignores {
		if ignore.Match(path) {
			return false
		}
	}

	for _, pattern := range m.patterns {
		if pattern.Match(path) {
			return true
		}
	}

	return false
}

func (m *matcher) MatchDir(dirPath string) bool {
	probe := normalizePath(dirPath + "/_probe")

	for _, ignore := range m.ignores {
		if ignore.Match(probe) {
			return true
		}
	}

	return false
}

func normalizePath(path string) string {
	path = filepath.ToSlash(path)
	return strings.TrimPrefix(path, "./")
}
