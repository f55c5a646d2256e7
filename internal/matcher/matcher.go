// Package matcher resolves FileGroup glob patterns to the current set of
// matching regular files, caching per-directory scans so repeated polling
// doesn't re-walk unchanged directory trees.
//
// Glob semantics (github.com/bmatcuk/doublestar/v4): '?' matches one
// character within a segment, '*' matches zero or more characters within a
// single segment, '**' matches zero or more whole segments, '[...]'
// character classes and '{...}' alternation are supported within a segment.
// Patterns are matched against absolute paths.
package matcher

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"tailsource/internal/logging"
)

// Group pairs a name with a compiled glob pattern.
type Group struct {
	Name    string
	Pattern string
}

// Matcher caches directory listings keyed by directory path (the static,
// non-wildcard prefix of each group's glob and every directory its wildcard
// segments expand into), re-listing a directory only when its mtime has
// changed since the last scan.
//
// Known caveat addressed here, not reproduced (§9 open question): a file
// created between scans must still be surfaced. Every refresh re-stats each
// candidate directory in the glob's expansion and invalidates the cache
// entry on any mtime change — the cache never serves a directory listing
// without first confirming the mtime it was captured under still holds.
type Matcher struct {
	logger *slog.Logger

	mu     sync.Mutex
	groups []Group
	cache  map[string]*dirCache // directory path -> cache entry
}

type dirCache struct {
	modTime int64 // UnixNano
	files   []string
}

// New creates a Matcher over the given groups. A malformed glob is a fatal
// configuration error, returned immediately so construction fails fast
// rather than at the first refresh.
func New(groups []Group, logger *slog.Logger) (*Matcher, error) {
	for _, g := range groups {
		if _, err := doublestar.Match(g.Pattern, "x"); err != nil {
			return nil, &ConfigError{Group: g.Name, Pattern: g.Pattern, Err: err}
		}
	}
	return &Matcher{
		logger: logging.Default(logger).With("component", "matcher"),
		groups: groups,
		cache:  make(map[string]*dirCache),
	}, nil
}

// ConfigError reports a malformed glob pattern detected at construction.
type ConfigError struct {
	Group   string
	Pattern string
	Err     error
}

func (e *ConfigError) Error() string {
	return "matcher: group " + e.Group + ": invalid glob " + e.Pattern + ": " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Match is one matched file tagged with the group that matched it.
type Match struct {
	Path  string
	Group string
}

// Refresh resolves every group's glob to its current set of regular files,
// in deterministic ascending-path order, reusing cached directory listings
// whenever a directory's mtime hasn't advanced.
func (m *Matcher) Refresh() []Match {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Match
	for _, g := range m.groups {
		paths := m.expand(g.Pattern)
		for _, p := range paths {
			out = append(out, Match{Path: p, Group: g.Name})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Group < out[j].Group
	})
	return out
}

// expand walks the directories implied by pattern, rescanning any whose
// mtime changed, and returns the regular files within that match pattern.
func (m *Matcher) expand(pattern string) []string {
	base, rest := splitStaticPrefix(pattern)
	if rest == "" {
		// A pattern with no metacharacter names a single file directly.
		if info, err := os.Stat(base); err == nil && info.Mode().IsRegular() {
			return []string{filepath.FromSlash(base)}
		}
		return nil
	}
	var results []string
	m.walk(base, rest, pattern, &results)
	return results
}

// walk recursively expands the wildcard segments of rest rooted at dir,
// testing each discovered regular file against the full original pattern.
func (m *Matcher) walk(dir, rest, fullPattern string, results *[]string) {
	entries, ok := m.scanDir(dir)
	if !ok {
		return
	}

	if rest == "" {
		// rest is empty here only after a trailing '**': every regular file
		// directly inside dir is a candidate.
		for _, name := range entries {
			full := filepath.Join(dir, name)
			if info, err := os.Stat(full); err != nil || !info.Mode().IsRegular() {
				continue
			}
			if ok, _ := doublestar.Match(fullPattern, filepath.ToSlash(full)); ok {
				*results = append(*results, full)
			}
		}
		return
	}

	segment, remainder := splitFirstSegment(rest)
	if segment == "**" {
		// '**' matches zero or more whole segments: try the current dir as
		// the zero-segment case, then recurse into every subdirectory.
		m.walk(dir, remainder, fullPattern, results)
		for _, name := range entries {
			full := filepath.Join(dir, name)
			if isDir(full) {
				m.walk(full, rest, fullPattern, results)
			}
		}
		return
	}

	for _, name := range entries {
		matched, _ := doublestar.Match(segment, name)
		if !matched {
			continue
		}
		full := filepath.Join(dir, name)
		if remainder == "" {
			if info, err := os.Stat(full); err == nil && info.Mode().IsRegular() {
				if ok, _ := doublestar.Match(fullPattern, filepath.ToSlash(full)); ok {
					*results = append(*results, full)
				}
			}
			continue
		}
		if isDir(full) {
			m.walk(full, remainder, fullPattern, results)
		}
	}
}

// scanDir returns the entry names of dir, using the cache when dir's mtime
// hasn't advanced and re-reading (then updating the cache) otherwise. The
// boolean is false if dir is unreadable, which is logged and treated as
// "no matches" rather than aborting the whole refresh.
func (m *Matcher) scanDir(dir string) ([]string, bool) {
	info, err := os.Stat(dir)
	if err != nil {
		m.logger.Debug("directory unreadable, skipping", "dir", dir, "error", err)
		delete(m.cache, dir)
		return nil, false
	}
	if !info.IsDir() {
		return nil, false
	}

	mtime := info.ModTime().UnixNano()
	if cached, ok := m.cache[dir]; ok && cached.modTime == mtime {
		return cached.files, true
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		m.logger.Warn("failed to read directory", "dir", dir, "error", err)
		delete(m.cache, dir)
		return nil, false
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	m.cache[dir] = &dirCache{modTime: mtime, files: names}
	return names, true
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// splitStaticPrefix separates pattern into the longest directory path
// containing no glob metacharacter, and the remaining pattern segments.
func splitStaticPrefix(pattern string) (dir, rest string) {
	pattern = filepath.ToSlash(pattern)
	segments := strings.Split(pattern, "/")
	i := 0
	for ; i < len(segments); i++ {
		if containsMeta(segments[i]) {
			break
		}
	}
	dir = strings.Join(segments[:i], "/")
	if dir == "" {
		dir = "/"
	}
	rest = strings.Join(segments[i:], "/")
	return dir, rest
}

func splitFirstSegment(rest string) (segment, remainder string) {
	i := strings.IndexByte(rest, '/')
	if i < 0 {
		return rest, ""
	}
	return rest[:i], rest[i+1:]
}

func containsMeta(segment string) bool {
	return strings.ContainsAny(segment, "*?[{")
}
