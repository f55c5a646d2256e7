// Package registry maintains the authoritative FileIdentity -> TailFile map
// (§4.2): opening newly matched files, reopening rotated ones, detecting
// truncation, and closing files that drop out of the matched set or sit
// idle past the configured timeout.
package registry

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"tailsource/internal/identity"
	"tailsource/internal/logging"
	"tailsource/internal/matcher"
	"tailsource/internal/position"
	"tailsource/internal/tailfile"
)

// Group is the subset of a FileGroup's configuration the Registry needs to
// construct TailFiles for its matches: the static header overlay.
type Group struct {
	Name    string
	Headers map[string]string
}

// Config configures a Registry.
type Config struct {
	// IdleTimeout is how long a tracked identity may go unmatched, or
	// unmodified, before it is evicted.
	IdleTimeout time.Duration
	// OpenFileBudget bounds the number of simultaneously open handles; 0
	// means unbounded.
	OpenFileBudget int
	// SkipToEnd initializes newly discovered files (with no Position Store
	// entry) at end-of-file instead of offset 0.
	SkipToEnd bool
	// Multiline, if non-nil, is applied to every TailFile constructed.
	Multiline *tailfile.MultilineConfig
	Positions *position.Store
	Logger    *slog.Logger
}

// Entry is one tracked file and its reader.
type Entry struct {
	ID      identity.FileIdentity
	Path    string
	Headers map[string]string
	Tail    *tailfile.TailFile

	// LastUpdated is the file's mtime as of the last cycle that observed it
	// grow or have its mtime advance — drives consumption ordering
	// (§4.2 "Ordering of consumption") and the idle-checker.
	LastUpdated time.Time
	// LastRead is the wall-clock time this entry's TailFile was last asked
	// for records — drives open-file-budget LRU eviction.
	LastRead time.Time

	missingSince time.Time // zero while still present in the matched set
	size         int64
	modTime      time.Time
}

// Registry is the in-memory FileIdentity -> Entry map.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	entries map[identity.FileIdentity]*Entry
}

// New constructs an empty Registry.
func New(cfg Config) *Registry {
	return &Registry{
		cfg:     cfg,
		logger:  logging.Default(cfg.Logger).With("component", "registry"),
		entries: make(map[identity.FileIdentity]*Entry),
	}
}

// Reconcile applies one cycle of the §4.2 algorithm against the Matcher's
// current output, returning the entries that have pending content to read,
// ordered ascending by LastUpdated then FileIdentity (§4.2 "Ordering of
// consumption").
func (r *Registry) Reconcile(matches []matcher.Match, groups map[string]Group) ([]*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	seen := make(map[identity.FileIdentity]bool, len(matches))
	var dirty []*Entry

	for _, m := range matches {
		group := groups[m.Group]
		info, err := os.Stat(m.Path)
		if err != nil {
			r.logger.Warn("stat failed, skipping for this cycle", "path", m.Path, "error", err)
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		id, err := identity.StatPath(m.Path)
		if err != nil {
			r.logger.Warn("identity stat failed, skipping for this cycle", "path", m.Path, "error", err)
			continue
		}
		seen[id] = true

		entry, tracked := r.entries[id]
		if !tracked {
			entry, err = r.open(id, m.Path, group, info)
			if err != nil {
				r.logger.Warn("failed to open matched file", "path", m.Path, "error", err)
				continue
			}
			r.entries[id] = entry
			dirty = append(dirty, entry)
			continue
		}

		entry.missingSince = time.Time{}
		if entry.Path != m.Path {
			r.logger.Info("tracked file renamed in place", "old_path", entry.Path, "new_path", m.Path, "identity", id.String())
			entry.Path = m.Path
			entry.Tail.Path = m.Path
		}

		changed := info.Size() != entry.size || info.ModTime().After(entry.modTime)
		if info.Size() < entry.Tail.Pos() {
			if err := r.truncate(entry); err != nil {
				r.logger.Warn("truncation recovery failed", "path", entry.Path, "error", err)
				continue
			}
		}
		if changed {
			// LastUpdated tracks the file's own mtime, not wall-clock poll
			// time, so consumption order (§4.2) reflects which file's
			// content actually changed most recently.
			entry.LastUpdated = info.ModTime()
			dirty = append(dirty, entry)
		}
		entry.size = info.Size()
		entry.modTime = info.ModTime()
	}

	for id, entry := range r.entries {
		if seen[id] {
			continue
		}
		if entry.missingSince.IsZero() {
			entry.missingSince = now
			continue
		}
		if r.cfg.IdleTimeout > 0 && now.Sub(entry.missingSince) > r.cfg.IdleTimeout {
			r.remove(id, entry)
		}
	}

	sort.Slice(dirty, func(i, j int) bool {
		if !dirty[i].LastUpdated.Equal(dirty[j].LastUpdated) {
			return dirty[i].LastUpdated.Before(dirty[j].LastUpdated)
		}
		if dirty[i].ID.Device() != dirty[j].ID.Device() {
			return dirty[i].ID.Device() < dirty[j].ID.Device()
		}
		return dirty[i].ID.Inode() < dirty[j].ID.Inode()
	})

	r.enforceBudget()
	return dirty, nil
}

// open constructs a new tracked Entry, initializing its TailFile at the
// Position Store's recorded offset if one exists for this identity,
// otherwise at offset 0 (or end-of-file when SkipToEnd is set).
func (r *Registry) open(id identity.FileIdentity, path string, group Group, info os.FileInfo) (*Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("registry: open %s: %w", path, err)
	}

	startPos := int64(0)
	if r.cfg.Positions != nil {
		if pos, ok := r.cfg.Positions.Lookup(id); ok {
			startPos = pos
		} else if r.cfg.SkipToEnd {
			startPos = info.Size()
		}
	} else if r.cfg.SkipToEnd {
		startPos = info.Size()
	}

	tf, err := tailfile.Open(tailfile.Config{
		Path:      path,
		Identity:  id,
		File:      f,
		Pos:       startPos,
		Headers:   group.Headers,
		Multiline: r.cfg.Multiline,
		Logger:    r.cfg.Logger,
	})
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	return &Entry{
		ID:          id,
		Path:        path,
		Headers:     group.Headers,
		Tail:        tf,
		LastUpdated: info.ModTime(),
		LastRead:    time.Now(),
		size:        info.Size(),
		modTime:     info.ModTime(),
	}, nil
}

// truncate handles §4.2 rule 6: a tracked identity whose current length has
// dropped below its committed offset is treated as truncated in place.
func (r *Registry) truncate(entry *Entry) error {
	r.logger.Info("truncation detected", "path", entry.Path, "identity", entry.ID.String())
	f, err := os.Open(entry.Path)
	if err != nil {
		return err
	}
	return entry.Tail.Reopen(f, entry.ID, 0)
}

// remove closes and forgets a tracked identity, per §4.2 rule 5.
func (r *Registry) remove(id identity.FileIdentity, entry *Entry) {
	r.logger.Info("file no longer matched, evicting", "path", entry.Path, "identity", id.String())
	_ = entry.Tail.Close()
	delete(r.entries, id)
	if r.cfg.Positions != nil {
		r.cfg.Positions.Forget(id)
	}
}

// enforceBudget closes the least-recently-read open handles until the
// number of open TailFiles is within OpenFileBudget (§4.2 "Open file
// budget"). Offsets are retained; Reattach lazily reopens on next read.
func (r *Registry) enforceBudget() {
	if r.cfg.OpenFileBudget <= 0 {
		return
	}
	var open []*Entry
	for _, e := range r.entries {
		if e.Tail.IsOpen() {
			open = append(open, e)
		}
	}
	if len(open) <= r.cfg.OpenFileBudget {
		return
	}
	sort.Slice(open, func(i, j int) bool { return open[i].LastRead.Before(open[j].LastRead) })
	excess := len(open) - r.cfg.OpenFileBudget
	for _, e := range open[:excess] {
		if err := e.Tail.Close(); err != nil {
			r.logger.Warn("failed to close evicted handle", "path", e.Path, "error", err)
			continue
		}
		r.logger.Debug("closed handle under open-file budget", "path", e.Path)
	}
}

// Touch records that entry's TailFile was just asked for records, for LRU
// eviction purposes. Reattach is performed here if a prior budget eviction
// closed the handle.
func (r *Registry) Touch(entry *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry.LastRead = time.Now()
	if entry.Tail.IsOpen() {
		return nil
	}
	f, err := os.Open(entry.Path)
	if err != nil {
		return fmt.Errorf("registry: reopen %s: %w", entry.Path, err)
	}
	return entry.Tail.Reattach(f)
}

// CloseIdle closes (without removing) any open TailFile whose LastUpdated
// exceeds IdleTimeout, run periodically by the background idle-checker
// (§5).
func (r *Registry) CloseIdle(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cfg.IdleTimeout <= 0 {
		return
	}
	for _, e := range r.entries {
		if !e.Tail.IsOpen() {
			continue
		}
		if now.Sub(e.LastUpdated) > r.cfg.IdleTimeout {
			if err := e.Tail.Close(); err != nil {
				r.logger.Warn("idle-checker close failed", "path", e.Path, "error", err)
				continue
			}
			r.logger.Debug("closed idle file", "path", e.Path)
		}
	}
}

// Entries returns every tracked entry, for shutdown handling.
func (r *Registry) Entries() []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// CloseAll closes every tracked TailFile's handle, called on shutdown.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, e := range r.entries {
		if err := e.Tail.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
