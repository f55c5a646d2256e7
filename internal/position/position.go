// Package position implements the durable FileIdentity -> offset map
// (§4.4): a JSON snapshot rewritten atomically after each successful batch
// commit, with an optional zstd-compressed rotating backup.
package position

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/klauspost/compress/zstd"

	"tailsource/internal/identity"
	"tailsource/internal/logging"
)

// entry is one on-disk record. Device is a supplement to the spec's literal
// {inode, pos, file} shape: two filesystems can hand out the same inode
// number, so device is carried alongside it to keep identities collision-free
// across mount points. Unmarshaling tolerates its absence (device defaults to
// 0) so a snapshot in the original shape still loads.
type entry struct {
	Inode  uint64 `json:"inode"`
	Device uint64 `json:"device,omitempty"`
	Pos    int64  `json:"pos"`
	File   string `json:"file"`
}

// Store is the in-memory copy of the position snapshot plus the on-disk path
// it is persisted to.
type Store struct {
	path          string
	backupPath    string
	logger        *slog.Logger
	compressBackup bool

	mu   sync.Mutex
	data map[identity.FileIdentity]entry
}

// Config configures a Store.
type Config struct {
	// Path to the JSON snapshot file.
	Path string
	// CompressBackup, if true, keeps a zstd-compressed copy of the previous
	// snapshot at Path+".bak.zst" before each rewrite.
	CompressBackup bool
	Logger         *slog.Logger
}

// Open loads an existing snapshot from cfg.Path, if any. A missing file is
// not an error: it means no prior state exists. A corrupt file is logged and
// treated as empty, per §7 "Position file corruption".
func Open(cfg Config) (*Store, error) {
	s := &Store{
		path:           cfg.Path,
		backupPath:     cfg.Path + ".bak.zst",
		compressBackup: cfg.CompressBackup,
		logger:         logging.Default(cfg.Logger).With("component", "position", "path", cfg.Path),
		data:           make(map[identity.FileIdentity]entry),
	}
	if cfg.Path == "" {
		return s, nil
	}

	raw, err := os.ReadFile(cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("position: read %s: %w", cfg.Path, err)
	}

	var entries []entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		s.logger.Warn("position snapshot corrupt, starting from empty state", "error", err)
		return s, nil
	}
	for _, e := range entries {
		id := identity.New(e.Device, e.Inode)
		// An identity that no longer resolves to e.File (file gone, or
		// replaced by something else at that path) is dropped silently
		// rather than carried forward forever (§4.4 "Snapshot load").
		if current, err := identity.StatPath(e.File); err != nil || current != id {
			continue
		}
		s.data[id] = e
	}
	return s, nil
}

// Lookup returns the persisted offset for id, if any file with that identity
// was tracked at the last write.
func (s *Store) Lookup(id identity.FileIdentity) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[id]
	if !ok {
		return 0, false
	}
	return e.Pos, true
}

// Update records the current offset for id, to be included in the next
// Write. It does not itself touch disk.
func (s *Store) Update(id identity.FileIdentity, path string, pos int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[id] = entry{Inode: id.Inode(), Device: id.Device(), Pos: pos, File: path}
}

// Forget removes id from the in-memory snapshot, called by the Registry once
// a file's idle timeout elapses and it is no longer tracked.
func (s *Store) Forget(id identity.FileIdentity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, id)
}

// Write atomically rewrites the snapshot file with the current in-memory
// state: entries are sorted by (device, inode) for deterministic,
// near-byte-identical output across writes of unchanged state. A write
// failure is logged; the in-memory state remains authoritative and a later
// successful Write restores durability, per §4.4 "Write discipline".
func (s *Store) Write() error {
	if s.path == "" {
		return nil
	}

	s.mu.Lock()
	entries := make([]entry, 0, len(s.data))
	for _, e := range s.data {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Device != entries[j].Device {
			return entries[i].Device < entries[j].Device
		}
		return entries[i].Inode < entries[j].Inode
	})

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("position: marshal snapshot: %w", err)
	}

	if err := s.backupPrevious(); err != nil {
		s.logger.Warn("failed to write compressed backup, continuing", "error", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		s.logger.Warn("position write failed", "error", err)
		return fmt.Errorf("position: mkdir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.logger.Warn("position write failed", "error", err)
		return fmt.Errorf("position: write temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.logger.Warn("position write failed", "error", err)
		return fmt.Errorf("position: rename: %w", err)
	}
	return nil
}

// backupPrevious compresses the snapshot's current on-disk contents (before
// this Write's replacement lands) into a rotating zstd backup, best-effort.
func (s *Store) backupPrevious() error {
	if !s.compressBackup {
		return nil
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return err
	}
	defer enc.Close()
	compressed := enc.EncodeAll(raw, nil)
	tmp := s.backupPath + ".tmp"
	if err := os.WriteFile(tmp, compressed, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.backupPath)
}
