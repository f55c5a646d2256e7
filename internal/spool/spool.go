// Package spool implements a write-ahead durability buffer for the window
// between a successful TailFile read and a downstream channel commit. It is
// not required by the at-least-once contract (re-reading the file after a
// crash already satisfies it). Recovering a spooled batch commits it to the
// channel but advances no file offset, so the batch's bytes are read from
// the file again afterwards. Grounded on the same atomic
// write-temp-then-rename idiom the position snapshot uses.
package spool

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"tailsource/internal/record"
)

// Spool durably records one in-flight batch at a time: a new Write replaces
// whatever was previously spooled, since the engine only ever has one batch
// outstanding between readEvents and commit.
type Spool struct {
	path string
	mu   sync.Mutex
}

// Open returns a Spool backed by path. The file need not exist yet.
func Open(path string) *Spool {
	return &Spool{path: path}
}

// Write atomically persists batch, replacing any previously spooled batch.
func (s *Spool) Write(batch []record.Record) error {
	if s.path == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := msgpack.Marshal(batch)
	if err != nil {
		return fmt.Errorf("spool: marshal batch: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("spool: mkdir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("spool: write temp file: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Load returns the spooled batch, if any. A missing file means no batch was
// in flight at the last crash/shutdown and is not an error.
func (s *Spool) Load() ([]record.Record, error) {
	if s.path == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("spool: read %s: %w", s.path, err)
	}
	var batch []record.Record
	if err := msgpack.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("spool: corrupt spool file: %w", err)
	}
	return batch, nil
}

// Clear removes the spool file after its batch has committed. A missing
// file is not an error.
func (s *Spool) Clear() error {
	if s.path == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("spool: remove %s: %w", s.path, err)
	}
	return nil
}
