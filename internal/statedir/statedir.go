// Package statedir manages the on-disk directory an engine instance uses
// for state that must survive a process restart: the default location for
// the position snapshot and its spool, and a persisted instance identity
// so restarts of the same deployment keep the same name in logs.
package statedir

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Dir represents a tailsource state directory.
type Dir struct {
	root string
}

// New creates a Dir with an explicit root path.
func New(root string) Dir {
	return Dir{root: root}
}

// Default returns a Dir using the platform-appropriate default location
// (e.g. ~/.config/tailsource on Linux).
func Default() (Dir, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return Dir{}, fmt.Errorf("determine config directory: %w", err)
	}
	return Dir{root: filepath.Join(base, "tailsource")}, nil
}

// Root returns the state directory path.
func (d Dir) Root() string {
	return d.root
}

// PositionFile returns the default position snapshot path used when a
// configuration omits positionFile.
func (d Dir) PositionFile() string {
	return filepath.Join(d.root, "position.json")
}

// EnsureExists creates the state directory (and parents) if it doesn't
// already exist.
func (d Dir) EnsureExists() error {
	if err := os.MkdirAll(d.root, 0o750); err != nil {
		return fmt.Errorf("create state directory %s: %w", d.root, err)
	}
	return nil
}

// InstanceID reads the persisted engine instance identity from
// <root>/instance_id, generating and persisting a new one on first use so
// that log correlation survives a process restart.
func (d Dir) InstanceID() (string, error) {
	return d.readOrCreate("instance_id", func() string {
		return uuid.New().String()
	})
}

func (d Dir) readOrCreate(filename string, generate func() string) (string, error) {
	p := filepath.Join(d.root, filename)
	data, err := os.ReadFile(p) //nolint:gosec // G304: path is built from trusted state dir + constant filename
	if err == nil {
		if v := strings.TrimSpace(string(data)); v != "" {
			return v, nil
		}
	}
	v := generate()
	if err := os.WriteFile(p, []byte(v+"\n"), 0o640); err != nil {
		return "", fmt.Errorf("write %s: %w", filename, err)
	}
	return v, nil
}
