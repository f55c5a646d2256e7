//go:build !windows

package identity

import (
	"os"
	"syscall"
)

// FromInfo extracts the (device, inode) pair backing os.FileInfo on POSIX
// systems. If the underlying Sys() value isn't a *syscall.Stat_t (e.g. a
// fake FileInfo in a test), the zero identity is returned.
func FromInfo(info os.FileInfo) FileIdentity {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return Zero
	}
	return FileIdentity{device: uint64(stat.Dev), inode: stat.Ino}
}

// Stat derives the FileIdentity of an already-open file, reusing one
// fstat(2) call instead of stat-by-path (which would race with renames
// between the check and the open).
func Stat(f *os.File) (FileIdentity, error) {
	info, err := f.Stat()
	if err != nil {
		return Zero, err
	}
	return FromInfo(info), nil
}

// StatPath derives the FileIdentity of a file by path.
func StatPath(path string) (FileIdentity, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Zero, err
	}
	return FromInfo(info), nil
}
