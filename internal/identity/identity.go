// Package identity derives a stable file identity from OS metadata so that
// renames never duplicate data and truncations are detected against the
// same underlying file rather than a path.
package identity

// FileIdentity is an opaque, comparable value that identifies a file
// independent of its current path. On POSIX it is the device+inode pair;
// on Windows it is the volume serial number plus file index (see
// identity_windows.go). Two paths that resolve to the same FileIdentity are
// the same underlying file.
type FileIdentity struct {
	device uint64
	inode  uint64
}

// Zero is the identity of no file; never returned by Stat for a real file.
var Zero FileIdentity

// New reconstructs a FileIdentity from its raw components, as loaded back
// from a position snapshot.
func New(device, inode uint64) FileIdentity {
	return FileIdentity{device: device, inode: inode}
}

// Device returns the device (or volume serial, on Windows) component.
func (id FileIdentity) Device() uint64 { return id.device }

// Inode returns the inode (or composite file-index, on Windows) component.
func (id FileIdentity) Inode() uint64 { return id.inode }

// String renders the identity for logging and JSON-adjacent debugging.
func (id FileIdentity) String() string {
	return uitoa(id.device) + ":" + uitoa(id.inode)
}

func uitoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
