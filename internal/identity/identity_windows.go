//go:build windows

package identity

import (
	"os"

	"golang.org/x/sys/windows"
)

// FromInfo cannot recover the (volumeSerial, fileIndex) pair from a bare
// os.FileInfo on Windows — BY_HANDLE_FILE_INFORMATION requires an open
// handle. Callers that only have a FileInfo (e.g. from a directory listing)
// get the zero identity and must fall back to StatPath or Stat.
func FromInfo(info os.FileInfo) FileIdentity {
	return Zero
}

// Stat derives the FileIdentity of an already-open file via
// GetFileInformationByHandle, the composite (volume serial, file index)
// identity the spec's GLOSSARY calls for on Windows.
func Stat(f *os.File) (FileIdentity, error) {
	var fi windows.ByHandleFileInformation
	if err := windows.GetFileInformationByHandle(windows.Handle(f.Fd()), &fi); err != nil {
		return Zero, err
	}
	return fromHandleInfo(fi), nil
}

// StatPath derives the FileIdentity of a file by path by briefly opening it.
func StatPath(path string) (FileIdentity, error) {
	f, err := os.Open(path)
	if err != nil {
		return Zero, err
	}
	defer f.Close()
	return Stat(f)
}

func fromHandleInfo(fi windows.ByHandleFileInformation) FileIdentity {
	index := uint64(fi.FileIndexHigh)<<32 | uint64(fi.FileIndexLow)
	return FileIdentity{device: uint64(fi.VolumeSerialNumber), inode: index}
}
