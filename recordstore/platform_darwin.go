//go:build darwin

package recordstore

import (
	"os"

	"golang.org/x/sys/unix"
)

// fallocateFile reserves size bytes with F_PREALLOCATE, then sets the length.
func fallocateFile(file *os.File, size int64) error {
	fst := unix.Fstore_t{
		Flags:   unix.F_ALLOCATEALL,
		Posmode: unix.F_PEOFPOSMODE,
		Length:  size,
	}
	// F_PREALLOCATE only reserves; the truncate below is what sizes the file.
	_ = unix.FcntlFstore(file.Fd(), unix.F_PREALLOCATE, &fst)
	return unix.Ftruncate(int(file.Fd()), size)
}

func prefaultRegion(data []byte) {}

// adviseWillNeed starts kernel read-ahead for data.
func adviseWillNeed(data []byte) {
	if len(data) == 0 {
		return
	}
	_ = unix.Madvise(data, unix.MADV_WILLNEED)
}
