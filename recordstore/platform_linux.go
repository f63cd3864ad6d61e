//go:build linux

package recordstore

import (
	"os"

	"golang.org/x/sys/unix"
)

// madvPopulateWrite is MADV_POPULATE_WRITE (Linux 5.14+). Older kernels
// answer EINVAL, which is ignored like every other advice failure.
const madvPopulateWrite = 23

// fallocateFile reserves size bytes for the writer's mapping so a full disk
// fails here instead of raising SIGBUS on a mapped write.
func fallocateFile(file *os.File, size int64) error {
	if err := unix.Fallocate(int(file.Fd()), 0, 0, size); err != nil {
		// NFS and friends: settle for a sparse file
		return unix.Ftruncate(int(file.Fd()), size)
	}
	return unix.Ftruncate(int(file.Fd()), size)
}

// prefaultRegion faults in the writer's record pages ahead of the first writes.
func prefaultRegion(data []byte) {
	if len(data) == 0 {
		return
	}
	_ = unix.Madvise(data, madvPopulateWrite)
}

// adviseWillNeed starts kernel read-ahead for data, which must begin on an OS
// page boundary.
func adviseWillNeed(data []byte) {
	if len(data) == 0 {
		return
	}
	_ = unix.Madvise(data, unix.MADV_WILLNEED)
}
