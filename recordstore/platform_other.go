//go:build !linux && !darwin

package recordstore

import "os"

// fallocateFile only sets the file length; blocks may stay unreserved.
func fallocateFile(file *os.File, size int64) error {
	return file.Truncate(size)
}

func prefaultRegion(data []byte) {}

func adviseWillNeed(data []byte) {}
