//go:build linux
// +build linux

package termlog

import (
	"os"

	"golang.org/x/sys/unix"
)

// preallocate reserves disk space for the full segment up front so later
// writes cannot fail with ENOSPC mid-segment.
func preallocate(f *os.File, size int64) error {
	if size <= 0 {
		return nil
	}
	err := unix.Fallocate(int(f.Fd()), 0, 0, size)
	if err == unix.EOPNOTSUPP || err == unix.ENOSYS {
		// Filesystem without fallocate support: extend with a plain truncate.
		info, statErr := f.Stat()
		if statErr != nil {
			return statErr
		}
		if info.Size() < size {
			return f.Truncate(size)
		}
		return nil
	}
	return err
}

func fdatasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}

// dropCacheHint tells the kernel the segment's pages are not needed again.
func dropCacheHint(f *os.File) {
	_ = unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_DONTNEED)
}
