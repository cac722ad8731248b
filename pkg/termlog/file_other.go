//go:build !linux
// +build !linux

package termlog

import "os"

func preallocate(f *os.File, size int64) error {
	if size <= 0 {
		return nil
	}
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() < size {
		return f.Truncate(size)
	}
	return nil
}

func fdatasync(f *os.File) error {
	return f.Sync()
}

func dropCacheHint(*os.File) {}
