//go:build !windows

package pmem

import (
	"os"

	"golang.org/x/sys/unix"
)

func mmap(f *os.File, size int) ([]byte, error) {
	return unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func munmap(data []byte) error {
	return unix.Munmap(data)
}

// msync flushes a page-aligned superset of data[off:off+n] to the backing file.
func msync(data []byte, off, n uint64) error {
	if n == 0 {
		return nil
	}
	pageSize := uint64(os.Getpagesize())
	start := off &^ (pageSize - 1)
	end := off + n
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}
	return unix.Msync(data[start:end], unix.MS_SYNC)
}
