//go:build windows

package pmem

import (
	"errors"
	"os"
)

var errUnsupportedPlatform = errors.New("pmem: memory-mapped pools are not supported on windows")

func mmap(f *os.File, size int) ([]byte, error) {
	return nil, errUnsupportedPlatform
}

func munmap(data []byte) error {
	return errUnsupportedPlatform
}

func msync(data []byte, off, n uint64) error {
	return errUnsupportedPlatform
}
