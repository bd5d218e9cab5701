package pmem

import (
	"errors"
	"fmt"
	"math/bits"
)

const (
	minBlockShift = 4 // 16 bytes
	numClasses    = 24
)

var (
	// ErrOutOfMemory is returned when the heap cannot satisfy an allocation.
	ErrOutOfMemory = errors.New("pmem: out of memory")
	// ErrAllocTooLarge is returned for allocations beyond the largest size class.
	ErrAllocTooLarge = errors.New("pmem: allocation too large")
)

// classFor returns the smallest size class index whose block fits n bytes.
func classFor(n uint64) (int, error) {
	if n == 0 {
		n = 1
	}
	shift := bits.Len64(n - 1)
	if shift < minBlockShift {
		shift = minBlockShift
	}
	c := shift - minBlockShift
	if c >= numClasses {
		return 0, fmt.Errorf("%w: %d bytes", ErrAllocTooLarge, n)
	}
	return c, nil
}

func blockSize(class int) uint64 {
	return 1 << (class + minBlockShift)
}

// Alloc reserves a block large enough for n bytes and returns its offset.
// Freed blocks of the same class are reused before the heap tail grows.
// Fresh block contents are undefined; callers that link a block into a
// reachable structure must fully initialize it first.
func (tx *Tx) Alloc(n uint64) (uint64, error) {
	c, err := classFor(n)
	if err != nil {
		return 0, err
	}
	p := tx.p

	headOff := uint64(offFreeHeads + 8*c)
	if head := p.u64(headOff); head != 0 {
		next := p.u64(head)
		if err := tx.SetU64(headOff, next); err != nil {
			return 0, err
		}
		// Snapshot the whole block, not just the free-list link: the block
		// may have been freed earlier in this same transaction, and a
		// rollback must restore the content its old owner still points at.
		if err := tx.Snapshot(head, blockSize(c)); err != nil {
			return 0, err
		}
		return head, nil
	}

	size := blockSize(c)
	tail := p.u64(offHeapTail)
	if tail+size > p.size {
		return 0, ErrOutOfMemory
	}
	if err := tx.SetU64(offHeapTail, tail+size); err != nil {
		return 0, err
	}
	return tail, nil
}

// Free returns a block of n bytes at off to its size-class free list.
func (tx *Tx) Free(off, n uint64) error {
	c, err := classFor(n)
	if err != nil {
		return err
	}
	headOff := uint64(offFreeHeads + 8*c)
	head := tx.p.u64(headOff)
	if err := tx.SetU64(off, head); err != nil {
		return err
	}
	return tx.SetU64(headOff, off)
}

// AllocBytes stores b as a length-prefixed persistent byte string and
// returns its offset. The block is fresh, so no snapshot is taken for the
// payload write.
func (tx *Tx) AllocBytes(b []byte) (uint64, error) {
	off, err := tx.Alloc(4 + uint64(len(b)))
	if err != nil {
		return 0, err
	}
	tx.p.putU32(off, uint32(len(b)))
	copy(tx.p.data[off+4:], b)
	return off, nil
}

// FreeBytes releases a persistent byte string allocated with AllocBytes.
func (tx *Tx) FreeBytes(off uint64) error {
	n := uint64(tx.p.u32(off))
	return tx.Free(off, 4+n)
}

// WriteAt snapshots and overwrites len(b) bytes of pool memory at off.
func (tx *Tx) WriteAt(off uint64, b []byte) error {
	if err := tx.Snapshot(off, uint64(len(b))); err != nil {
		return err
	}
	copy(tx.p.data[off:], b)
	return nil
}
