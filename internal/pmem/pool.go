package pmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"sync"
	"sync/atomic"
)

const (
	// MagicNumber identifies pmkv pool files (ASCII: "PMKV").
	MagicNumber = 0x504D4B56
	// Version is the current pool format version (v1.0.0).
	Version = 0x00010000

	// MinPoolSize is the smallest pool a caller may create.
	MinPoolSize = 8 << 20
	// MaxPoolSize bounds pool creation against absurd size requests.
	MaxPoolSize = 1 << 44

	headerSize = 4096
	undoSize   = 1 << 20
	heapStart  = headerSize + undoSize

	maxLayoutLen     = 32
	maxComparatorLen = 64

	// Header field offsets.
	offMagic      = 0
	offVersion    = 4
	offLayout     = 8
	offPoolSize   = 40
	offRoot       = 48
	offHeapTail   = 56
	offFreeHeads  = 64 // numClasses * 8 bytes
	offComparator = 256
	offHeaderCRC  = 320

	undoCountOff = headerSize
	undoDataOff  = headerSize + 8
)

var (
	// ErrInvalidMagic is returned when a file is not a pmkv pool.
	ErrInvalidMagic = errors.New("pmem: invalid magic number")
	// ErrInvalidVersion is returned for pools written by an incompatible version.
	ErrInvalidVersion = errors.New("pmem: unsupported pool version")
	// ErrLayoutMismatch is returned when a pool was created by a different engine.
	ErrLayoutMismatch = errors.New("pmem: pool layout mismatch")
	// ErrPoolSize is returned when the requested pool size is out of range.
	ErrPoolSize = errors.New("pmem: pool size out of range")
	// ErrCorruptHeader is returned when the header checksum does not match.
	ErrCorruptHeader = errors.New("pmem: corrupt pool header")
)

// Pool is a memory-mapped persistent heap with a single root object.
type Pool struct {
	data []byte
	f    *os.File
	path string
	size uint64

	txMu sync.Mutex
	inTx atomic.Bool
}

// Create initializes a fresh pool file of the given size for the given
// layout and maps it. size must be within [MinPoolSize, MaxPoolSize].
func Create(path string, size uint64, layout string) (*Pool, error) {
	if size < MinPoolSize || size > MaxPoolSize {
		return nil, fmt.Errorf("%w: %d", ErrPoolSize, size)
	}
	if len(layout) > maxLayoutLen {
		return nil, fmt.Errorf("pmem: layout name too long: %q", layout)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("pmem: create pool: %w", err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("pmem: size pool: %w", err)
	}

	data, err := mmap(f, int(size))
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("pmem: map pool: %w", err)
	}

	p := &Pool{data: data, f: f, path: path, size: size}
	p.putU32(offMagic, MagicNumber)
	p.putU32(offVersion, Version)
	copy(p.data[offLayout:offLayout+maxLayoutLen], layout)
	p.putU64(offPoolSize, size)
	p.putU64(offRoot, 0)
	p.putU64(offHeapTail, heapStart)
	p.putU32(offHeaderCRC, p.headerChecksum())
	p.putU64(undoCountOff, 0)

	if err := msync(p.data, 0, heapStart); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("pmem: sync header: %w", err)
	}
	return p, nil
}

// Open maps an existing pool, verifies its identity and rolls back any
// transaction that was in flight when the process last died.
func Open(path string, layout string) (*Pool, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("pmem: open pool: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("pmem: stat pool: %w", err)
	}
	size := uint64(fi.Size())
	if size < heapStart {
		_ = f.Close()
		return nil, fmt.Errorf("%w: file too small", ErrInvalidMagic)
	}

	data, err := mmap(f, int(size))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("pmem: map pool: %w", err)
	}

	p := &Pool{data: data, f: f, path: path, size: size}
	if p.u32(offMagic) != MagicNumber {
		_ = p.Close()
		return nil, ErrInvalidMagic
	}
	if p.u32(offVersion) != Version {
		_ = p.Close()
		return nil, ErrInvalidVersion
	}
	if p.u32(offHeaderCRC) != p.headerChecksum() {
		_ = p.Close()
		return nil, ErrCorruptHeader
	}
	if got := p.Layout(); got != layout {
		_ = p.Close()
		return nil, fmt.Errorf("%w: pool holds %q, engine expects %q", ErrLayoutMismatch, got, layout)
	}
	if p.u64(offPoolSize) != size {
		_ = p.Close()
		return nil, fmt.Errorf("%w: header/file size disagree", ErrCorruptHeader)
	}

	if err := p.recover(); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

// recover rolls back an interrupted transaction, if any.
func (p *Pool) recover() error {
	n := p.u64(undoCountOff)
	if n == 0 {
		return nil
	}
	if err := applyUndo(p, n); err != nil {
		return err
	}
	p.putU64(undoCountOff, 0)
	if err := msync(p.data, 0, p.size); err != nil {
		return fmt.Errorf("pmem: sync recovery: %w", err)
	}
	return nil
}

// Close unmaps the pool and closes the backing file.
func (p *Pool) Close() error {
	if p == nil {
		return nil
	}
	var err error
	if p.data != nil {
		err = msync(p.data, 0, p.size)
		if uErr := munmap(p.data); uErr != nil && err == nil {
			err = uErr
		}
		p.data = nil
	}
	if p.f != nil {
		if cErr := p.f.Close(); cErr != nil && err == nil {
			err = cErr
		}
		p.f = nil
	}
	return err
}

// Path returns the backing file path.
func (p *Pool) Path() string { return p.path }

// Size returns the pool size in bytes.
func (p *Pool) Size() uint64 { return p.size }

// Layout returns the layout name the pool was created with.
func (p *Pool) Layout() string {
	return trimZero(p.data[offLayout : offLayout+maxLayoutLen])
}

// ComparatorName returns the persisted comparator name, or "" if none was bound.
func (p *Pool) ComparatorName() string {
	return trimZero(p.data[offComparator : offComparator+maxComparatorLen])
}

// SetComparatorName persists the comparator binding. Called once at open
// time, before the engine starts serving operations.
func (p *Pool) SetComparatorName(name string) error {
	if len(name) > maxComparatorLen {
		return fmt.Errorf("pmem: comparator name too long: %q", name)
	}
	region := p.data[offComparator : offComparator+maxComparatorLen]
	for i := range region {
		region[i] = 0
	}
	copy(region, name)
	return msync(p.data, offComparator, maxComparatorLen)
}

// RootOffset returns the offset of the root object, or 0 if not yet created.
func (p *Pool) RootOffset() uint64 { return p.u64(offRoot) }

// InTx reports whether a pool transaction is currently executing.
func (p *Pool) InTx() bool { return p.inTx.Load() }

// Raw returns a view of n bytes of pool memory at off. The slice aliases the
// mapping; writers must have snapshotted the range first.
func (p *Pool) Raw(off, n uint64) []byte {
	return p.data[off : off+n : off+n]
}

// Bytes returns a view of the length-prefixed byte string at off.
func (p *Pool) Bytes(off uint64) []byte {
	n := uint64(p.u32(off))
	return p.data[off+4 : off+4+n : off+4+n]
}

// U64 reads a little-endian uint64 at off.
func (p *Pool) U64(off uint64) uint64 { return p.u64(off) }

func (p *Pool) u32(off uint64) uint32 {
	return binary.LittleEndian.Uint32(p.data[off:])
}

func (p *Pool) u64(off uint64) uint64 {
	return binary.LittleEndian.Uint64(p.data[off:])
}

func (p *Pool) putU32(off uint64, v uint32) {
	binary.LittleEndian.PutUint32(p.data[off:], v)
}

func (p *Pool) putU64(off uint64, v uint64) {
	binary.LittleEndian.PutUint64(p.data[off:], v)
}

// headerChecksum covers the immutable identity fields only; mutable fields
// (root, heap tail, free lists) are protected by the undo log instead.
func (p *Pool) headerChecksum() uint32 {
	return crc32.ChecksumIEEE(p.data[offMagic:offPoolSize])
}

func trimZero(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
