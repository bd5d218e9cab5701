package engine

import (
	"log/slog"

	"github.com/hupe1980/pmkv/compare"
	"github.com/hupe1980/pmkv/internal/pmem"
)

// GetVFunc receives the value of a point lookup. The slice aliases pool
// memory and is only valid for the duration of the call.
type GetVFunc func(value []byte)

// GetKVFunc receives one entry of a scan. Returning non-zero stops the scan
// with ErrStoppedByCallback. Both slices alias pool memory and are only
// valid for the duration of the call.
type GetKVFunc func(key, value []byte) int

// Engine is the capability interface every storage engine implements.
//
// Ranged and ordered operations are part of the interface; engines without
// an order (cmap) answer them with ErrNotSupported rather than dispatching
// through stubs with undefined behavior.
type Engine interface {
	// Name returns the engine name ("cmap", "stree", "csmap", "radix").
	Name() string

	CountAll() (int, error)
	CountAbove(key []byte) (int, error)
	CountEqualAbove(key []byte) (int, error)
	CountBelow(key []byte) (int, error)
	CountEqualBelow(key []byte) (int, error)
	CountBetween(key1, key2 []byte) (int, error)

	GetAll(fn GetKVFunc) error
	GetAbove(key []byte, fn GetKVFunc) error
	GetEqualAbove(key []byte, fn GetKVFunc) error
	GetBelow(key []byte, fn GetKVFunc) error
	GetEqualBelow(key []byte, fn GetKVFunc) error
	GetBetween(key1, key2 []byte, fn GetKVFunc) error

	// Exists returns nil if key is present, ErrNotFound otherwise.
	Exists(key []byte) error

	// Get invokes fn exactly once with the value on a hit, holding any
	// read lock the engine needs; returns ErrNotFound on a miss.
	Get(key []byte, fn GetVFunc) error

	// Put inserts the entry, or atomically replaces the value if the key
	// exists.
	Put(key, value []byte) error

	// Remove erases the entry; ErrNotFound if absent.
	Remove(key []byte) error

	// NewIterator returns a cursor positioned at the first entry.
	NewIterator() (Iterator, error)

	// Close releases volatile engine state. The pool is closed by the facade.
	Close() error
}

// NeighborQuerier is implemented by engines offering floor/ceiling lookups
// (stree). Each invokes fn once with the matched entry or returns
// ErrNotFound.
type NeighborQuerier interface {
	// GetFloorEntry finds the greatest key <= key.
	GetFloorEntry(key []byte, fn GetKVFunc) error
	// GetLowerEntry finds the greatest key < key.
	GetLowerEntry(key []byte, fn GetKVFunc) error
	// GetCeilingEntry finds the least key >= key.
	GetCeilingEntry(key []byte, fn GetKVFunc) error
	// GetHigherEntry finds the least key > key.
	GetHigherEntry(key []byte, fn GetKVFunc) error
}

// Defragmenter is implemented by engines that can compact a range of their
// persistent storage (cmap). start and amount are percentages of the bucket
// directory; invalid arguments yield ErrInvalidArgument, allocation
// failures ErrDefrag.
type Defragmenter interface {
	Defrag(startPercent, amountPercent int) error
}

// BatchTx is a caller-staged group of put/remove operations. Staging is
// volatile; Commit replays the log into the container inside a single pool
// transaction, Abort discards it. Writes to the same key coalesce, last
// write wins.
type BatchTx interface {
	Put(key, value []byte) error
	Remove(key []byte) error
	Commit() error
	Abort()
}

// Transactional is implemented by engines that support batched
// transactions (radix).
type Transactional interface {
	BeginTx() (BatchTx, error)
}

// Options carries the open-time wiring an engine factory receives. The
// facade has already validated the config bag and opened the pool with the
// engine's layout name.
type Options struct {
	// Comparator orders keys in ordered engines. Nil means the engine
	// default (lexicographic); cmap ignores it, radix rejects it.
	Comparator *compare.Comparator

	// Logger receives engine diagnostics. Never nil.
	Logger *slog.Logger
}

// Factory constructs an engine over an opened pool. On a fresh pool the
// factory creates the root object inside a pool transaction; otherwise it
// attaches to the existing root and rebuilds volatile runtime state.
type Factory func(p *pmem.Pool, opts Options) (Engine, error)
