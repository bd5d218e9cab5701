// Package radix implements the radix trie engine: a persistent byte-wise
// patricia trie with lexicographic iteration, a batched transaction for
// atomic multi-key updates, and write-range staging iterators.
//
// Keys are ordered by raw bytes; the engine rejects a pluggable comparator.
// Range scans take no tree-wide lock: writers serialize among themselves,
// and a concurrent scan may observe a mix of committed states between
// adjacent steps.
package radix

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hupe1980/pmkv/engine"
	"github.com/hupe1980/pmkv/internal/pmem"
)

// Name is the engine name used at open.
const Name = "radix"

// Layout identifies radix pools on disk.
const Layout = "pmkv_radix"

var (
	_ engine.Engine        = (*Radix)(nil)
	_ engine.Transactional = (*Radix)(nil)
)

func init() {
	engine.Register(Name, New)
}

// Radix is the radix trie engine.
type Radix struct {
	p      *pmem.Pool
	meta   uint64
	logger *slog.Logger

	// writeMu serializes mutators; readers run lock-free against
	// committed state.
	writeMu sync.Mutex
}

// New attaches to (or creates) the trie root object in p.
func New(p *pmem.Pool, opts engine.Options) (engine.Engine, error) {
	if opts.Comparator != nil {
		return nil, fmt.Errorf("%w: radix orders keys by raw bytes and accepts no comparator", engine.ErrInvalidArgument)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	e := &Radix{p: p, logger: opts.Logger}

	rootOff := p.RootOffset()
	if rootOff == 0 {
		err := p.RunTx(func(tx *pmem.Tx) error {
			meta, err := tx.Alloc(metaSize)
			if err != nil {
				return err
			}
			raw := p.Raw(meta, metaSize)
			for i := range raw {
				raw[i] = 0
			}
			root, err := e.newNode(tx, nil)
			if err != nil {
				return err
			}
			if err := tx.SetU64(meta+metaRootF, root); err != nil {
				return err
			}
			return tx.SetRootOffset(meta)
		})
		if err != nil {
			return nil, fmt.Errorf("radix: create root: %w", err)
		}
		rootOff = p.RootOffset()
	}
	e.meta = rootOff
	e.logger.Debug("engine started", "engine", Name, "entries", e.count())
	return e, nil
}

func (e *Radix) Name() string { return Name }

func (e *Radix) Close() error {
	e.logger.Debug("engine stopped", "engine", Name)
	return nil
}

func (e *Radix) CountAll() (int, error) { return e.count(), nil }

// countRange counts entries from the first one on, bounded by stop.
func (e *Radix) countRange(first uint64, stop func(k []byte) bool) int {
	n := 0
	for eo := first; eo != 0; {
		k := e.entryKey(eo)
		if stop != nil && stop(k) {
			break
		}
		n++
		eo = e.ceiling(k, false)
	}
	return n
}

func (e *Radix) CountAbove(key []byte) (int, error) {
	return e.countRange(e.ceiling(key, false), nil), nil
}

func (e *Radix) CountEqualAbove(key []byte) (int, error) {
	return e.countRange(e.ceiling(key, true), nil), nil
}

func (e *Radix) CountBelow(key []byte) (int, error) {
	stop := func(k []byte) bool { return bytes.Compare(k, key) >= 0 }
	return e.countRange(e.minOf(e.rootNode()), stop), nil
}

func (e *Radix) CountEqualBelow(key []byte) (int, error) {
	stop := func(k []byte) bool { return bytes.Compare(k, key) > 0 }
	return e.countRange(e.minOf(e.rootNode()), stop), nil
}

func (e *Radix) CountBetween(key1, key2 []byte) (int, error) {
	if bytes.Compare(key1, key2) >= 0 {
		return 0, nil
	}
	stop := func(k []byte) bool { return bytes.Compare(k, key2) >= 0 }
	return e.countRange(e.ceiling(key1, true), stop), nil
}

func (e *Radix) GetAll(fn engine.GetKVFunc) error {
	done := e.walk(e.rootNode(), func(eo uint64) bool {
		return fn(e.entryKey(eo), e.entryVal(eo)) == 0
	})
	if !done {
		return engine.ErrStoppedByCallback
	}
	return nil
}

// iterateRange re-seeks by key between steps, so a scan never follows a
// pointer into structure freed by a concurrent writer.
func (e *Radix) iterateRange(first uint64, stop func(k []byte) bool, fn engine.GetKVFunc) error {
	for eo := first; eo != 0; {
		k := e.entryKey(eo)
		if stop != nil && stop(k) {
			break
		}
		if fn(k, e.entryVal(eo)) != 0 {
			return engine.ErrStoppedByCallback
		}
		eo = e.ceiling(k, false)
	}
	return nil
}

func (e *Radix) GetAbove(key []byte, fn engine.GetKVFunc) error {
	return e.iterateRange(e.ceiling(key, false), nil, fn)
}

func (e *Radix) GetEqualAbove(key []byte, fn engine.GetKVFunc) error {
	return e.iterateRange(e.ceiling(key, true), nil, fn)
}

func (e *Radix) GetBelow(key []byte, fn engine.GetKVFunc) error {
	stop := func(k []byte) bool { return bytes.Compare(k, key) >= 0 }
	return e.iterateRange(e.minOf(e.rootNode()), stop, fn)
}

func (e *Radix) GetEqualBelow(key []byte, fn engine.GetKVFunc) error {
	stop := func(k []byte) bool { return bytes.Compare(k, key) > 0 }
	return e.iterateRange(e.minOf(e.rootNode()), stop, fn)
}

func (e *Radix) GetBetween(key1, key2 []byte, fn engine.GetKVFunc) error {
	if bytes.Compare(key1, key2) >= 0 {
		return nil
	}
	stop := func(k []byte) bool { return bytes.Compare(k, key2) >= 0 }
	return e.iterateRange(e.ceiling(key1, true), stop, fn)
}

func (e *Radix) Exists(key []byte) error {
	if e.findEntry(key) == 0 {
		return engine.ErrNotFound
	}
	return nil
}

func (e *Radix) Get(key []byte, fn engine.GetVFunc) error {
	eo := e.findEntry(key)
	if eo == 0 {
		return engine.ErrNotFound
	}
	fn(e.entryVal(eo))
	return nil
}

func (e *Radix) Put(key, value []byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.p.RunTx(func(tx *pmem.Tx) error {
		return e.putTx(tx, key, value)
	})
}

func (e *Radix) Remove(key []byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	removed := false
	err := e.p.RunTx(func(tx *pmem.Tx) error {
		var err error
		removed, err = e.removeTx(tx, key)
		return err
	})
	if err != nil {
		return err
	}
	if !removed {
		return engine.ErrNotFound
	}
	return nil
}

// BeginTx implements engine.Transactional.
func (e *Radix) BeginTx() (engine.BatchTx, error) {
	return &batchTx{e: e, index: map[string]int{}}, nil
}

// NewIterator returns a read cursor positioned at the first entry. Radix
// cursors use status-returning navigation: Next and Prev report ErrNotFound
// at the ends instead of wrapping around.
func (e *Radix) NewIterator() (engine.Iterator, error) {
	it := &iterator{e: e}
	_ = it.SeekToFirst()
	return it, nil
}

// NewWriteIterator returns a cursor whose WriteRange buffers stage in-place
// value edits, applied atomically by Commit.
func (e *Radix) NewWriteIterator() (engine.WriteIterator, error) {
	return &writeIterator{iterator: iterator{e: e}}, nil
}
