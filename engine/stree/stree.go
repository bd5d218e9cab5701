// Package stree implements the sorted B-tree engine: a persistent,
// leaf-linked B-tree with pluggable key ordering and neighbor queries.
package stree

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/hupe1980/pmkv/compare"
	"github.com/hupe1980/pmkv/engine"
	"github.com/hupe1980/pmkv/internal/pmem"
)

// Name is the engine name used at open.
const Name = "stree"

// Layout identifies stree pools on disk.
const Layout = "pmkv_stree"

// MaxKeySize bounds stree keys; longer keys fail with ErrKeyTooLong.
const MaxKeySize = 256

// Compile-time capability checks.
var (
	_ engine.Engine          = (*STree)(nil)
	_ engine.NeighborQuerier = (*STree)(nil)
)

func init() {
	engine.Register(Name, New)
}

// STree is the sorted B-tree engine.
type STree struct {
	mu     sync.RWMutex
	p      *pmem.Pool
	t      *tree
	cmp    *compare.Comparator
	logger *slog.Logger
}

// New attaches to (or creates) the B-tree root object in p.
func New(p *pmem.Pool, opts engine.Options) (engine.Engine, error) {
	cmp := opts.Comparator
	if cmp == nil {
		cmp = compare.Lexicographic
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	e := &STree{p: p, cmp: cmp, logger: opts.Logger}

	rootOff := p.RootOffset()
	if rootOff == 0 {
		err := p.RunTx(func(tx *pmem.Tx) error {
			off, err := tx.Alloc(metaSize)
			if err != nil {
				return err
			}
			raw := p.Raw(off, metaSize)
			for i := range raw {
				raw[i] = 0
			}
			return tx.SetRootOffset(off)
		})
		if err != nil {
			return nil, fmt.Errorf("stree: create root: %w", err)
		}
		rootOff = p.RootOffset()
	}
	e.t = &tree{p: p, meta: rootOff, cmp: cmp.Compare}
	e.logger.Debug("engine started", "engine", Name, "comparator", cmp.Name)
	return e, nil
}

// Name implements engine.Engine.
func (e *STree) Name() string { return Name }

// Close implements engine.Engine. The pool itself is owned by the facade.
func (e *STree) Close() error {
	e.logger.Debug("engine stopped", "engine", Name)
	return nil
}

func (e *STree) CountAll() (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.t.count(), nil
}

// distance walks leaf links from p counting entries until stop reports true.
func (e *STree) distance(p pos, stop func(k []byte) bool) int {
	n := 0
	for p.valid() {
		if stop != nil && stop(e.t.keyAt(p)) {
			break
		}
		n++
		p = e.t.advance(p)
	}
	return n
}

func (e *STree) CountAbove(key []byte) (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.distance(e.t.upperBound(key), nil), nil
}

func (e *STree) CountEqualAbove(key []byte) (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.distance(e.t.lowerBound(key), nil), nil
}

func (e *STree) CountBelow(key []byte) (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.t.count() - e.distance(e.t.lowerBound(key), nil), nil
}

func (e *STree) CountEqualBelow(key []byte) (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.t.count() - e.distance(e.t.upperBound(key), nil), nil
}

func (e *STree) CountBetween(key1, key2 []byte) (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.cmp.Compare(key1, key2) >= 0 {
		return 0, nil
	}
	stop := func(k []byte) bool { return e.cmp.Compare(k, key2) >= 0 }
	return e.distance(e.t.lowerBound(key1), stop), nil
}

// iterate invokes fn for entries starting at p until stop or the end.
func (e *STree) iterate(p pos, stop func(k []byte) bool, fn engine.GetKVFunc) error {
	for p.valid() {
		k := e.t.keyAt(p)
		if stop != nil && stop(k) {
			break
		}
		if fn(k, e.t.valueAt(p)) != 0 {
			return engine.ErrStoppedByCallback
		}
		p = e.t.advance(p)
	}
	return nil
}

func (e *STree) GetAll(fn engine.GetKVFunc) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.iterate(e.t.first(), nil, fn)
}

func (e *STree) GetAbove(key []byte, fn engine.GetKVFunc) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.iterate(e.t.upperBound(key), nil, fn)
}

func (e *STree) GetEqualAbove(key []byte, fn engine.GetKVFunc) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.iterate(e.t.lowerBound(key), nil, fn)
}

func (e *STree) GetBelow(key []byte, fn engine.GetKVFunc) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	stop := func(k []byte) bool { return e.cmp.Compare(k, key) >= 0 }
	return e.iterate(e.t.first(), stop, fn)
}

func (e *STree) GetEqualBelow(key []byte, fn engine.GetKVFunc) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	stop := func(k []byte) bool { return e.cmp.Compare(k, key) > 0 }
	return e.iterate(e.t.first(), stop, fn)
}

func (e *STree) GetBetween(key1, key2 []byte, fn engine.GetKVFunc) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.cmp.Compare(key1, key2) >= 0 {
		return nil
	}
	stop := func(k []byte) bool { return e.cmp.Compare(k, key2) >= 0 }
	return e.iterate(e.t.lowerBound(key1), stop, fn)
}

func (e *STree) Exists(key []byte) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.t.find(key).valid() {
		return engine.ErrNotFound
	}
	return nil
}

func (e *STree) Get(key []byte, fn engine.GetVFunc) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p := e.t.find(key)
	if !p.valid() {
		return engine.ErrNotFound
	}
	fn(e.t.valueAt(p))
	return nil
}

func (e *STree) Put(key, value []byte) error {
	if len(key) > MaxKeySize {
		return fmt.Errorf("%w: stree keys are limited to %d bytes", engine.ErrKeyTooLong, MaxKeySize)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.p.RunTx(func(tx *pmem.Tx) error {
		leafOff, idx, existed, err := e.t.tryEmplace(tx, key, value)
		if err != nil {
			return err
		}
		if existed {
			return e.t.assign(tx, leafOff, idx, value)
		}
		return nil
	})
}

func (e *STree) Remove(key []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	erased := false
	err := e.p.RunTx(func(tx *pmem.Tx) error {
		var err error
		erased, err = e.t.erase(tx, key)
		return err
	})
	if err != nil {
		return err
	}
	if !erased {
		return engine.ErrNotFound
	}
	return nil
}

// emit invokes fn once with the entry at p, mapping an invalid position to
// ErrNotFound. Shared by the neighbor queries.
func (e *STree) emit(p pos, fn engine.GetKVFunc) error {
	if !p.valid() {
		return engine.ErrNotFound
	}
	if fn(e.t.keyAt(p), e.t.valueAt(p)) != 0 {
		return engine.ErrStoppedByCallback
	}
	return nil
}

// GetFloorEntry implements engine.NeighborQuerier: greatest key <= key.
func (e *STree) GetFloorEntry(key []byte, fn engine.GetKVFunc) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if p := e.t.find(key); p.valid() {
		return e.emit(p, fn)
	}
	return e.emit(e.t.maxBelow(key), fn)
}

// GetLowerEntry implements engine.NeighborQuerier: greatest key < key.
func (e *STree) GetLowerEntry(key []byte, fn engine.GetKVFunc) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.emit(e.t.maxBelow(key), fn)
}

// GetCeilingEntry implements engine.NeighborQuerier: least key >= key.
func (e *STree) GetCeilingEntry(key []byte, fn engine.GetKVFunc) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.emit(e.t.lowerBound(key), fn)
}

// GetHigherEntry implements engine.NeighborQuerier: least key > key.
func (e *STree) GetHigherEntry(key []byte, fn engine.GetKVFunc) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.emit(e.t.upperBound(key), fn)
}

// NewIterator implements engine.Engine.
func (e *STree) NewIterator() (engine.Iterator, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return &iterator{e: e, cur: e.t.first()}, nil
}
