// Package csmap implements the concurrent sorted map engine. Entries live
// in a persistent sorted linked list; a volatile skip index and per-node
// locks are rebuilt at open. A global reader-writer lock protects the
// container skeleton, per-node locks protect individual values, so value
// overwrites proceed under the shared global lock.
package csmap

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/hupe1980/pmkv/compare"
	"github.com/hupe1980/pmkv/engine"
	"github.com/hupe1980/pmkv/internal/pmem"
)

// Name is the engine name used at open.
const Name = "csmap"

// Layout identifies csmap pools on disk.
const Layout = "pmkv_csmap"

const (
	maxLevel = 16

	// Meta block reachable from the pool root: [first u64][count u64].
	metaFirst = 0
	metaCount = 8
	metaSize  = 16

	// Persistent list node: [next u64][key u64][val u64].
	nodeNext = 0
	nodeKey  = 8
	nodeVal  = 16
	nodeSize = 24
)

var _ engine.Engine = (*CSMap)(nil)

func init() {
	engine.Register(Name, New)
}

// vnode is the volatile runtime face of a persistent list node: the skip
// tower, the value lock and a key view for searching without pool reads.
type vnode struct {
	off  uint64 // persistent node offset; 0 for the head sentinel
	key  []byte
	mu   sync.RWMutex
	next [maxLevel]*vnode
}

// CSMap is the concurrent sorted map engine.
type CSMap struct {
	p      *pmem.Pool
	meta   uint64
	cmp    *compare.Comparator
	logger *slog.Logger

	// mu is the global skeleton lock: shared for reads and value
	// overwrites, exclusive for inserts and removes.
	mu    sync.RWMutex
	head  *vnode
	level int
}

// New attaches to (or creates) the sorted list root object in p and
// rebuilds the volatile skip index from the persisted entries.
func New(p *pmem.Pool, opts engine.Options) (engine.Engine, error) {
	cmp := opts.Comparator
	if cmp == nil {
		cmp = compare.Lexicographic
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	e := &CSMap{p: p, cmp: cmp, logger: opts.Logger, head: &vnode{}, level: 1}

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
			return nil, fmt.Errorf("csmap: create root: %w", err)
		}
		rootOff = p.RootOffset()
	}
	e.meta = rootOff
	e.runtimeInitialize()
	e.logger.Debug("engine started", "engine", Name, "comparator", cmp.Name, "entries", e.count())
	return e, nil
}

// runtimeInitialize rebuilds the skip index by walking the persistent list
// in order and appending at the tail fingers.
func (e *CSMap) runtimeInitialize() {
	var fingers [maxLevel]*vnode
	for i := range fingers {
		fingers[i] = e.head
	}
	for off := e.p.U64(e.meta + metaFirst); off != 0; off = e.nodeField(off, nodeNext) {
		h := randomLevel()
		if h > e.level {
			e.level = h
		}
		vn := &vnode{off: off, key: e.p.Bytes(e.nodeField(off, nodeKey))}
		for i := 0; i < h; i++ {
			fingers[i].next[i] = vn
			fingers[i] = vn
		}
	}
}

func randomLevel() int {
	h := 1
	for h < maxLevel && rand.IntN(4) == 0 {
		h++
	}
	return h
}

func (e *CSMap) nodeField(off uint64, field uint64) uint64 {
	return binary.LittleEndian.Uint64(e.p.Raw(off+field, 8))
}

func (e *CSMap) count() int { return int(e.p.U64(e.meta + metaCount)) }

func (e *CSMap) value(vn *vnode) []byte {
	return e.p.Bytes(e.nodeField(vn.off, nodeVal))
}

// findPreds locates the predecessor of key on every level. preds[0].next[0]
// is the first node >= key, or nil. Levels above the current list height
// default to the head sentinel, so a height-growing insert can link there.
func (e *CSMap) findPreds(key []byte) (preds [maxLevel]*vnode) {
	for i := range preds {
		preds[i] = e.head
	}
	x := e.head
	for i := e.level - 1; i >= 0; i-- {
		for x.next[i] != nil && e.cmp.Compare(x.next[i].key, key) < 0 {
			x = x.next[i]
		}
		preds[i] = x
	}
	return preds
}

// lowerBound returns the first node with key >= k.
func (e *CSMap) lowerBound(k []byte) *vnode {
	preds := e.findPreds(k)
	return preds[0].next[0]
}

// upperBound returns the first node with key > k.
func (e *CSMap) upperBound(k []byte) *vnode {
	vn := e.lowerBound(k)
	if vn != nil && e.cmp.Compare(vn.key, k) == 0 {
		return vn.next[0]
	}
	return vn
}

func (e *CSMap) findExact(k []byte) *vnode {
	vn := e.lowerBound(k)
	if vn != nil && e.cmp.Compare(vn.key, k) == 0 {
		return vn
	}
	return nil
}

// findLess returns the last node with key < k, or the head sentinel.
func (e *CSMap) findLess(k []byte) *vnode {
	return e.findPreds(k)[0]
}

// lastNode returns the last entry, or nil when the map is empty.
func (e *CSMap) lastNode() *vnode {
	x := e.head
	for i := e.level - 1; i >= 0; i-- {
		for x.next[i] != nil {
			x = x.next[i]
		}
	}
	if x == e.head {
		return nil
	}
	return x
}

func (e *CSMap) Name() string { return Name }

func (e *CSMap) Close() error {
	e.logger.Debug("engine stopped", "engine", Name)
	return nil
}

func (e *CSMap) CountAll() (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.count(), nil
}

func (e *CSMap) countFrom(vn *vnode, stop func(k []byte) bool) int {
	n := 0
	for vn != nil {
		if stop != nil && stop(vn.key) {
			break
		}
		n++
		vn = vn.next[0]
	}
	return n
}

func (e *CSMap) CountAbove(key []byte) (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.countFrom(e.upperBound(key), nil), nil
}

func (e *CSMap) CountEqualAbove(key []byte) (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.countFrom(e.lowerBound(key), nil), nil
}

func (e *CSMap) CountBelow(key []byte) (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.count() - e.countFrom(e.lowerBound(key), nil), nil
}

func (e *CSMap) CountEqualBelow(key []byte) (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.count() - e.countFrom(e.upperBound(key), nil), nil
}

// CountBetween counts keys in [key1, key2). The bounds are compared with
// the active comparator, so under a reverse comparator the range is empty
// unless key1 orders before key2.
func (e *CSMap) CountBetween(key1, key2 []byte) (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.cmp.Compare(key1, key2) >= 0 {
		return 0, nil
	}
	stop := func(k []byte) bool { return e.cmp.Compare(k, key2) >= 0 }
	return e.countFrom(e.lowerBound(key1), stop), nil
}

// iterate holds the global shared lock (taken by the caller) and the
// per-node shared lock while an entry's value is exposed to the callback.
func (e *CSMap) iterate(vn *vnode, stop func(k []byte) bool, fn engine.GetKVFunc) error {
	for vn != nil {
		if stop != nil && stop(vn.key) {
			break
		}
		vn.mu.RLock()
		ret := fn(vn.key, e.value(vn))
		vn.mu.RUnlock()
		if ret != 0 {
			return engine.ErrStoppedByCallback
		}
		vn = vn.next[0]
	}
	return nil
}

func (e *CSMap) GetAll(fn engine.GetKVFunc) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.iterate(e.head.next[0], nil, fn)
}

func (e *CSMap) GetAbove(key []byte, fn engine.GetKVFunc) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.iterate(e.upperBound(key), nil, fn)
}

func (e *CSMap) GetEqualAbove(key []byte, fn engine.GetKVFunc) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.iterate(e.lowerBound(key), nil, fn)
}

func (e *CSMap) GetBelow(key []byte, fn engine.GetKVFunc) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	stop := func(k []byte) bool { return e.cmp.Compare(k, key) >= 0 }
	return e.iterate(e.head.next[0], stop, fn)
}

func (e *CSMap) GetEqualBelow(key []byte, fn engine.GetKVFunc) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	stop := func(k []byte) bool { return e.cmp.Compare(k, key) > 0 }
	return e.iterate(e.head.next[0], stop, fn)
}

func (e *CSMap) GetBetween(key1, key2 []byte, fn engine.GetKVFunc) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.cmp.Compare(key1, key2) >= 0 {
		return nil
	}
	stop := func(k []byte) bool { return e.cmp.Compare(k, key2) >= 0 }
	return e.iterate(e.lowerBound(key1), stop, fn)
}

func (e *CSMap) Exists(key []byte) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.findExact(key) == nil {
		return engine.ErrNotFound
	}
	return nil
}

func (e *CSMap) Get(key []byte, fn engine.GetVFunc) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	vn := e.findExact(key)
	if vn == nil {
		return engine.ErrNotFound
	}
	vn.mu.RLock()
	defer vn.mu.RUnlock()
	fn(e.value(vn))
	return nil
}

// Put overwrites an existing value under the global shared lock with the
// node lock held exclusively; inserting a new key takes the global
// exclusive lock because it changes the skeleton.
func (e *CSMap) Put(key, value []byte) error {
	e.mu.RLock()
	if vn := e.findExact(key); vn != nil {
		defer e.mu.RUnlock()
		vn.mu.Lock()
		defer vn.mu.Unlock()
		return e.assign(vn, value)
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	// Re-check: the key may have been inserted between the lock changes.
	if vn := e.findExact(key); vn != nil {
		vn.mu.Lock()
		defer vn.mu.Unlock()
		return e.assign(vn, value)
	}
	return e.insert(key, value)
}

func (e *CSMap) assign(vn *vnode, value []byte) error {
	return e.p.RunTx(func(tx *pmem.Tx) error {
		old := e.nodeField(vn.off, nodeVal)
		vOff, err := tx.AllocBytes(value)
		if err != nil {
			return err
		}
		if err := tx.SetU64(vn.off+nodeVal, vOff); err != nil {
			return err
		}
		return tx.FreeBytes(old)
	})
}

func (e *CSMap) insert(key, value []byte) error {
	preds := e.findPreds(key)

	var nOff uint64
	err := e.p.RunTx(func(tx *pmem.Tx) error {
		kOff, err := tx.AllocBytes(key)
		if err != nil {
			return err
		}
		vOff, err := tx.AllocBytes(value)
		if err != nil {
			return err
		}
		nOff, err = tx.Alloc(nodeSize)
		if err != nil {
			return err
		}
		linkOff := e.linkOff(preds[0])
		n := e.p.Raw(nOff, nodeSize)
		binary.LittleEndian.PutUint64(n[nodeNext:], e.p.U64(linkOff))
		binary.LittleEndian.PutUint64(n[nodeKey:], kOff)
		binary.LittleEndian.PutUint64(n[nodeVal:], vOff)
		if err := tx.SetU64(linkOff, nOff); err != nil {
			return err
		}
		return tx.SetU64(e.meta+metaCount, uint64(e.count()+1))
	})
	if err != nil {
		return err
	}

	h := randomLevel()
	if h > e.level {
		e.level = h
	}
	vn := &vnode{off: nOff, key: e.p.Bytes(e.nodeField(nOff, nodeKey))}
	for i := 0; i < h; i++ {
		vn.next[i] = preds[i].next[i]
		preds[i].next[i] = vn
	}
	return nil
}

// linkOff returns the offset of the persistent pointer that references the
// successor of pred.
func (e *CSMap) linkOff(pred *vnode) uint64 {
	if pred.off == 0 {
		return e.meta + metaFirst
	}
	return pred.off + nodeNext
}

func (e *CSMap) Remove(key []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	preds := e.findPreds(key)
	vn := preds[0].next[0]
	if vn == nil || e.cmp.Compare(vn.key, key) != 0 {
		return engine.ErrNotFound
	}

	err := e.p.RunTx(func(tx *pmem.Tx) error {
		linkOff := e.linkOff(preds[0])
		if err := tx.SetU64(linkOff, e.nodeField(vn.off, nodeNext)); err != nil {
			return err
		}
		if err := tx.FreeBytes(e.nodeField(vn.off, nodeKey)); err != nil {
			return err
		}
		if err := tx.FreeBytes(e.nodeField(vn.off, nodeVal)); err != nil {
			return err
		}
		if err := tx.Free(vn.off, nodeSize); err != nil {
			return err
		}
		return tx.SetU64(e.meta+metaCount, uint64(e.count()-1))
	})
	if err != nil {
		return err
	}

	for i := 0; i < e.level; i++ {
		if preds[i].next[i] == vn {
			preds[i].next[i] = vn.next[i]
		}
	}
	return nil
}

// NewIterator implements engine.Engine.
func (e *CSMap) NewIterator() (engine.Iterator, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return &iterator{e: e, cur: e.head.next[0]}, nil
}
