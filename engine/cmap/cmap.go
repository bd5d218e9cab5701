// Package cmap implements the concurrent hash map engine: an unordered
// persistent map with open chaining, striped locking and transactional
// insert-or-assign. Ranged queries and reverse iteration are not supported.
package cmap

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cespare/xxhash/v2"
	"golang.org/x/time/rate"

	"github.com/hupe1980/pmkv/engine"
	"github.com/hupe1980/pmkv/internal/pmem"
)

// Name is the engine name used at open.
const Name = "cmap"

// Layout identifies cmap pools on disk.
const Layout = "pmkv_cmap"

const (
	initialBuckets = 128
	maxLoadFactor  = 2 // rehash when count > buckets * maxLoadFactor
	numStripes     = 128

	// Meta block reachable from the pool root.
	metaDir     = 0 // offset of the bucket directory
	metaBuckets = 8
	metaCount   = 16
	metaSize    = 24

	// Chain node: [next u64][hash u64][key u64][val u64].
	nodeNext = 0
	nodeHash = 8
	nodeKey  = 16
	nodeVal  = 24
	nodeSize = 32

	// Defrag moves are throttled to keep concurrent readers responsive.
	defragBytesPerSec = 64 << 20
	defragBurst       = 1 << 20
)

var _ engine.Engine = (*CMap)(nil)
var _ engine.Defragmenter = (*CMap)(nil)

func init() {
	engine.Register(Name, New)
}

// CMap is the concurrent hash map engine.
type CMap struct {
	p      *pmem.Pool
	meta   uint64
	logger *slog.Logger

	// resizeMu serializes rehash/defrag against all other operations;
	// stripes serialize operations on colliding keys.
	resizeMu sync.RWMutex
	stripes  [numStripes]sync.RWMutex
}

// New attaches to (or creates) the hash map root object in p. Volatile
// stripe locks are rebuilt from scratch; the persisted directory needs no
// runtime fixup.
func New(p *pmem.Pool, opts engine.Options) (engine.Engine, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	e := &CMap{p: p, logger: opts.Logger}

	rootOff := p.RootOffset()
	if rootOff == 0 {
		err := p.RunTx(func(tx *pmem.Tx) error {
			meta, err := tx.Alloc(metaSize)
			if err != nil {
				return err
			}
			dir, err := tx.Alloc(initialBuckets * 8)
			if err != nil {
				return err
			}
			raw := p.Raw(dir, initialBuckets*8)
			for i := range raw {
				raw[i] = 0
			}
			m := p.Raw(meta, metaSize)
			for i := range m {
				m[i] = 0
			}
			putU64(m[metaDir:], dir)
			putU64(m[metaBuckets:], initialBuckets)
			return tx.SetRootOffset(meta)
		})
		if err != nil {
			return nil, fmt.Errorf("cmap: create root: %w", err)
		}
		rootOff = p.RootOffset()
	}
	e.meta = rootOff
	e.logger.Debug("engine started", "engine", Name, "buckets", e.buckets())
	return e, nil
}

func (e *CMap) Name() string { return Name }

func (e *CMap) Close() error {
	e.logger.Debug("engine stopped", "engine", Name)
	return nil
}

func (e *CMap) dir() uint64     { return e.p.U64(e.meta + metaDir) }
func (e *CMap) buckets() uint64 { return e.p.U64(e.meta + metaBuckets) }
func (e *CMap) count() int      { return int(e.p.U64(e.meta + metaCount)) }

func (e *CMap) stripe(hash uint64) *sync.RWMutex {
	return &e.stripes[hash%numStripes]
}

func nodeField(n []byte, off int) uint64 {
	return binary.LittleEndian.Uint64(n[off:])
}

func putU64(b []byte, v uint64) {
	binary.LittleEndian.PutUint64(b, v)
}

// findNode walks the chain for key, returning the node offset and the
// offset of the pointer that references it (bucket slot or predecessor's
// next field).
func (e *CMap) findNode(key []byte, hash uint64) (nodeOff, linkOff uint64) {
	dir := e.dir()
	linkOff = dir + (hash%e.buckets())*8
	nodeOff = e.p.U64(linkOff)
	for nodeOff != 0 {
		n := e.p.Raw(nodeOff, nodeSize)
		if nodeField(n, nodeHash) == hash && bytes.Equal(e.p.Bytes(nodeField(n, nodeKey)), key) {
			return nodeOff, linkOff
		}
		linkOff = nodeOff + nodeNext
		nodeOff = nodeField(n, nodeNext)
	}
	return 0, linkOff
}

func (e *CMap) CountAll() (int, error) {
	e.resizeMu.RLock()
	defer e.resizeMu.RUnlock()
	return e.count(), nil
}

func (e *CMap) Exists(key []byte) error {
	hash := xxhash.Sum64(key)
	e.resizeMu.RLock()
	defer e.resizeMu.RUnlock()
	s := e.stripe(hash)
	s.RLock()
	defer s.RUnlock()
	if off, _ := e.findNode(key, hash); off == 0 {
		return engine.ErrNotFound
	}
	return nil
}

func (e *CMap) Get(key []byte, fn engine.GetVFunc) error {
	hash := xxhash.Sum64(key)
	e.resizeMu.RLock()
	defer e.resizeMu.RUnlock()
	s := e.stripe(hash)
	s.RLock()
	defer s.RUnlock()
	off, _ := e.findNode(key, hash)
	if off == 0 {
		return engine.ErrNotFound
	}
	n := e.p.Raw(off, nodeSize)
	fn(e.p.Bytes(nodeField(n, nodeVal)))
	return nil
}

func (e *CMap) Put(key, value []byte) error {
	hash := xxhash.Sum64(key)
	e.resizeMu.RLock()
	s := e.stripe(hash)
	s.Lock()

	err := func() error {
		off, linkOff := e.findNode(key, hash)
		if off != 0 {
			// insert_or_assign: replace the value in place, atomically.
			return e.p.RunTx(func(tx *pmem.Tx) error {
				n := e.p.Raw(off, nodeSize)
				old := nodeField(n, nodeVal)
				vOff, err := tx.AllocBytes(value)
				if err != nil {
					return err
				}
				if err := tx.SetU64(off+nodeVal, vOff); err != nil {
					return err
				}
				return tx.FreeBytes(old)
			})
		}
		return e.p.RunTx(func(tx *pmem.Tx) error {
			kOff, err := tx.AllocBytes(key)
			if err != nil {
				return err
			}
			vOff, err := tx.AllocBytes(value)
			if err != nil {
				return err
			}
			nOff, err := tx.Alloc(nodeSize)
			if err != nil {
				return err
			}
			n := e.p.Raw(nOff, nodeSize)
			putU64(n[nodeNext:], e.p.U64(linkOff))
			putU64(n[nodeHash:], hash)
			putU64(n[nodeKey:], kOff)
			putU64(n[nodeVal:], vOff)
			if err := tx.SetU64(linkOff, nOff); err != nil {
				return err
			}
			return tx.SetU64(e.meta+metaCount, uint64(e.count()+1))
		})
	}()

	s.Unlock()
	e.resizeMu.RUnlock()
	if err != nil {
		return err
	}
	return e.maybeRehash()
}

func (e *CMap) Remove(key []byte) error {
	hash := xxhash.Sum64(key)
	e.resizeMu.RLock()
	defer e.resizeMu.RUnlock()
	s := e.stripe(hash)
	s.Lock()
	defer s.Unlock()

	off, linkOff := e.findNode(key, hash)
	if off == 0 {
		return engine.ErrNotFound
	}
	return e.p.RunTx(func(tx *pmem.Tx) error {
		n := e.p.Raw(off, nodeSize)
		if err := tx.SetU64(linkOff, nodeField(n, nodeNext)); err != nil {
			return err
		}
		if err := tx.FreeBytes(nodeField(n, nodeKey)); err != nil {
			return err
		}
		if err := tx.FreeBytes(nodeField(n, nodeVal)); err != nil {
			return err
		}
		if err := tx.Free(off, nodeSize); err != nil {
			return err
		}
		return tx.SetU64(e.meta+metaCount, uint64(e.count()-1))
	})
}

// GetAll iterates all entries. Iteration is not atomic across buckets:
// concurrent writers may be observed in some buckets and not others.
func (e *CMap) GetAll(fn engine.GetKVFunc) error {
	e.resizeMu.RLock()
	defer e.resizeMu.RUnlock()
	dir := e.dir()
	nbuckets := e.buckets()
	for b := uint64(0); b < nbuckets; b++ {
		stop, err := e.scanBucket(dir, b, fn)
		if err != nil {
			return err
		}
		if stop {
			return engine.ErrStoppedByCallback
		}
	}
	return nil
}

func (e *CMap) scanBucket(dir, b uint64, fn engine.GetKVFunc) (bool, error) {
	off := e.p.U64(dir + b*8)
	if off == 0 {
		return false, nil
	}
	// Lock per node by its own hash: the same stripe a point operation on
	// that key takes.
	for off != 0 {
		n := e.p.Raw(off, nodeSize)
		s := e.stripe(nodeField(n, nodeHash))
		s.RLock()
		ret := fn(e.p.Bytes(nodeField(n, nodeKey)), e.p.Bytes(nodeField(n, nodeVal)))
		next := nodeField(n, nodeNext)
		s.RUnlock()
		if ret != 0 {
			return true, nil
		}
		off = next
	}
	return false, nil
}

// maybeRehash doubles the directory when the load factor threshold is
// exceeded. The whole relink runs inside one pool transaction; iterators
// do not survive it.
func (e *CMap) maybeRehash() error {
	e.resizeMu.RLock()
	need := e.count() > int(e.buckets())*maxLoadFactor
	e.resizeMu.RUnlock()
	if !need {
		return nil
	}

	e.resizeMu.Lock()
	defer e.resizeMu.Unlock()
	if e.count() <= int(e.buckets())*maxLoadFactor {
		return nil
	}

	oldDir := e.dir()
	oldN := e.buckets()
	newN := oldN * 2
	e.logger.Debug("rehash", "engine", Name, "buckets", newN)

	return e.p.RunTx(func(tx *pmem.Tx) error {
		newDir, err := tx.Alloc(newN * 8)
		if err != nil {
			return err
		}
		raw := e.p.Raw(newDir, newN*8)
		for i := range raw {
			raw[i] = 0
		}
		for b := uint64(0); b < oldN; b++ {
			off := e.p.U64(oldDir + b*8)
			for off != 0 {
				n := e.p.Raw(off, nodeSize)
				next := nodeField(n, nodeNext)
				slot := newDir + (nodeField(n, nodeHash)%newN)*8
				if err := tx.SetU64(off+nodeNext, e.p.U64(slot)); err != nil {
					return err
				}
				putU64(e.p.Raw(slot, 8), off)
				off = next
			}
		}
		if err := tx.SetU64(e.meta+metaDir, newDir); err != nil {
			return err
		}
		if err := tx.SetU64(e.meta+metaBuckets, newN); err != nil {
			return err
		}
		return tx.Free(oldDir, oldN*8)
	})
}

// Ranged operations are undefined without an order.

func (e *CMap) CountAbove([]byte) (int, error)      { return 0, engine.ErrNotSupported }
func (e *CMap) CountEqualAbove([]byte) (int, error) { return 0, engine.ErrNotSupported }
func (e *CMap) CountBelow([]byte) (int, error)      { return 0, engine.ErrNotSupported }
func (e *CMap) CountEqualBelow([]byte) (int, error) { return 0, engine.ErrNotSupported }
func (e *CMap) CountBetween([]byte, []byte) (int, error) {
	return 0, engine.ErrNotSupported
}

func (e *CMap) GetAbove([]byte, engine.GetKVFunc) error      { return engine.ErrNotSupported }
func (e *CMap) GetEqualAbove([]byte, engine.GetKVFunc) error { return engine.ErrNotSupported }
func (e *CMap) GetBelow([]byte, engine.GetKVFunc) error      { return engine.ErrNotSupported }
func (e *CMap) GetEqualBelow([]byte, engine.GetKVFunc) error { return engine.ErrNotSupported }
func (e *CMap) GetBetween([]byte, []byte, engine.GetKVFunc) error {
	return engine.ErrNotSupported
}

// Defrag compacts the chain nodes and strings of the bucket range starting
// at startPercent of the directory and spanning amountPercent, by
// reallocating them; freed blocks refill the allocator's free lists.
func (e *CMap) Defrag(startPercent, amountPercent int) error {
	if startPercent < 0 || startPercent >= 100 || amountPercent <= 0 || startPercent+amountPercent > 100 {
		return fmt.Errorf("%w: defrag range [%d%%, %d%%)", engine.ErrInvalidArgument,
			startPercent, startPercent+amountPercent)
	}

	e.resizeMu.Lock()
	defer e.resizeMu.Unlock()

	nbuckets := e.buckets()
	lo := nbuckets * uint64(startPercent) / 100
	hi := nbuckets * uint64(startPercent+amountPercent) / 100

	targets := roaring.New()
	targets.AddRange(lo, hi)

	limiter := rate.NewLimiter(rate.Limit(defragBytesPerSec), defragBurst)
	ctx := context.Background()
	dir := e.dir()

	var moved uint64
	it := targets.Iterator()
	for it.HasNext() {
		b := uint64(it.Next())
		n, err := e.defragBucket(ctx, dir, b, limiter)
		if err != nil {
			return fmt.Errorf("%w: bucket %d: %v", engine.ErrDefrag, b, err)
		}
		moved += n
	}
	e.logger.Debug("defrag", "engine", Name, "buckets", hi-lo, "bytes", moved)
	return nil
}

func (e *CMap) defragBucket(ctx context.Context, dir, b uint64, limiter *rate.Limiter) (uint64, error) {
	var moved uint64
	err := e.p.RunTx(func(tx *pmem.Tx) error {
		linkOff := dir + b*8
		off := e.p.U64(linkOff)
		for off != 0 {
			n := e.p.Raw(off, nodeSize)
			kOff := nodeField(n, nodeKey)
			vOff := nodeField(n, nodeVal)
			k := e.p.Bytes(kOff)
			v := e.p.Bytes(vOff)
			size := uint64(nodeSize + 8 + len(k) + len(v))
			if size <= defragBurst {
				if err := limiter.WaitN(ctx, int(size)); err != nil {
					return err
				}
			}

			nk, err := tx.AllocBytes(k)
			if err != nil {
				return err
			}
			nv, err := tx.AllocBytes(v)
			if err != nil {
				return err
			}
			nOff, err := tx.Alloc(nodeSize)
			if err != nil {
				return err
			}
			nn := e.p.Raw(nOff, nodeSize)
			putU64(nn[nodeNext:], nodeField(n, nodeNext))
			putU64(nn[nodeHash:], nodeField(n, nodeHash))
			putU64(nn[nodeKey:], nk)
			putU64(nn[nodeVal:], nv)
			if err := tx.SetU64(linkOff, nOff); err != nil {
				return err
			}
			if err := tx.FreeBytes(kOff); err != nil {
				return err
			}
			if err := tx.FreeBytes(vOff); err != nil {
				return err
			}
			if err := tx.Free(off, nodeSize); err != nil {
				return err
			}
			moved += size
			linkOff = nOff + nodeNext
			off = nodeField(nn, nodeNext)
		}
		return nil
	})
	return moved, err
}

// NewIterator returns a forward-only cursor; reverse operations fail with
// ErrNotSupported.
func (e *CMap) NewIterator() (engine.Iterator, error) {
	it := &iterator{e: e}
	_ = it.SeekToFirst()
	return it, nil
}
