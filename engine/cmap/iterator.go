package cmap

import (
	"bytes"

	"github.com/hupe1980/pmkv/engine"
)

// iterator is a forward-only cursor over the hash map. The underlying
// chain walk has no reverse direction, so Prev, SeekToLast and SeekForPrev
// fail with ErrNotSupported instead of producing garbage. Iteration order
// is arbitrary and unstable; a rehash invalidates the cursor.
type iterator struct {
	e      *CMap
	bucket uint64
	node   uint64
}

var _ engine.Iterator = (*iterator)(nil)

// position advances to the first non-empty bucket at or after it.bucket.
func (it *iterator) position() {
	e := it.e
	dir := e.dir()
	nbuckets := e.buckets()
	for it.bucket < nbuckets {
		if off := e.p.U64(dir + it.bucket*8); off != 0 {
			it.node = off
			return
		}
		it.bucket++
	}
	it.node = 0
}

func (it *iterator) SeekToFirst() error {
	it.e.resizeMu.RLock()
	defer it.e.resizeMu.RUnlock()
	it.bucket = 0
	it.position()
	return nil
}

func (it *iterator) Next() error {
	it.e.resizeMu.RLock()
	defer it.e.resizeMu.RUnlock()
	if it.node == 0 {
		// Wrap-around: stepping past end restarts at the beginning.
		it.bucket = 0
		it.position()
		return nil
	}
	n := it.e.p.Raw(it.node, nodeSize)
	if next := nodeField(n, nodeNext); next != 0 {
		it.node = next
		return nil
	}
	it.bucket++
	it.position()
	return nil
}

func (it *iterator) Seek(key []byte) error {
	it.e.resizeMu.RLock()
	defer it.e.resizeMu.RUnlock()
	it.bucket = 0
	it.position()
	for it.node != 0 {
		n := it.e.p.Raw(it.node, nodeSize)
		if bytes.Equal(it.e.p.Bytes(nodeField(n, nodeKey)), key) {
			return nil
		}
		if next := nodeField(n, nodeNext); next != 0 {
			it.node = next
		} else {
			it.bucket++
			it.position()
		}
	}
	return nil
}

func (it *iterator) SeekForNext(key []byte) error {
	if err := it.Seek(key); err != nil {
		return err
	}
	if it.node == 0 {
		return nil
	}
	return it.Next()
}

func (it *iterator) Prev() error              { return engine.ErrNotSupported }
func (it *iterator) SeekToLast() error        { return engine.ErrNotSupported }
func (it *iterator) SeekForPrev([]byte) error { return engine.ErrNotSupported }

func (it *iterator) Valid() bool { return it.node != 0 }

func (it *iterator) Key() []byte {
	if it.node == 0 {
		return nil
	}
	n := it.e.p.Raw(it.node, nodeSize)
	return it.e.p.Bytes(nodeField(n, nodeKey))
}

func (it *iterator) Value() []byte {
	if it.node == 0 {
		return nil
	}
	n := it.e.p.Raw(it.node, nodeSize)
	return it.e.p.Bytes(nodeField(n, nodeVal))
}

func (it *iterator) Close() error {
	it.node = 0
	it.bucket = 0
	return nil
}
