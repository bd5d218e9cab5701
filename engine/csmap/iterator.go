package csmap

import (
	"github.com/hupe1980/pmkv/engine"
)

// iterator is a bidirectional cursor over the sorted map, with the common
// wrap-around convention. Concurrent skeleton changes invalidate it.
type iterator struct {
	e   *CSMap
	cur *vnode
}

var _ engine.Iterator = (*iterator)(nil)

func (it *iterator) Next() error {
	it.e.mu.RLock()
	defer it.e.mu.RUnlock()
	if it.cur == nil {
		it.cur = it.e.head.next[0]
		return nil
	}
	it.cur = it.cur.next[0]
	return nil
}

func (it *iterator) Prev() error {
	it.e.mu.RLock()
	defer it.e.mu.RUnlock()
	if it.cur == nil {
		it.cur = it.e.lastNode()
		return nil
	}
	prev := it.e.findLess(it.cur.key)
	if prev == it.e.head {
		it.cur = nil
		return nil
	}
	it.cur = prev
	return nil
}

func (it *iterator) SeekToFirst() error {
	it.e.mu.RLock()
	defer it.e.mu.RUnlock()
	it.cur = it.e.head.next[0]
	return nil
}

func (it *iterator) SeekToLast() error {
	it.e.mu.RLock()
	defer it.e.mu.RUnlock()
	it.cur = it.e.lastNode()
	return nil
}

func (it *iterator) Seek(key []byte) error {
	it.e.mu.RLock()
	defer it.e.mu.RUnlock()
	it.cur = it.e.findExact(key)
	return nil
}

func (it *iterator) SeekForPrev(key []byte) error {
	it.e.mu.RLock()
	defer it.e.mu.RUnlock()
	if vn := it.e.findExact(key); vn != nil {
		it.cur = vn
		return nil
	}
	prev := it.e.findLess(key)
	if prev == it.e.head {
		it.cur = nil
		return nil
	}
	it.cur = prev
	return nil
}

func (it *iterator) SeekForNext(key []byte) error {
	it.e.mu.RLock()
	defer it.e.mu.RUnlock()
	it.cur = it.e.upperBound(key)
	return nil
}

func (it *iterator) Valid() bool { return it.cur != nil }

func (it *iterator) Key() []byte {
	if it.cur == nil {
		return nil
	}
	return it.cur.key
}

func (it *iterator) Value() []byte {
	if it.cur == nil {
		return nil
	}
	it.cur.mu.RLock()
	defer it.cur.mu.RUnlock()
	return it.e.value(it.cur)
}

func (it *iterator) Close() error {
	it.cur = nil
	return nil
}
