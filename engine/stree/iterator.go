package stree

import (
	"github.com/hupe1980/pmkv/engine"
)

// iterator is a bidirectional cursor over the B-tree. Stepping past the end
// wraps to the first entry and stepping before the first wraps to end;
// callers test Valid.
//
// The cursor holds no lock; concurrent mutations invalidate it.
type iterator struct {
	e   *STree
	cur pos
}

var _ engine.Iterator = (*iterator)(nil)

func (it *iterator) Next() error {
	it.e.mu.RLock()
	defer it.e.mu.RUnlock()
	if !it.cur.valid() {
		it.cur = it.e.t.first()
		return nil
	}
	it.cur = it.e.t.advance(it.cur)
	return nil
}

func (it *iterator) Prev() error {
	it.e.mu.RLock()
	defer it.e.mu.RUnlock()
	if !it.cur.valid() {
		it.cur = it.e.t.last()
		return nil
	}
	it.cur = it.e.t.maxBelow(it.e.t.keyAt(it.cur))
	return nil
}

func (it *iterator) SeekToFirst() error {
	it.e.mu.RLock()
	defer it.e.mu.RUnlock()
	it.cur = it.e.t.first()
	return nil
}

func (it *iterator) SeekToLast() error {
	it.e.mu.RLock()
	defer it.e.mu.RUnlock()
	it.cur = it.e.t.last()
	return nil
}

func (it *iterator) Seek(key []byte) error {
	it.e.mu.RLock()
	defer it.e.mu.RUnlock()
	it.cur = it.e.t.find(key)
	return nil
}

func (it *iterator) SeekForPrev(key []byte) error {
	it.e.mu.RLock()
	defer it.e.mu.RUnlock()
	if p := it.e.t.find(key); p.valid() {
		it.cur = p
		return nil
	}
	it.cur = it.e.t.maxBelow(key)
	return nil
}

func (it *iterator) SeekForNext(key []byte) error {
	it.e.mu.RLock()
	defer it.e.mu.RUnlock()
	it.cur = it.e.t.upperBound(key)
	return nil
}

func (it *iterator) Valid() bool { return it.cur.valid() }

func (it *iterator) Key() []byte {
	if !it.cur.valid() {
		return nil
	}
	return it.e.t.keyAt(it.cur)
}

func (it *iterator) Value() []byte {
	if !it.cur.valid() {
		return nil
	}
	return it.e.t.valueAt(it.cur)
}

func (it *iterator) Close() error {
	it.cur = pos{}
	return nil
}
