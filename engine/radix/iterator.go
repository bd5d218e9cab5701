package radix

import (
	"github.com/hupe1980/pmkv/engine"
	"github.com/hupe1980/pmkv/internal/pmem"
)

// iterator is a seek-capable cursor over the trie. Navigation re-seeks by
// the current key, so steps cost a descent but never chase freed structure.
// All seek primitives report ErrNotFound when no entry qualifies, leaving
// the cursor at end.
type iterator struct {
	e   *Radix
	cur uint64 // current entry offset, 0 at end
	key []byte // copy of the current key, the re-seek anchor
}

var _ engine.SeekIterator = (*iterator)(nil)

func (it *iterator) settle(eo uint64) error {
	if eo == 0 {
		it.cur = 0
		it.key = nil
		return engine.ErrNotFound
	}
	it.cur = eo
	it.key = append(it.key[:0], it.e.entryKey(eo)...)
	return nil
}

func (it *iterator) Seek(key []byte) error {
	return it.settle(it.e.findEntry(key))
}

func (it *iterator) SeekLower(key []byte) error {
	return it.settle(it.e.floor(key, false))
}

func (it *iterator) SeekLowerEq(key []byte) error {
	return it.settle(it.e.floor(key, true))
}

func (it *iterator) SeekHigher(key []byte) error {
	return it.settle(it.e.ceiling(key, false))
}

func (it *iterator) SeekHigherEq(key []byte) error {
	return it.settle(it.e.ceiling(key, true))
}

func (it *iterator) SeekToFirst() error {
	return it.settle(it.e.minOf(it.e.rootNode()))
}

func (it *iterator) SeekToLast() error {
	return it.settle(it.e.maxOf(it.e.rootNode()))
}

func (it *iterator) Next() error {
	if it.cur == 0 {
		return engine.ErrNotFound
	}
	return it.settle(it.e.ceiling(it.key, false))
}

func (it *iterator) Prev() error {
	if it.cur == 0 {
		return engine.ErrNotFound
	}
	return it.settle(it.e.floor(it.key, false))
}

// IsNext peeks whether Next would land on an entry, without moving.
func (it *iterator) IsNext() error {
	if it.cur == 0 || it.e.ceiling(it.key, false) == 0 {
		return engine.ErrNotFound
	}
	return nil
}

// SeekForPrev mirrors SeekLowerEq under the common cursor vocabulary.
func (it *iterator) SeekForPrev(key []byte) error {
	return it.SeekLowerEq(key)
}

// SeekForNext mirrors SeekHigher under the common cursor vocabulary.
func (it *iterator) SeekForNext(key []byte) error {
	return it.SeekHigher(key)
}

func (it *iterator) Valid() bool { return it.cur != 0 }

func (it *iterator) Key() []byte {
	if it.cur == 0 {
		return nil
	}
	return it.e.entryKey(it.cur)
}

func (it *iterator) Value() []byte {
	if it.cur == 0 {
		return nil
	}
	return it.e.entryVal(it.cur)
}

// ReadRange returns a read-only view of value bytes [pos, pos+n), clamped
// to the value length.
func (it *iterator) ReadRange(pos, n int) ([]byte, error) {
	if it.cur == 0 {
		return nil, engine.ErrNotFound
	}
	v := it.e.entryVal(it.cur)
	pos, n = clampRange(pos, n, len(v))
	return v[pos : pos+n : pos+n], nil
}

func (it *iterator) Close() error {
	it.cur = 0
	it.key = nil
	return nil
}

func clampRange(pos, n, size int) (int, int) {
	if pos < 0 || pos > size {
		return 0, 0
	}
	if n < 0 || pos+n > size || pos+n < pos {
		n = size - pos
	}
	return pos, n
}

// writeIterator stages in-place edits of the current value. Staged buffers
// live in volatile memory until Commit copies them into the live value
// inside one pool transaction.
type writeIterator struct {
	iterator
	staged []stagedRange
}

type stagedRange struct {
	entry uint64
	pos   int
	buf   []byte
}

var _ engine.WriteIterator = (*writeIterator)(nil)

// WriteRange returns a writable staging buffer covering value bytes
// [pos, pos+n), clamped to the value length. Multiple ranges may be staged
// before a Commit.
func (it *writeIterator) WriteRange(pos, n int) ([]byte, error) {
	if it.cur == 0 {
		return nil, engine.ErrNotFound
	}
	v := it.e.entryVal(it.cur)
	pos, n = clampRange(pos, n, len(v))
	buf := append([]byte(nil), v[pos:pos+n]...)
	it.staged = append(it.staged, stagedRange{entry: it.cur, pos: pos, buf: buf})
	return buf, nil
}

// Commit applies all staged ranges to the live values atomically.
func (it *writeIterator) Commit() error {
	if len(it.staged) == 0 {
		return nil
	}
	it.e.writeMu.Lock()
	defer it.e.writeMu.Unlock()

	err := it.e.p.RunTx(func(tx *pmem.Tx) error {
		for _, s := range it.staged {
			valOff := it.e.p.U64(s.entry + entryValF)
			if err := tx.WriteAt(valOff+4+uint64(s.pos), s.buf); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	it.staged = nil
	return nil
}

// Abort discards the staged ranges.
func (it *writeIterator) Abort() {
	it.staged = nil
}
