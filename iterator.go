package pmkv

import (
	"github.com/hupe1980/pmkv/engine"
)

// Iterator is a cursor over the database. Ordered engines support the full
// bidirectional contract: Next past the end wraps to the first entry, Prev
// before the first wraps to end, and callers test Valid. cmap cursors are
// forward-only; their Prev, SeekToLast and SeekForPrev return
// ErrNotSupported. radix cursors report ErrNotFound at the ends instead of
// wrapping.
//
// Cursors are transient: they are not persisted and concurrent mutations
// invalidate them.
type Iterator struct {
	db *DB
	it engine.Iterator
}

// NewIterator returns a cursor positioned at the first entry (engine order).
func (db *DB) NewIterator() (*Iterator, error) {
	if err := db.guard(); err != nil {
		return nil, err
	}
	it, err := db.eng.NewIterator()
	if err != nil {
		return nil, translateError(err)
	}
	return &Iterator{db: db, it: it}, nil
}

// Next advances the cursor.
func (it *Iterator) Next() error { return translateError(it.it.Next()) }

// Prev retreats the cursor.
func (it *Iterator) Prev() error { return translateError(it.it.Prev()) }

// SeekToFirst positions at the first entry.
func (it *Iterator) SeekToFirst() error { return translateError(it.it.SeekToFirst()) }

// SeekToLast positions at the last entry.
func (it *Iterator) SeekToLast() error { return translateError(it.it.SeekToLast()) }

// Seek positions at the exact key, or at end if absent.
func (it *Iterator) Seek(key []byte) error { return translateError(it.it.Seek(key)) }

// SeekForPrev positions at the greatest key <= key.
func (it *Iterator) SeekForPrev(key []byte) error { return translateError(it.it.SeekForPrev(key)) }

// SeekForNext positions at the least key > key.
func (it *Iterator) SeekForNext(key []byte) error { return translateError(it.it.SeekForNext(key)) }

// Valid reports whether the cursor is positioned on an entry.
func (it *Iterator) Valid() bool { return it.it.Valid() }

// Key returns the current key; the slice aliases pool memory.
func (it *Iterator) Key() []byte { return it.it.Key() }

// Value returns the current value; the slice aliases pool memory.
func (it *Iterator) Value() []byte { return it.it.Value() }

// Close releases the cursor.
func (it *Iterator) Close() error { return translateError(it.it.Close()) }

// WriteIterator is a radix cursor that stages in-place value edits. Edits
// accumulate in volatile staging buffers obtained from WriteRange and are
// applied atomically by Commit, or dropped by Abort.
type WriteIterator struct {
	Iterator
	wit engine.WriteIterator
}

// NewWriteIterator returns a mutable cursor. Engines without write-range
// staging return ErrNotSupported.
func (db *DB) NewWriteIterator() (*WriteIterator, error) {
	if err := db.guard(); err != nil {
		return nil, err
	}
	f, ok := db.eng.(interface {
		NewWriteIterator() (engine.WriteIterator, error)
	})
	if !ok {
		return nil, ErrNotSupported
	}
	wit, err := f.NewWriteIterator()
	if err != nil {
		return nil, translateError(err)
	}
	return &WriteIterator{Iterator: Iterator{db: db, it: wit}, wit: wit}, nil
}

// SeekLower positions at the greatest key < key; ErrNotFound if none.
func (it *WriteIterator) SeekLower(key []byte) error {
	return translateError(it.wit.SeekLower(key))
}

// SeekLowerEq positions at the greatest key <= key; ErrNotFound if none.
func (it *WriteIterator) SeekLowerEq(key []byte) error {
	return translateError(it.wit.SeekLowerEq(key))
}

// SeekHigher positions at the least key > key; ErrNotFound if none.
func (it *WriteIterator) SeekHigher(key []byte) error {
	return translateError(it.wit.SeekHigher(key))
}

// SeekHigherEq positions at the least key >= key; ErrNotFound if none.
func (it *WriteIterator) SeekHigherEq(key []byte) error {
	return translateError(it.wit.SeekHigherEq(key))
}

// IsNext reports via nil/ErrNotFound whether Next would find an entry.
func (it *WriteIterator) IsNext() error { return translateError(it.wit.IsNext()) }

// ReadRange returns a read-only view of value bytes [pos, pos+n), clamped
// to the value length.
func (it *WriteIterator) ReadRange(pos, n int) ([]byte, error) {
	b, err := it.wit.ReadRange(pos, n)
	return b, translateError(err)
}

// WriteRange returns a writable staging buffer covering value bytes
// [pos, pos+n), clamped to the value length.
func (it *WriteIterator) WriteRange(pos, n int) ([]byte, error) {
	b, err := it.wit.WriteRange(pos, n)
	return b, translateError(err)
}

// Commit atomically applies all staged ranges to the live value.
func (it *WriteIterator) Commit() error { return translateError(it.wit.Commit()) }

// Abort discards staged ranges.
func (it *WriteIterator) Abort() { it.wit.Abort() }
