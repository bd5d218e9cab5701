package engine

// Iterator is a transient navigation cursor over an engine's entries. It is
// not persisted and is invalidated by concurrent mutations unless the
// engine documents otherwise.
//
// The wrap-around convention is deliberate: Next past the end positions at
// the first entry, Prev before the first positions past the last. Callers
// test Valid after repositioning.
type Iterator interface {
	// Next advances the cursor, wrapping from end to the first entry.
	Next() error
	// Prev retreats the cursor, wrapping from the first entry to end.
	// Unordered engines return ErrNotSupported.
	Prev() error

	// SeekToFirst positions at the first entry.
	SeekToFirst() error
	// SeekToLast positions at the last entry. Unordered engines return
	// ErrNotSupported.
	SeekToLast() error
	// Seek positions at the exact key, or at end if absent.
	Seek(key []byte) error
	// SeekForPrev positions at the greatest key <= key, or at end.
	// Unordered engines return ErrNotSupported.
	SeekForPrev(key []byte) error
	// SeekForNext positions at the least key > key, or at end.
	SeekForNext(key []byte) error

	// Valid reports whether the cursor is positioned on an entry.
	Valid() bool
	// Key returns the current key. Valid only while the cursor is.
	Key() []byte
	// Value returns the current value. Valid only while the cursor is.
	Value() []byte

	// Close releases the cursor.
	Close() error
}

// SeekIterator is the seek-capable cursor of the radix engine, with
// status-returning seek primitives and bounded value reads.
type SeekIterator interface {
	Iterator

	// SeekLower positions at the greatest key < key; ErrNotFound if none.
	SeekLower(key []byte) error
	// SeekLowerEq positions at the greatest key <= key; ErrNotFound if none.
	SeekLowerEq(key []byte) error
	// SeekHigher positions at the least key > key; ErrNotFound if none.
	SeekHigher(key []byte) error
	// SeekHigherEq positions at the least key >= key; ErrNotFound if none.
	SeekHigherEq(key []byte) error
	// IsNext reports via nil/ErrNotFound whether Next would find an entry,
	// without moving the cursor.
	IsNext() error

	// ReadRange returns a read-only view of value bytes [pos, pos+n),
	// clamped to the value length.
	ReadRange(pos, n int) ([]byte, error)
}

// WriteIterator additionally stages in-place edits of the current value.
type WriteIterator interface {
	SeekIterator

	// WriteRange returns a writable staging buffer covering value bytes
	// [pos, pos+n), clamped to the value length. Multiple staged ranges
	// are permitted.
	WriteRange(pos, n int) ([]byte, error)
	// Commit atomically applies all staged ranges to the live value.
	Commit() error
	// Abort discards staged ranges.
	Abort()
}
