package pmem

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrUndoOverflow is returned when a transaction snapshots more data
	// than the undo region can hold. The transaction is rolled back.
	ErrUndoOverflow = errors.New("pmem: transaction undo log overflow")
)

// Tx is a single pool transaction. It is only valid inside the RunTx
// callback that produced it.
type Tx struct {
	p        *Pool
	undoTail uint64
	nrec     uint64
}

// RunTx executes fn inside a pool transaction. If fn returns an error or
// panics, every snapshotted range is restored to its pre-transaction state
// and the error is returned. Otherwise the heap is synced and the undo log
// cleared, making the mutation durable.
//
// Transactions serialize on a pool-wide mutex; engines provide their own
// finer-grained locking above this layer.
func (p *Pool) RunTx(fn func(tx *Tx) error) error {
	p.txMu.Lock()
	defer p.txMu.Unlock()
	p.inTx.Store(true)
	defer p.inTx.Store(false)

	tx := &Tx{p: p, undoTail: undoDataOff}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("pmem: panic in transaction: %v", r)
			}
		}()
		return fn(tx)
	}()

	if err != nil {
		tx.rollback()
		return err
	}
	return tx.commit()
}

// Snapshot records the pre-image of data[off:off+n] in the undo log and
// makes it durable. Must be called before the first modification of the
// range within the transaction. Snapshotting the same range twice is
// harmless: records replay in reverse, so the oldest pre-image wins.
func (tx *Tx) Snapshot(off, n uint64) error {
	if n == 0 {
		return nil
	}
	need := 16 + n
	if tx.undoTail+need > headerSize+undoSize {
		return ErrUndoOverflow
	}
	p := tx.p
	binary.LittleEndian.PutUint64(p.data[tx.undoTail:], off)
	binary.LittleEndian.PutUint64(p.data[tx.undoTail+8:], n)
	copy(p.data[tx.undoTail+16:], p.data[off:off+n])
	if err := msync(p.data, tx.undoTail, need); err != nil {
		return fmt.Errorf("pmem: sync undo record: %w", err)
	}
	tx.undoTail += need
	tx.nrec++
	p.putU64(undoCountOff, tx.nrec)
	if err := msync(p.data, undoCountOff, 8); err != nil {
		return fmt.Errorf("pmem: sync undo count: %w", err)
	}
	return nil
}

func (tx *Tx) commit() error {
	p := tx.p
	if err := msync(p.data, 0, p.size); err != nil {
		return fmt.Errorf("pmem: sync heap: %w", err)
	}
	p.putU64(undoCountOff, 0)
	if err := msync(p.data, undoCountOff, 8); err != nil {
		return fmt.Errorf("pmem: clear undo log: %w", err)
	}
	return nil
}

func (tx *Tx) rollback() {
	p := tx.p
	if tx.nrec > 0 {
		_ = applyUndo(p, tx.nrec)
	}
	p.putU64(undoCountOff, 0)
	_ = msync(p.data, 0, p.size)
}

// applyUndo restores n undo records in reverse order of their creation.
func applyUndo(p *Pool, n uint64) error {
	type rec struct{ pos, off, len uint64 }
	recs := make([]rec, 0, n)
	pos := uint64(undoDataOff)
	for i := uint64(0); i < n; i++ {
		if pos+16 > headerSize+undoSize {
			return fmt.Errorf("%w: truncated undo log", ErrCorruptHeader)
		}
		off := binary.LittleEndian.Uint64(p.data[pos:])
		l := binary.LittleEndian.Uint64(p.data[pos+8:])
		if pos+16+l > headerSize+undoSize || off+l > p.size {
			return fmt.Errorf("%w: bad undo record", ErrCorruptHeader)
		}
		recs = append(recs, rec{pos: pos + 16, off: off, len: l})
		pos += 16 + l
	}
	for i := len(recs) - 1; i >= 0; i-- {
		r := recs[i]
		copy(p.data[r.off:r.off+r.len], p.data[r.pos:r.pos+r.len])
	}
	return nil
}

// SetU64 snapshots and overwrites a uint64 field.
func (tx *Tx) SetU64(off, v uint64) error {
	if err := tx.Snapshot(off, 8); err != nil {
		return err
	}
	tx.p.putU64(off, v)
	return nil
}

// SetU32 snapshots and overwrites a uint32 field.
func (tx *Tx) SetU32(off uint64, v uint32) error {
	if err := tx.Snapshot(off, 4); err != nil {
		return err
	}
	tx.p.putU32(off, v)
	return nil
}

// SetRootOffset installs the root object pointer.
func (tx *Tx) SetRootOffset(off uint64) error {
	return tx.SetU64(offRoot, off)
}
