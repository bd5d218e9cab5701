package pmkv

import (
	"github.com/hupe1980/pmkv/engine"
)

// Tx is a batched transaction: put and remove operations stage in volatile
// memory and Commit applies them to the container inside a single pool
// transaction, so after a crash either none or all of them are visible.
// Writes to the same key coalesce, last write wins. Only the radix engine
// offers batched transactions.
type Tx struct {
	db *DB
	tx engine.BatchTx
}

// BeginTx starts a batched transaction. Engines without batched
// transactions return ErrNotSupported.
func (db *DB) BeginTx() (*Tx, error) {
	if err := db.guard(); err != nil {
		return nil, err
	}
	te, ok := db.eng.(engine.Transactional)
	if !ok {
		return nil, ErrNotSupported
	}
	tx, err := te.BeginTx()
	if err != nil {
		return nil, translateError(err)
	}
	return &Tx{db: db, tx: tx}, nil
}

// Put stages an insert-or-assign of key.
func (tx *Tx) Put(key, value []byte) error {
	return translateError(tx.tx.Put(key, value))
}

// Remove stages an erase of key. Staging a remove after a put of the same
// key results in absence after Commit.
func (tx *Tx) Remove(key []byte) error {
	return translateError(tx.tx.Remove(key))
}

// Commit atomically applies the staged operations.
func (tx *Tx) Commit() error {
	if err := tx.db.guard(); err != nil {
		return err
	}
	return translateError(tx.tx.Commit())
}

// Abort discards the staged operations.
func (tx *Tx) Abort() {
	tx.tx.Abort()
}
