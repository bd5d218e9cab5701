package radix

import (
	"github.com/hupe1980/pmkv/engine"
	"github.com/hupe1980/pmkv/internal/pmem"
)

// batchTx accumulates put/remove operations in a volatile log. Commit
// replays them into the trie inside a single pool transaction; Abort drops
// the log. Repeated writes to the same key coalesce in place, so a put
// followed by a remove of the same key results in absence.
type batchTx struct {
	e     *Radix
	ops   []stagedOp
	index map[string]int
}

type stagedOp struct {
	key    []byte
	value  []byte
	remove bool
}

var _ engine.BatchTx = (*batchTx)(nil)

func (t *batchTx) stage(op stagedOp) {
	if i, ok := t.index[string(op.key)]; ok {
		t.ops[i] = op
		return
	}
	t.index[string(op.key)] = len(t.ops)
	t.ops = append(t.ops, op)
}

func (t *batchTx) Put(key, value []byte) error {
	t.stage(stagedOp{
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
	return nil
}

func (t *batchTx) Remove(key []byte) error {
	t.stage(stagedOp{
		key:    append([]byte(nil), key...),
		remove: true,
	})
	return nil
}

// Commit replays the staged log inside one pool transaction: after a crash
// either none or all of the staged operations are visible.
func (t *batchTx) Commit() error {
	t.e.writeMu.Lock()
	defer t.e.writeMu.Unlock()

	err := t.e.p.RunTx(func(tx *pmem.Tx) error {
		for _, op := range t.ops {
			if op.remove {
				if _, err := t.e.removeTx(tx, op.key); err != nil {
					return err
				}
				continue
			}
			if err := t.e.putTx(tx, op.key, op.value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	t.clear()
	return nil
}

// Abort discards the staged log.
func (t *batchTx) Abort() {
	t.clear()
}

func (t *batchTx) clear() {
	t.ops = nil
	t.index = map[string]int{}
}
