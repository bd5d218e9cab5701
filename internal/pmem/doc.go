// Package pmem implements the persistent pool and transaction runtime that
// the storage engines build on.
//
// A pool is a memory-mapped file with a fixed header, an undo-log region and
// a heap. Mutations run inside an undo-log transaction: the pre-image of
// every range that will be modified is appended to the undo log and synced
// before the modification, the heap is synced on commit, and the log is
// cleared last. If the process dies mid-transaction, the next Open finds a
// non-empty log and rolls the heap back to the pre-transaction state.
//
// Transactions do not nest. Code that needs to mutate the pool from inside a
// transaction takes the *Tx explicitly instead of calling RunTx again.
package pmem
