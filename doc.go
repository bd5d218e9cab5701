// Package pmkv provides an embeddable persistent key-value store for Go.
//
// Pmkv offers multiple storage engines over a memory-mapped persistent pool
// with crash-consistent updates. The host program opens a named engine
// backed by a pool file and performs point and range operations on ordered
// or unordered byte-string mappings.
//
// # Engines
//
// Choose the engine for your workload:
//   - cmap:  concurrent unordered hash map, fine-grained locking
//   - stree: sorted B-tree with neighbor queries (floor/ceiling)
//   - csmap: concurrent sorted map, shared reads with per-entry locks
//   - radix: byte-ordered radix trie with batched transactions and
//     write-range staging iterators
//
// # Quick Start
//
//	cfg := config.New().
//	    PutPath("/mnt/pmem/db").
//	    PutSize(64 << 20).
//	    PutForceCreate(true)
//
//	db, err := pmkv.Open("cmap", cfg)
//	if err != nil {
//	    panic(err)
//	}
//	defer db.Close()
//
//	_ = db.Put([]byte("key1"), []byte("value1"))
//	v, _ := db.GetCopy([]byte("key1"))
//
// # Ordering
//
// Ordered engines iterate in the order of their comparator. stree and csmap
// accept a named comparator at open; it is persisted by name, and reopening
// the pool re-binds the same comparator from the process-wide registry:
//
//	rev := &compare.Comparator{
//	    Name:    "reverse",
//	    Compare: func(a, b []byte) int { return bytes.Compare(b, a) },
//	}
//	cfg := config.New().PutPath(path).PutSize(size).
//	    PutForceCreate(true).PutComparator(rev)
//	db, err := pmkv.Open("csmap", cfg)
//
// # Durability Model
//
// Every mutation runs inside a pool transaction: pre-images are logged
// before modification and the log is cleared after commit. A crash at any
// point leaves the container in the pre- or post-operation state, never in
// between. The radix engine additionally batches multiple operations into
// one atomic transaction:
//
//	tx, _ := db.BeginTx()
//	_ = tx.Put([]byte("a"), []byte("1"))
//	_ = tx.Remove([]byte("b"))
//	err := tx.Commit() // all or nothing
package pmkv
