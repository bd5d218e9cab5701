package pmkv

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/hupe1980/pmkv/compare"
	"github.com/hupe1980/pmkv/config"
	"github.com/hupe1980/pmkv/engine"
	"github.com/hupe1980/pmkv/internal/pmem"

	// Engines register themselves by name.
	_ "github.com/hupe1980/pmkv/engine/cmap"
	_ "github.com/hupe1980/pmkv/engine/csmap"
	_ "github.com/hupe1980/pmkv/engine/radix"
	_ "github.com/hupe1980/pmkv/engine/stree"
)

// GetVFunc receives the value of a point lookup. The slice aliases pool
// memory; copy it if it must outlive the call.
type GetVFunc = engine.GetVFunc

// GetKVFunc receives one entry of a scan; returning non-zero stops the
// scan with ErrStoppedByCallback.
type GetKVFunc = engine.GetKVFunc

// DB is a database handle: one engine bound to one persistent pool.
// Methods are safe for concurrent use; callbacks run on the calling thread,
// possibly under engine read locks, and must not re-enter the database.
type DB struct {
	name    string
	pool    *pmem.Pool
	eng     engine.Engine
	cfg     *config.Config
	logger  *Logger
	metrics MetricsCollector
	closed  atomic.Bool
}

// Open opens the named engine ("cmap", "stree", "csmap", "radix") over the
// pool described by cfg. Open consumes cfg: the handle owns it afterwards
// and runs its deleters on Close.
func Open(engineName string, cfg *config.Config, optFns ...Option) (*DB, error) {
	opts := applyOptions(optFns)

	factory, ok := engine.Lookup(engineName)
	if !ok {
		return nil, fmt.Errorf("%w: unknown engine %q (have %v)", ErrInvalidArgument, engineName, engine.Names())
	}
	if cfg == nil {
		cfg = config.New()
	}

	cmp, err := comparatorFromConfig(cfg, engineName)
	if err != nil {
		return nil, err
	}

	pool, err := openPool(cfg, engineName)
	if err != nil {
		return nil, err
	}

	cmp, err = bindComparator(pool, engineName, cmp)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}

	eng, err := factory(pool, engine.Options{Comparator: cmp, Logger: opts.logger.Logger})
	if err != nil {
		_ = pool.Close()
		return nil, translateError(err)
	}

	db := &DB{
		name:    engineName,
		pool:    pool,
		eng:     eng,
		cfg:     cfg,
		logger:  opts.logger,
		metrics: opts.metrics,
	}
	db.logger.Debug("database opened", "engine", engineName, "path", pool.Path())
	return db, nil
}

// comparatorFromConfig extracts and validates the configured comparator.
// Only ordered engines with a pluggable order accept one.
func comparatorFromConfig(cfg *config.Config, engineName string) (*compare.Comparator, error) {
	obj, err := cfg.GetObject(config.KeyComparator)
	if errors.Is(err, config.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, translateError(err)
	}
	cmp, ok := obj.(*compare.Comparator)
	if !ok || cmp.Compare == nil {
		return nil, fmt.Errorf("%w: comparator option must be a *compare.Comparator", ErrInvalidArgument)
	}
	if cmp.Name == "" {
		return nil, fmt.Errorf("%w: comparator must be named", ErrInvalidArgument)
	}
	if engineName == "radix" {
		return nil, fmt.Errorf("%w: engine %q does not accept a comparator", ErrInvalidArgument, engineName)
	}
	// Make recovery-by-name work within this process.
	if err := compare.Register(cmp); err != nil && !errors.Is(err, compare.ErrDuplicate) {
		return nil, translateError(err)
	}
	return cmp, nil
}

// openPool resolves the path/oid alternative and opens or creates the pool
// with the engine's layout name.
func openPool(cfg *config.Config, engineName string) (*pmem.Pool, error) {
	layout := "pmkv_" + engineName

	path, pathErr := cfg.GetString(config.KeyPath)
	if pathErr != nil && !errors.Is(pathErr, config.ErrNotFound) {
		return nil, translateError(pathErr)
	}
	oid, oidErr := cfg.GetObject(config.KeyOid)
	if oidErr != nil && !errors.Is(oidErr, config.ErrNotFound) {
		return nil, translateError(oidErr)
	}
	hasPath := pathErr == nil
	hasOid := oidErr == nil

	switch {
	case hasPath && hasOid:
		return nil, fmt.Errorf("%w: config must not set both %q and %q", ErrInvalidArgument, config.KeyPath, config.KeyOid)
	case !hasPath && !hasOid:
		return nil, fmt.Errorf("%w: config must set either %q or %q", ErrInvalidArgument, config.KeyPath, config.KeyOid)
	}

	if hasOid {
		pool, ok := oid.(*pmem.Pool)
		if !ok {
			return nil, fmt.Errorf("%w: oid option must be a pool handle", ErrInvalidArgument)
		}
		if pool.Layout() != layout {
			return nil, fmt.Errorf("%w: pool layout %q does not match engine %q", ErrUnknown, pool.Layout(), engineName)
		}
		return pool, nil
	}

	pool, err := pmem.Open(path, layout)
	if err == nil {
		return pool, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %w", ErrUnknown, err)
	}

	force, ferr := cfg.GetUint64(config.KeyForceCreate)
	if ferr != nil && !errors.Is(ferr, config.ErrNotFound) {
		return nil, translateError(ferr)
	}
	if force == 0 {
		return nil, fmt.Errorf("%w: %q does not exist and force_create is not set", ErrWrongPath, path)
	}

	size, serr := cfg.GetUint64(config.KeySize)
	if serr != nil {
		if errors.Is(serr, config.ErrNotFound) {
			return nil, fmt.Errorf("%w: creating a pool requires %q", ErrInvalidArgument, config.KeySize)
		}
		return nil, translateError(serr)
	}

	pool, err = pmem.Create(path, size, layout)
	if err != nil {
		if errors.Is(err, pmem.ErrPoolSize) {
			return nil, fmt.Errorf("%w: %w", ErrWrongSize, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrUnknown, err)
	}
	return pool, nil
}

// bindComparator reconciles the configured comparator with the binding
// persisted in the pool header. Mismatch or an unknown persisted name is a
// fatal open error.
func bindComparator(pool *pmem.Pool, engineName string, cmp *compare.Comparator) (*compare.Comparator, error) {
	ordered := engineName == "stree" || engineName == "csmap"
	if !ordered {
		return nil, nil
	}
	if cmp == nil {
		cmp = compare.Lexicographic
	}

	stored := pool.ComparatorName()
	if stored == "" {
		if err := pool.SetComparatorName(cmp.Name); err != nil {
			return nil, translateError(err)
		}
		return cmp, nil
	}
	if stored != cmp.Name && cmp != compare.Lexicographic {
		return nil, fmt.Errorf("%w: pool is bound to %q, config names %q", ErrComparatorMismatch, stored, cmp.Name)
	}
	bound, ok := compare.Lookup(stored)
	if !ok {
		return nil, fmt.Errorf("%w: comparator %q is not registered", ErrComparatorMismatch, stored)
	}
	return bound, nil
}

// Close shuts the engine down, flushes and unmaps the pool and runs the
// config deleters. Close is idempotent.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := db.eng.Close()
	if pErr := db.pool.Close(); pErr != nil && err == nil {
		err = pErr
	}
	db.cfg.Close()
	db.logger.Debug("database closed", "engine", db.name)
	return translateError(err)
}

// Engine returns the engine name the handle was opened with.
func (db *DB) Engine() string { return db.name }

// guard rejects calls on closed handles. Pool transactions are never
// application-visible in this API: the only operations that run one take no
// callbacks, so re-entering a transaction is structurally impossible.
// Callbacks must still not re-enter the database, as they may run under
// engine read locks.
func (db *DB) guard() error {
	if db.closed.Load() {
		return ErrClosed
	}
	return nil
}

// CountAll reports the number of entries.
func (db *DB) CountAll() (int, error) {
	if err := db.guard(); err != nil {
		return 0, err
	}
	start := time.Now()
	n, err := db.eng.CountAll()
	err = translateError(err)
	db.metrics.RecordScan(time.Since(start), err)
	return n, err
}

// CountAbove reports the number of keys strictly greater than key.
func (db *DB) CountAbove(key []byte) (int, error) {
	return db.countRange(func() (int, error) { return db.eng.CountAbove(key) })
}

// CountEqualAbove reports the number of keys greater than or equal to key.
func (db *DB) CountEqualAbove(key []byte) (int, error) {
	return db.countRange(func() (int, error) { return db.eng.CountEqualAbove(key) })
}

// CountBelow reports the number of keys strictly less than key.
func (db *DB) CountBelow(key []byte) (int, error) {
	return db.countRange(func() (int, error) { return db.eng.CountBelow(key) })
}

// CountEqualBelow reports the number of keys less than or equal to key.
func (db *DB) CountEqualBelow(key []byte) (int, error) {
	return db.countRange(func() (int, error) { return db.eng.CountEqualBelow(key) })
}

// CountBetween reports the number of keys in [key1, key2) under the active
// comparator; the range is empty unless key1 orders before key2.
func (db *DB) CountBetween(key1, key2 []byte) (int, error) {
	return db.countRange(func() (int, error) { return db.eng.CountBetween(key1, key2) })
}

func (db *DB) countRange(op func() (int, error)) (int, error) {
	if err := db.guard(); err != nil {
		return 0, err
	}
	start := time.Now()
	n, err := op()
	err = translateError(err)
	db.metrics.RecordScan(time.Since(start), err)
	return n, err
}

// Exists returns nil if key is present, ErrNotFound otherwise.
func (db *DB) Exists(key []byte) error {
	if err := db.guard(); err != nil {
		return err
	}
	start := time.Now()
	err := translateError(db.eng.Exists(key))
	db.metrics.RecordGet(time.Since(start), err)
	return err
}

// Get invokes fn exactly once with the value of key, or returns
// ErrNotFound. fn must not re-enter the database.
func (db *DB) Get(key []byte, fn GetVFunc) error {
	if err := db.guard(); err != nil {
		return err
	}
	start := time.Now()
	err := translateError(db.eng.Get(key, fn))
	db.metrics.RecordGet(time.Since(start), err)
	return err
}

// GetCopy returns a copy of the value of key.
func (db *DB) GetCopy(key []byte) ([]byte, error) {
	var out []byte
	err := db.Get(key, func(v []byte) {
		out = append([]byte(nil), v...)
	})
	return out, err
}

// Put inserts the entry, or atomically replaces the value if the key
// already exists.
func (db *DB) Put(key, value []byte) error {
	if err := db.guard(); err != nil {
		return err
	}
	start := time.Now()
	err := translateError(db.eng.Put(key, value))
	db.metrics.RecordPut(time.Since(start), err)
	return err
}

// Remove erases the entry; ErrNotFound if absent.
func (db *DB) Remove(key []byte) error {
	if err := db.guard(); err != nil {
		return err
	}
	start := time.Now()
	err := translateError(db.eng.Remove(key))
	db.metrics.RecordRemove(time.Since(start), err)
	return err
}

// GetAll iterates all entries in engine order.
func (db *DB) GetAll(fn GetKVFunc) error {
	return db.scan(func() error { return db.eng.GetAll(fn) })
}

// GetAbove iterates keys strictly greater than key, ascending.
func (db *DB) GetAbove(key []byte, fn GetKVFunc) error {
	return db.scan(func() error { return db.eng.GetAbove(key, fn) })
}

// GetEqualAbove iterates keys greater than or equal to key, ascending.
func (db *DB) GetEqualAbove(key []byte, fn GetKVFunc) error {
	return db.scan(func() error { return db.eng.GetEqualAbove(key, fn) })
}

// GetBelow iterates keys strictly less than key, ascending.
func (db *DB) GetBelow(key []byte, fn GetKVFunc) error {
	return db.scan(func() error { return db.eng.GetBelow(key, fn) })
}

// GetEqualBelow iterates keys less than or equal to key, ascending.
func (db *DB) GetEqualBelow(key []byte, fn GetKVFunc) error {
	return db.scan(func() error { return db.eng.GetEqualBelow(key, fn) })
}

// GetBetween iterates keys in [key1, key2), ascending.
func (db *DB) GetBetween(key1, key2 []byte, fn GetKVFunc) error {
	return db.scan(func() error { return db.eng.GetBetween(key1, key2, fn) })
}

func (db *DB) scan(op func() error) error {
	if err := db.guard(); err != nil {
		return err
	}
	start := time.Now()
	err := translateError(op())
	db.metrics.RecordScan(time.Since(start), err)
	return err
}

// GetFloorEntry invokes fn with the entry of the greatest key <= key.
// Engines without neighbor queries return ErrNotSupported.
func (db *DB) GetFloorEntry(key []byte, fn GetKVFunc) error {
	return db.neighbor(key, fn, func(nq engine.NeighborQuerier, k []byte, f GetKVFunc) error {
		return nq.GetFloorEntry(k, f)
	})
}

// GetLowerEntry invokes fn with the entry of the greatest key < key.
func (db *DB) GetLowerEntry(key []byte, fn GetKVFunc) error {
	return db.neighbor(key, fn, func(nq engine.NeighborQuerier, k []byte, f GetKVFunc) error {
		return nq.GetLowerEntry(k, f)
	})
}

// GetCeilingEntry invokes fn with the entry of the least key >= key.
func (db *DB) GetCeilingEntry(key []byte, fn GetKVFunc) error {
	return db.neighbor(key, fn, func(nq engine.NeighborQuerier, k []byte, f GetKVFunc) error {
		return nq.GetCeilingEntry(k, f)
	})
}

// GetHigherEntry invokes fn with the entry of the least key > key.
func (db *DB) GetHigherEntry(key []byte, fn GetKVFunc) error {
	return db.neighbor(key, fn, func(nq engine.NeighborQuerier, k []byte, f GetKVFunc) error {
		return nq.GetHigherEntry(k, f)
	})
}

func (db *DB) neighbor(key []byte, fn GetKVFunc, op func(engine.NeighborQuerier, []byte, GetKVFunc) error) error {
	if err := db.guard(); err != nil {
		return err
	}
	nq, ok := db.eng.(engine.NeighborQuerier)
	if !ok {
		return ErrNotSupported
	}
	start := time.Now()
	err := translateError(op(nq, key, fn))
	db.metrics.RecordGet(time.Since(start), err)
	return err
}

// Defrag compacts a percentage range of the engine's storage. Engines
// without defragmentation return ErrNotSupported.
func (db *DB) Defrag(startPercent, amountPercent int) error {
	if err := db.guard(); err != nil {
		return err
	}
	d, ok := db.eng.(engine.Defragmenter)
	if !ok {
		return ErrNotSupported
	}
	return translateError(d.Defrag(startPercent, amountPercent))
}
