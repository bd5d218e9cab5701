// Package config implements the typed key-value bag consumed by pmkv.Open.
//
// The bag carries heterogeneous values (strings, integers, objects with an
// optional destructor). Integer getters are range-checked: fetching a
// negative value as unsigned, or an out-of-range unsigned value as signed,
// fails with ErrTypeMismatch rather than silently converting.
//
// A Config is consumed by Open and thereafter owned by the database handle;
// it is not safe for concurrent use.
package config

import (
	"errors"
	"fmt"
	"math"
)

// Recognized option keys. Engines may define additional keys; unknown keys
// are preserved and ignored by Open.
const (
	KeyPath        = "path"
	KeyOid         = "oid"
	KeySize        = "size"
	KeyForceCreate = "force_create"
	KeyComparator  = "comparator"
)

var (
	// ErrNotFound is returned when a key is absent from the bag.
	ErrNotFound = errors.New("config: option not found")
	// ErrTypeMismatch is returned when a value is fetched as an
	// incompatible type, including sign and range mismatches.
	ErrTypeMismatch = errors.New("config: option type mismatch")
)

type kind uint8

const (
	kindString kind = iota
	kindInt64
	kindUint64
	kindObject
)

type entry struct {
	kind    kind
	str     string
	i64     int64
	u64     uint64
	obj     any
	deleter func(any)
}

// Config is a typed heterogeneous option map.
type Config struct {
	entries map[string]*entry
}

// New returns an empty Config.
func New() *Config {
	return &Config{entries: map[string]*entry{}}
}

func (c *Config) put(key string, e *entry) {
	if old, ok := c.entries[key]; ok && old.deleter != nil {
		old.deleter(old.obj)
	}
	c.entries[key] = e
}

// PutString stores a string option.
func (c *Config) PutString(key, value string) *Config {
	c.put(key, &entry{kind: kindString, str: value})
	return c
}

// PutInt64 stores a signed integer option.
func (c *Config) PutInt64(key string, value int64) *Config {
	c.put(key, &entry{kind: kindInt64, i64: value})
	return c
}

// PutUint64 stores an unsigned integer option.
func (c *Config) PutUint64(key string, value uint64) *Config {
	c.put(key, &entry{kind: kindUint64, u64: value})
	return c
}

// PutObject stores an arbitrary object. If deleter is non-nil it runs when
// the entry is replaced or the bag is closed.
func (c *Config) PutObject(key string, obj any, deleter func(any)) *Config {
	c.put(key, &entry{kind: kindObject, obj: obj, deleter: deleter})
	return c
}

// PutPath sets the backing file path (mutually exclusive with oid).
func (c *Config) PutPath(path string) *Config { return c.PutString(KeyPath, path) }

// PutSize sets the pool size in bytes used on creation.
func (c *Config) PutSize(size uint64) *Config { return c.PutUint64(KeySize, size) }

// PutForceCreate requests pool creation when the backing file is absent.
func (c *Config) PutForceCreate(force bool) *Config {
	v := uint64(0)
	if force {
		v = 1
	}
	return c.PutUint64(KeyForceCreate, v)
}

// PutComparator attaches a comparator object for ordered engines. The
// object must be a *compare.Comparator; Open validates it.
func (c *Config) PutComparator(cmp any) *Config {
	return c.PutObject(KeyComparator, cmp, nil)
}

// PutOid attaches a pre-existing pool handle instead of a path. Reserved
// for embedding scenarios; mutually exclusive with path.
func (c *Config) PutOid(oid any) *Config {
	return c.PutObject(KeyOid, oid, nil)
}

// GetString fetches a string option.
func (c *Config) GetString(key string) (string, error) {
	e, ok := c.entries[key]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	if e.kind != kindString {
		return "", fmt.Errorf("%w: %q is not a string", ErrTypeMismatch, key)
	}
	return e.str, nil
}

// GetInt64 fetches an integer option, range-checking unsigned values.
func (c *Config) GetInt64(key string) (int64, error) {
	e, ok := c.entries[key]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	switch e.kind {
	case kindInt64:
		return e.i64, nil
	case kindUint64:
		if e.u64 > math.MaxInt64 {
			return 0, fmt.Errorf("%w: %q overflows int64", ErrTypeMismatch, key)
		}
		return int64(e.u64), nil
	default:
		return 0, fmt.Errorf("%w: %q is not an integer", ErrTypeMismatch, key)
	}
}

// GetUint64 fetches an unsigned option, rejecting negative signed values.
func (c *Config) GetUint64(key string) (uint64, error) {
	e, ok := c.entries[key]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	switch e.kind {
	case kindUint64:
		return e.u64, nil
	case kindInt64:
		if e.i64 < 0 {
			return 0, fmt.Errorf("%w: %q is negative", ErrTypeMismatch, key)
		}
		return uint64(e.i64), nil
	default:
		return 0, fmt.Errorf("%w: %q is not an integer", ErrTypeMismatch, key)
	}
}

// GetObject fetches an object option.
func (c *Config) GetObject(key string) (any, error) {
	e, ok := c.entries[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	if e.kind != kindObject {
		return nil, fmt.Errorf("%w: %q is not an object", ErrTypeMismatch, key)
	}
	return e.obj, nil
}

// Has reports whether key is present.
func (c *Config) Has(key string) bool {
	_, ok := c.entries[key]
	return ok
}

// Close runs the deleters of all object entries and empties the bag.
func (c *Config) Close() {
	for _, e := range c.entries {
		if e.deleter != nil {
			e.deleter(e.obj)
		}
	}
	c.entries = map[string]*entry{}
}
