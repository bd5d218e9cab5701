package config

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	cfg := New().
		PutString("string", "abc").
		PutInt64("int", 123)

	type custom struct{ a, b int }
	obj := &custom{a: 1, b: 2}
	cfg.PutObject("object_ptr", obj, nil)

	s, err := cfg.GetString("string")
	require.NoError(t, err)
	assert.Equal(t, "abc", s)

	i, err := cfg.GetInt64("int")
	require.NoError(t, err)
	assert.Equal(t, int64(123), i)

	o, err := cfg.GetObject("object_ptr")
	require.NoError(t, err)
	assert.Same(t, obj, o)
}

func TestGetMissingKey(t *testing.T) {
	cfg := New()
	_, err := cfg.GetInt64("non-existent")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestIntegerRangeChecks(t *testing.T) {
	cfg := New().
		PutInt64("negative", -1).
		PutUint64("huge", math.MaxUint64).
		PutUint64("small", 42).
		PutInt64("positive", 7)

	// A negative value fetched as unsigned is a type error.
	_, err := cfg.GetUint64("negative")
	require.ErrorIs(t, err, ErrTypeMismatch)

	// An unsigned value beyond MaxInt64 fetched as signed is a type error.
	_, err = cfg.GetInt64("huge")
	require.ErrorIs(t, err, ErrTypeMismatch)

	// In-range cross-sign fetches convert.
	i, err := cfg.GetInt64("small")
	require.NoError(t, err)
	assert.Equal(t, int64(42), i)

	u, err := cfg.GetUint64("positive")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), u)
}

func TestTypeMismatch(t *testing.T) {
	cfg := New().PutString("string", "abc").PutInt64("int", 1)

	_, err := cfg.GetInt64("string")
	require.ErrorIs(t, err, ErrTypeMismatch)

	_, err = cfg.GetString("int")
	require.ErrorIs(t, err, ErrTypeMismatch)

	_, err = cfg.GetObject("string")
	require.ErrorIs(t, err, ErrTypeMismatch)
}

func TestDeleterRunsOnClose(t *testing.T) {
	deleted := false
	cfg := New()
	cfg.PutObject("obj", "payload", func(any) { deleted = true })

	cfg.Close()
	assert.True(t, deleted)
	assert.False(t, cfg.Has("obj"))
}

func TestDeleterRunsOnReplace(t *testing.T) {
	deleted := 0
	cfg := New()
	cfg.PutObject("obj", 1, func(any) { deleted++ })
	cfg.PutObject("obj", 2, func(any) { deleted++ })
	assert.Equal(t, 1, deleted)

	cfg.Close()
	assert.Equal(t, 2, deleted)
}

func TestKnownKeyHelpers(t *testing.T) {
	cfg := New().
		PutPath("/tmp/pool").
		PutSize(8 << 20).
		PutForceCreate(true)

	path, err := cfg.GetString(KeyPath)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/pool", path)

	size, err := cfg.GetUint64(KeySize)
	require.NoError(t, err)
	assert.Equal(t, uint64(8<<20), size)

	force, err := cfg.GetUint64(KeyForceCreate)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), force)
}
