package stree

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/pmkv/compare"
	"github.com/hupe1980/pmkv/engine"
	"github.com/hupe1980/pmkv/internal/pmem"
)

func openEngine(t *testing.T, path string, opts engine.Options) *STree {
	t.Helper()
	var (
		p   *pmem.Pool
		err error
	)
	p, err = pmem.Open(path, Layout)
	if err != nil {
		p, err = pmem.Create(path, pmem.MinPoolSize, Layout)
		require.NoError(t, err)
	}
	t.Cleanup(func() { _ = p.Close() })
	eng, err := New(p, opts)
	require.NoError(t, err)
	return eng.(*STree)
}

func newEngine(t *testing.T) *STree {
	return openEngine(t, filepath.Join(t.TempDir(), "stree.pool"), engine.Options{})
}

func put(t *testing.T, e engine.Engine, k, v string) {
	t.Helper()
	require.NoError(t, e.Put([]byte(k), []byte(v)))
}

func keysOf(t *testing.T, e engine.Engine) []string {
	t.Helper()
	var keys []string
	require.NoError(t, e.GetAll(func(k, v []byte) int {
		keys = append(keys, string(k))
		return 0
	}))
	return keys
}

func TestBasicRoundTrip(t *testing.T) {
	e := newEngine(t)

	put(t, e, "key1", "value1")
	n, err := e.CountAll()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var got []byte
	require.NoError(t, e.Get([]byte("key1"), func(v []byte) {
		got = append([]byte(nil), v...)
	}))
	assert.Equal(t, "value1", string(got))

	put(t, e, "key2", "value2")
	put(t, e, "key3", "value3")

	require.NoError(t, e.Remove([]byte("key1")))
	require.ErrorIs(t, e.Exists([]byte("key1")), engine.ErrNotFound)

	n, err = e.CountAll()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestReplaceValue(t *testing.T) {
	e := newEngine(t)
	put(t, e, "k", "v1")
	put(t, e, "k", "v2")

	var got string
	require.NoError(t, e.Get([]byte("k"), func(v []byte) { got = string(v) }))
	assert.Equal(t, "v2", got)

	n, _ := e.CountAll()
	assert.Equal(t, 1, n)
}

func TestRemoveAbsent(t *testing.T) {
	e := newEngine(t)
	require.ErrorIs(t, e.Remove([]byte("nope")), engine.ErrNotFound)
}

func TestKeyTooLong(t *testing.T) {
	e := newEngine(t)
	long := bytes.Repeat([]byte("x"), MaxKeySize+1)
	require.ErrorIs(t, e.Put(long, []byte("v")), engine.ErrKeyTooLong)
}

func TestDifferentLengthKeys(t *testing.T) {
	e := newEngine(t)
	entries := map[string]string{
		"123456789ABCDE":     "A",
		"123456789ABCDEF":    "B",
		"12345678ABCDEFG":    "C",
		"123456789":          "D",
		"123456789ABCDEFGHI": "E",
	}
	for k, v := range entries {
		put(t, e, k, v)
	}

	n, err := e.CountAll()
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	for k, v := range entries {
		var got string
		require.NoError(t, e.Get([]byte(k), func(b []byte) { got = string(b) }))
		assert.Equal(t, v, got, "key %q", k)
	}
}

func TestOrderedIteration(t *testing.T) {
	e := newEngine(t)
	for i := 200; i > 0; i-- {
		put(t, e, fmt.Sprintf("key%03d", i), fmt.Sprintf("v%d", i))
	}

	keys := keysOf(t, e)
	require.Len(t, keys, 200)
	for i := 1; i < len(keys); i++ {
		assert.Less(t, keys[i-1], keys[i])
	}
}

func TestSplitAndRebalance(t *testing.T) {
	e := newEngine(t)
	const total = 500
	for i := 0; i < total; i++ {
		put(t, e, fmt.Sprintf("key%04d", i), fmt.Sprintf("val%d", i))
	}
	n, _ := e.CountAll()
	require.Equal(t, total, n)

	// Remove every other key, forcing merges and borrows, then the rest.
	for i := 0; i < total; i += 2 {
		require.NoError(t, e.Remove([]byte(fmt.Sprintf("key%04d", i))))
	}
	n, _ = e.CountAll()
	require.Equal(t, total/2, n)
	keys := keysOf(t, e)
	for i := 1; i < len(keys); i++ {
		assert.Less(t, keys[i-1], keys[i])
	}

	for i := 1; i < total; i += 2 {
		require.NoError(t, e.Remove([]byte(fmt.Sprintf("key%04d", i))))
	}
	n, _ = e.CountAll()
	assert.Equal(t, 0, n)
}

func TestCountInvariants(t *testing.T) {
	e := newEngine(t)
	for i := 0; i < 50; i++ {
		put(t, e, fmt.Sprintf("k%02d", i), "v")
	}

	total, _ := e.CountAll()
	for _, probe := range []string{"k00", "k25", "k49", "k25x", "zz", "a"} {
		k := []byte(probe)
		below, _ := e.CountBelow(k)
		above, _ := e.CountAbove(k)
		present := 0
		if e.Exists(k) == nil {
			present = 1
		}
		assert.Equal(t, total, below+present+above, "probe %q", probe)

		equalAbove, _ := e.CountEqualAbove(k)
		assert.Equal(t, above+present, equalAbove, "probe %q", probe)
		equalBelow, _ := e.CountEqualBelow(k)
		assert.Equal(t, below+present, equalBelow, "probe %q", probe)
	}
}

func TestCountBetween(t *testing.T) {
	e := newEngine(t)
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		put(t, e, k, "v")
	}

	n, err := e.CountBetween([]byte("b"), []byte("e"))
	require.NoError(t, err)
	assert.Equal(t, 3, n) // b, c, d

	n, _ = e.CountBetween([]byte("e"), []byte("b"))
	assert.Equal(t, 0, n)

	n, _ = e.CountBetween([]byte("c"), []byte("c"))
	assert.Equal(t, 0, n)
}

func TestRangeScans(t *testing.T) {
	e := newEngine(t)
	for _, k := range []string{"a", "b", "c", "d"} {
		put(t, e, k, "v"+k)
	}

	collect := func(run func(fn engine.GetKVFunc) error) []string {
		var keys []string
		require.NoError(t, run(func(k, v []byte) int {
			keys = append(keys, string(k))
			return 0
		}))
		return keys
	}

	assert.Equal(t, []string{"c", "d"},
		collect(func(fn engine.GetKVFunc) error { return e.GetAbove([]byte("b"), fn) }))
	assert.Equal(t, []string{"b", "c", "d"},
		collect(func(fn engine.GetKVFunc) error { return e.GetEqualAbove([]byte("b"), fn) }))
	assert.Equal(t, []string{"a"},
		collect(func(fn engine.GetKVFunc) error { return e.GetBelow([]byte("b"), fn) }))
	assert.Equal(t, []string{"a", "b"},
		collect(func(fn engine.GetKVFunc) error { return e.GetEqualBelow([]byte("b"), fn) }))
	assert.Equal(t, []string{"b", "c"},
		collect(func(fn engine.GetKVFunc) error { return e.GetBetween([]byte("b"), []byte("d"), fn) }))

	// Concatenation of below and equal-above is the full ascending set.
	full := append(
		collect(func(fn engine.GetKVFunc) error { return e.GetBelow([]byte("c"), fn) }),
		collect(func(fn engine.GetKVFunc) error { return e.GetEqualAbove([]byte("c"), fn) })...)
	assert.Equal(t, []string{"a", "b", "c", "d"}, full)
}

func TestCallbackStop(t *testing.T) {
	e := newEngine(t)
	for _, k := range []string{"a", "b", "c"} {
		put(t, e, k, "v")
	}
	seen := 0
	err := e.GetAll(func(k, v []byte) int {
		seen++
		return 1
	})
	require.ErrorIs(t, err, engine.ErrStoppedByCallback)
	assert.Equal(t, 1, seen)
}

func TestNeighborQueries(t *testing.T) {
	e := newEngine(t)

	check := func(op func([]byte, engine.GetKVFunc) error, probe string) (string, bool) {
		var gotK []byte
		err := op([]byte(probe), func(k, v []byte) int {
			gotK = append([]byte(nil), k...)
			return 0
		})
		if err != nil {
			require.ErrorIs(t, err, engine.ErrNotFound)
			return "", false
		}
		return string(gotK), true
	}

	// Empty tree: all four queries miss.
	for _, op := range []func([]byte, engine.GetKVFunc) error{
		e.GetFloorEntry, e.GetLowerEntry, e.GetCeilingEntry, e.GetHigherEntry,
	} {
		_, ok := check(op, "tmpkey")
		assert.False(t, ok)
	}

	put(t, e, "X", "1")

	k, ok := check(e.GetFloorEntry, "X")
	assert.True(t, ok)
	assert.Equal(t, "X", k)
	_, ok = check(e.GetLowerEntry, "X")
	assert.False(t, ok)
	k, ok = check(e.GetCeilingEntry, "X")
	assert.True(t, ok)
	assert.Equal(t, "X", k)
	_, ok = check(e.GetHigherEntry, "X")
	assert.False(t, ok)

	k, _ = check(e.GetFloorEntry, "Y")
	assert.Equal(t, "X", k)
	k, _ = check(e.GetLowerEntry, "Y")
	assert.Equal(t, "X", k)
	_, ok = check(e.GetCeilingEntry, "Y")
	assert.False(t, ok)

	put(t, e, "Y", "2")

	k, _ = check(e.GetFloorEntry, "XY")
	assert.Equal(t, "X", k)
	k, _ = check(e.GetLowerEntry, "XY")
	assert.Equal(t, "X", k)
	k, _ = check(e.GetCeilingEntry, "XY")
	assert.Equal(t, "Y", k)
	k, _ = check(e.GetHigherEntry, "XY")
	assert.Equal(t, "Y", k)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stree.pool")

	e := openEngine(t, path, engine.Options{})
	for i := 0; i < 100; i++ {
		put(t, e, fmt.Sprintf("key%03d", i), fmt.Sprintf("val%d", i))
	}
	require.NoError(t, e.Close())
	require.NoError(t, e.p.Close())

	e2 := openEngine(t, path, engine.Options{})
	n, err := e2.CountAll()
	require.NoError(t, err)
	assert.Equal(t, 100, n)

	var got string
	require.NoError(t, e2.Get([]byte("key042"), func(v []byte) { got = string(v) }))
	assert.Equal(t, "val42", got)
}

func TestReverseComparator(t *testing.T) {
	rev := &compare.Comparator{
		Name:    "stree-test-reverse",
		Compare: func(a, b []byte) int { return bytes.Compare(b, a) },
	}
	require.NoError(t, compare.Register(rev))

	e := openEngine(t, filepath.Join(t.TempDir(), "rev.pool"), engine.Options{Comparator: rev})
	put(t, e, "key1", "v1")
	put(t, e, "key2", "v2")
	put(t, e, "key3", "v3")

	assert.Equal(t, []string{"key3", "key2", "key1"}, keysOf(t, e))
}

func TestAbortedTransactionLeavesTreeUntouched(t *testing.T) {
	e := newEngine(t)
	put(t, e, "stable", "1")

	boom := fmt.Errorf("boom")
	err := e.p.RunTx(func(tx *pmem.Tx) error {
		if _, _, _, err := e.t.tryEmplace(tx, []byte("ghost"), []byte("2")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.ErrorIs(t, e.Exists([]byte("ghost")), engine.ErrNotFound)
	n, _ := e.CountAll()
	assert.Equal(t, 1, n)
	require.NoError(t, e.Exists([]byte("stable")))
}

func TestIteratorWrapAround(t *testing.T) {
	e := newEngine(t)
	for _, k := range []string{"a", "b", "c"} {
		put(t, e, k, "v"+k)
	}

	it, err := e.NewIterator()
	require.NoError(t, err)
	defer it.Close()

	assert.True(t, it.Valid())
	assert.Equal(t, "a", string(it.Key()))

	require.NoError(t, it.Next())
	require.NoError(t, it.Next())
	assert.Equal(t, "c", string(it.Key()))

	// Stepping past the end invalidates, stepping again wraps to begin.
	require.NoError(t, it.Next())
	assert.False(t, it.Valid())
	require.NoError(t, it.Next())
	assert.True(t, it.Valid())
	assert.Equal(t, "a", string(it.Key()))

	// Prev before begin wraps to end.
	require.NoError(t, it.Prev())
	assert.False(t, it.Valid())
	require.NoError(t, it.Prev())
	assert.Equal(t, "c", string(it.Key()))
}

func TestIteratorSeeks(t *testing.T) {
	e := newEngine(t)
	for _, k := range []string{"b", "d", "f"} {
		put(t, e, k, "v"+k)
	}

	it, err := e.NewIterator()
	require.NoError(t, err)
	defer it.Close()

	require.NoError(t, it.Seek([]byte("d")))
	assert.Equal(t, "d", string(it.Key()))
	assert.Equal(t, "vd", string(it.Value()))

	require.NoError(t, it.Seek([]byte("c")))
	assert.False(t, it.Valid())

	require.NoError(t, it.SeekForPrev([]byte("c")))
	assert.Equal(t, "b", string(it.Key()))
	require.NoError(t, it.SeekForPrev([]byte("d")))
	assert.Equal(t, "d", string(it.Key()))
	require.NoError(t, it.SeekForPrev([]byte("a")))
	assert.False(t, it.Valid())

	require.NoError(t, it.SeekForNext([]byte("d")))
	assert.Equal(t, "f", string(it.Key()))
	require.NoError(t, it.SeekForNext([]byte("f")))
	assert.False(t, it.Valid())

	require.NoError(t, it.SeekToLast())
	assert.Equal(t, "f", string(it.Key()))
	require.NoError(t, it.SeekToFirst())
	assert.Equal(t, "b", string(it.Key()))
}
