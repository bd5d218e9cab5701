package radix

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/pmkv/compare"
	"github.com/hupe1980/pmkv/engine"
	"github.com/hupe1980/pmkv/internal/pmem"
)

func openEngine(t *testing.T, path string) *Radix {
	t.Helper()
	p, err := pmem.Open(path, Layout)
	if err != nil {
		p, err = pmem.Create(path, pmem.MinPoolSize, Layout)
		require.NoError(t, err)
	}
	t.Cleanup(func() { _ = p.Close() })
	eng, err := New(p, engine.Options{})
	require.NoError(t, err)
	return eng.(*Radix)
}

func newEngine(t *testing.T) *Radix {
	return openEngine(t, filepath.Join(t.TempDir(), "radix.pool"))
}

func put(t *testing.T, e *Radix, k, v string) {
	t.Helper()
	require.NoError(t, e.Put([]byte(k), []byte(v)))
}

func get(t *testing.T, e *Radix, k string) (string, bool) {
	t.Helper()
	var got string
	err := e.Get([]byte(k), func(v []byte) { got = string(v) })
	if err != nil {
		require.ErrorIs(t, err, engine.ErrNotFound)
		return "", false
	}
	return got, true
}

func keysOf(t *testing.T, e *Radix) []string {
	t.Helper()
	var keys []string
	require.NoError(t, e.GetAll(func(k, v []byte) int {
		keys = append(keys, string(k))
		return 0
	}))
	return keys
}

func TestRejectsComparator(t *testing.T) {
	p, err := pmem.Create(filepath.Join(t.TempDir(), "radix.pool"), pmem.MinPoolSize, Layout)
	require.NoError(t, err)
	defer p.Close()

	_, err = New(p, engine.Options{Comparator: compare.Lexicographic})
	require.ErrorIs(t, err, engine.ErrInvalidArgument)
}

func TestBasicRoundTrip(t *testing.T) {
	e := newEngine(t)

	put(t, e, "key1", "value1")
	n, err := e.CountAll()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	v, ok := get(t, e, "key1")
	require.True(t, ok)
	assert.Equal(t, "value1", v)

	put(t, e, "key2", "value2")
	put(t, e, "key3", "value3")
	require.NoError(t, e.Remove([]byte("key1")))
	require.ErrorIs(t, e.Exists([]byte("key1")), engine.ErrNotFound)

	n, _ = e.CountAll()
	assert.Equal(t, 2, n)
}

func TestPrefixSplitting(t *testing.T) {
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

	n, _ := e.CountAll()
	assert.Equal(t, 5, n)
	for k, want := range entries {
		v, ok := get(t, e, k)
		require.True(t, ok, "key %q", k)
		assert.Equal(t, want, v, "key %q", k)
	}

	// Lexicographic order over raw bytes.
	assert.Equal(t, []string{
		"123456789",
		"123456789ABCDE",
		"123456789ABCDEF",
		"123456789ABCDEFGHI",
		"12345678ABCDEFG",
	}, keysOf(t, e))
}

func TestEmptyKeyAndPrefixKeys(t *testing.T) {
	e := newEngine(t)
	put(t, e, "", "root")
	put(t, e, "a", "1")
	put(t, e, "ab", "2")
	put(t, e, "abc", "3")

	assert.Equal(t, []string{"", "a", "ab", "abc"}, keysOf(t, e))

	require.NoError(t, e.Remove([]byte("ab")))
	assert.Equal(t, []string{"", "a", "abc"}, keysOf(t, e))

	v, ok := get(t, e, "")
	require.True(t, ok)
	assert.Equal(t, "root", v)
}

func TestRemoveCollapsesNodes(t *testing.T) {
	e := newEngine(t)
	keys := []string{"romane", "romanus", "romulus", "rubens", "ruber", "rubicon"}
	for _, k := range keys {
		put(t, e, k, "v-"+k)
	}
	assert.Equal(t, []string{"romane", "romanus", "romulus", "rubens", "ruber", "rubicon"}, keysOf(t, e))

	for _, k := range []string{"romanus", "ruber", "romane"} {
		require.NoError(t, e.Remove([]byte(k)))
	}
	assert.Equal(t, []string{"romulus", "rubens", "rubicon"}, keysOf(t, e))

	for _, k := range []string{"romulus", "rubens", "rubicon"} {
		v, ok := get(t, e, k)
		require.True(t, ok, "key %q", k)
		assert.Equal(t, "v-"+k, v)
	}

	for _, k := range []string{"romulus", "rubens", "rubicon"} {
		require.NoError(t, e.Remove([]byte(k)))
	}
	n, _ := e.CountAll()
	assert.Equal(t, 0, n)
}

func TestCountAndRangeOps(t *testing.T) {
	e := newEngine(t)
	for _, k := range []string{"a", "ab", "b", "ba", "c"} {
		put(t, e, k, "v")
	}

	n, _ := e.CountAbove([]byte("ab"))
	assert.Equal(t, 3, n)
	n, _ = e.CountEqualAbove([]byte("ab"))
	assert.Equal(t, 4, n)
	n, _ = e.CountBelow([]byte("b"))
	assert.Equal(t, 2, n)
	n, _ = e.CountEqualBelow([]byte("b"))
	assert.Equal(t, 3, n)
	n, _ = e.CountBetween([]byte("ab"), []byte("c"))
	assert.Equal(t, 3, n) // ab, b, ba
	n, _ = e.CountBetween([]byte("c"), []byte("a"))
	assert.Equal(t, 0, n)

	var keys []string
	require.NoError(t, e.GetBetween([]byte("ab"), []byte("c"), func(k, v []byte) int {
		keys = append(keys, string(k))
		return 0
	}))
	assert.Equal(t, []string{"ab", "b", "ba"}, keys)
}

func TestBatchedTxCommit(t *testing.T) {
	e := newEngine(t)

	tx, err := e.BeginTx()
	require.NoError(t, err)
	require.NoError(t, tx.Put([]byte("a"), []byte("1")))
	require.NoError(t, tx.Put([]byte("b"), []byte("2")))
	require.NoError(t, tx.Remove([]byte("a")))

	// Nothing visible until commit.
	require.ErrorIs(t, e.Exists([]byte("b")), engine.ErrNotFound)

	require.NoError(t, tx.Commit())

	require.ErrorIs(t, e.Exists([]byte("a")), engine.ErrNotFound)
	v, ok := get(t, e, "b")
	require.True(t, ok)
	assert.Equal(t, "2", v)
}

func TestBatchedTxAbort(t *testing.T) {
	e := newEngine(t)

	tx, err := e.BeginTx()
	require.NoError(t, err)
	require.NoError(t, tx.Put([]byte("a"), []byte("1")))
	require.NoError(t, tx.Put([]byte("b"), []byte("2")))
	require.NoError(t, tx.Remove([]byte("a")))
	tx.Abort()
	require.NoError(t, tx.Commit()) // empty log

	require.ErrorIs(t, e.Exists([]byte("a")), engine.ErrNotFound)
	require.ErrorIs(t, e.Exists([]byte("b")), engine.ErrNotFound)
}

func TestBatchedTxCoalesces(t *testing.T) {
	e := newEngine(t)

	tx, err := e.BeginTx()
	require.NoError(t, err)
	require.NoError(t, tx.Put([]byte("k"), []byte("v1")))
	require.NoError(t, tx.Put([]byte("k"), []byte("v2")))
	require.NoError(t, tx.Commit())

	v, ok := get(t, e, "k")
	require.True(t, ok)
	assert.Equal(t, "v2", v)
	n, _ := e.CountAll()
	assert.Equal(t, 1, n)
}

func TestAbortedPoolTxLeavesTrieUntouched(t *testing.T) {
	e := newEngine(t)
	put(t, e, "stable", "1")

	boom := fmt.Errorf("boom")
	err := e.p.RunTx(func(tx *pmem.Tx) error {
		if err := e.putTx(tx, []byte("ghost1"), []byte("x")); err != nil {
			return err
		}
		if _, err := e.removeTx(tx, []byte("stable")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.ErrorIs(t, e.Exists([]byte("ghost1")), engine.ErrNotFound)
	require.NoError(t, e.Exists([]byte("stable")))
	n, _ := e.CountAll()
	assert.Equal(t, 1, n)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "radix.pool")

	e := openEngine(t, path)
	for i := 0; i < 200; i++ {
		put(t, e, fmt.Sprintf("key%03d", i), fmt.Sprintf("v%d", i))
	}
	require.NoError(t, e.Close())
	require.NoError(t, e.p.Close())

	e2 := openEngine(t, path)
	n, err := e2.CountAll()
	require.NoError(t, err)
	assert.Equal(t, 200, n)

	v, ok := get(t, e2, "key123")
	require.True(t, ok)
	assert.Equal(t, "v123", v)

	keys := keysOf(t, e2)
	for i := 1; i < len(keys); i++ {
		assert.Less(t, keys[i-1], keys[i])
	}
}

func TestIteratorSeekFamily(t *testing.T) {
	e := newEngine(t)
	for _, k := range []string{"b", "d", "f"} {
		put(t, e, k, "v"+k)
	}

	it, err := e.NewIterator()
	require.NoError(t, err)
	sit := it.(engine.SeekIterator)
	defer sit.Close()

	require.NoError(t, sit.Seek([]byte("d")))
	assert.Equal(t, "d", string(sit.Key()))
	require.ErrorIs(t, sit.Seek([]byte("c")), engine.ErrNotFound)

	require.NoError(t, sit.SeekLower([]byte("d")))
	assert.Equal(t, "b", string(sit.Key()))
	require.ErrorIs(t, sit.SeekLower([]byte("b")), engine.ErrNotFound)

	require.NoError(t, sit.SeekLowerEq([]byte("d")))
	assert.Equal(t, "d", string(sit.Key()))
	require.NoError(t, sit.SeekLowerEq([]byte("e")))
	assert.Equal(t, "d", string(sit.Key()))

	require.NoError(t, sit.SeekHigher([]byte("d")))
	assert.Equal(t, "f", string(sit.Key()))
	require.ErrorIs(t, sit.SeekHigher([]byte("f")), engine.ErrNotFound)

	require.NoError(t, sit.SeekHigherEq([]byte("d")))
	assert.Equal(t, "d", string(sit.Key()))

	require.NoError(t, sit.SeekToFirst())
	assert.Equal(t, "b", string(sit.Key()))
	require.NoError(t, sit.SeekToLast())
	assert.Equal(t, "f", string(sit.Key()))

	require.NoError(t, sit.SeekToFirst())
	require.NoError(t, sit.IsNext())
	require.NoError(t, sit.Next())
	assert.Equal(t, "d", string(sit.Key()))
	require.NoError(t, sit.Next())
	assert.Equal(t, "f", string(sit.Key()))
	require.ErrorIs(t, sit.IsNext(), engine.ErrNotFound)
	require.ErrorIs(t, sit.Next(), engine.ErrNotFound)

	require.NoError(t, sit.SeekToLast())
	require.NoError(t, sit.Prev())
	assert.Equal(t, "d", string(sit.Key()))
}

func TestWriteRangeStaging(t *testing.T) {
	e := newEngine(t)
	put(t, e, "key", "abcdefgh")

	it, err := e.NewWriteIterator()
	require.NoError(t, err)
	defer it.Close()

	require.NoError(t, it.Seek([]byte("key")))

	buf, err := it.WriteRange(2, 3)
	require.NoError(t, err)
	require.Len(t, buf, 3)
	copy(buf, "XYZ")

	// Multiple staged ranges are permitted.
	buf2, err := it.WriteRange(6, 2)
	require.NoError(t, err)
	copy(buf2, "QQ")

	// Nothing applied before commit.
	v, _ := get(t, e, "key")
	assert.Equal(t, "abcdefgh", v)

	require.NoError(t, it.Commit())
	v, _ = get(t, e, "key")
	assert.Equal(t, "abXYZfQQ", v)
}

func TestWriteRangeAbort(t *testing.T) {
	e := newEngine(t)
	put(t, e, "key", "abcdefgh")

	it, err := e.NewWriteIterator()
	require.NoError(t, err)
	defer it.Close()

	require.NoError(t, it.Seek([]byte("key")))
	buf, err := it.WriteRange(0, 4)
	require.NoError(t, err)
	copy(buf, "XXXX")
	it.Abort()
	require.NoError(t, it.Commit()) // nothing staged

	v, _ := get(t, e, "key")
	assert.Equal(t, "abcdefgh", v)
}

func TestWriteRangeClamping(t *testing.T) {
	e := newEngine(t)
	put(t, e, "key", "abcd")

	it, err := e.NewWriteIterator()
	require.NoError(t, err)
	defer it.Close()
	require.NoError(t, it.Seek([]byte("key")))

	// Ranges are clamped to the value length.
	buf, err := it.WriteRange(2, 100)
	require.NoError(t, err)
	assert.Len(t, buf, 2)

	view, err := it.ReadRange(1, 100)
	require.NoError(t, err)
	assert.Equal(t, "bcd", string(view))
}

func TestReplaceValue(t *testing.T) {
	e := newEngine(t)
	put(t, e, "k", "v1")
	put(t, e, "k", "v2")
	v, _ := get(t, e, "k")
	assert.Equal(t, "v2", v)
	n, _ := e.CountAll()
	assert.Equal(t, 1, n)
}
