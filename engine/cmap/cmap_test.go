package cmap

import (
	"fmt"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/pmkv/engine"
	"github.com/hupe1980/pmkv/internal/pmem"
)

func openEngine(t *testing.T, path string) *CMap {
	t.Helper()
	p, err := pmem.Open(path, Layout)
	if err != nil {
		p, err = pmem.Create(path, pmem.MinPoolSize, Layout)
		require.NoError(t, err)
	}
	t.Cleanup(func() { _ = p.Close() })
	eng, err := New(p, engine.Options{})
	require.NoError(t, err)
	return eng.(*CMap)
}

func newEngine(t *testing.T) *CMap {
	return openEngine(t, filepath.Join(t.TempDir(), "cmap.pool"))
}

func TestBasicRoundTrip(t *testing.T) {
	e := newEngine(t)

	require.NoError(t, e.Put([]byte("key1"), []byte("value1")))
	n, err := e.CountAll()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var got string
	require.NoError(t, e.Get([]byte("key1"), func(v []byte) { got = string(v) }))
	assert.Equal(t, "value1", got)

	require.NoError(t, e.Put([]byte("key2"), []byte("value2")))
	require.NoError(t, e.Put([]byte("key3"), []byte("value3")))
	require.NoError(t, e.Remove([]byte("key1")))
	require.ErrorIs(t, e.Exists([]byte("key1")), engine.ErrNotFound)

	n, _ = e.CountAll()
	assert.Equal(t, 2, n)
}

func TestInsertOrAssign(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.Put([]byte("k"), []byte("v1")))
	require.NoError(t, e.Put([]byte("k"), []byte("v2")))

	var got string
	require.NoError(t, e.Get([]byte("k"), func(v []byte) { got = string(v) }))
	assert.Equal(t, "v2", got)

	n, _ := e.CountAll()
	assert.Equal(t, 1, n)
}

func TestRangedOperationsUnsupported(t *testing.T) {
	e := newEngine(t)
	k := []byte("k")
	fn := func(key, value []byte) int { return 0 }

	_, err := e.CountAbove(k)
	require.ErrorIs(t, err, engine.ErrNotSupported)
	_, err = e.CountBetween(k, k)
	require.ErrorIs(t, err, engine.ErrNotSupported)
	require.ErrorIs(t, e.GetAbove(k, fn), engine.ErrNotSupported)
	require.ErrorIs(t, e.GetBelow(k, fn), engine.ErrNotSupported)
	require.ErrorIs(t, e.GetBetween(k, k, fn), engine.ErrNotSupported)
}

func TestRehashPreservesEntries(t *testing.T) {
	e := newEngine(t)
	const total = 1000 // well past initialBuckets * maxLoadFactor

	for i := 0; i < total; i++ {
		require.NoError(t, e.Put([]byte(fmt.Sprintf("key%04d", i)), []byte(fmt.Sprintf("v%d", i))))
	}
	assert.Greater(t, int(e.buckets()), initialBuckets)

	n, _ := e.CountAll()
	require.Equal(t, total, n)
	for i := 0; i < total; i++ {
		var got string
		require.NoError(t, e.Get([]byte(fmt.Sprintf("key%04d", i)), func(v []byte) { got = string(v) }))
		require.Equal(t, fmt.Sprintf("v%d", i), got)
	}
}

func TestGetAllVisitsEverything(t *testing.T) {
	e := newEngine(t)
	want := map[string]string{}
	for i := 0; i < 100; i++ {
		k, v := fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i)
		want[k] = v
		require.NoError(t, e.Put([]byte(k), []byte(v)))
	}

	got := map[string]string{}
	require.NoError(t, e.GetAll(func(k, v []byte) int {
		got[string(k)] = string(v)
		return 0
	}))
	assert.Equal(t, want, got)
}

func TestCallbackStop(t *testing.T) {
	e := newEngine(t)
	for i := 0; i < 10; i++ {
		require.NoError(t, e.Put([]byte(fmt.Sprintf("k%d", i)), []byte("v")))
	}
	seen := 0
	err := e.GetAll(func(k, v []byte) int {
		seen++
		return 1
	})
	require.ErrorIs(t, err, engine.ErrStoppedByCallback)
	assert.Equal(t, 1, seen)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cmap.pool")

	e := openEngine(t, path)
	for i := 0; i < 300; i++ {
		require.NoError(t, e.Put([]byte(fmt.Sprintf("key%03d", i)), []byte(fmt.Sprintf("v%d", i))))
	}
	require.NoError(t, e.Close())
	require.NoError(t, e.p.Close())

	e2 := openEngine(t, path)
	n, err := e2.CountAll()
	require.NoError(t, err)
	assert.Equal(t, 300, n)

	var got string
	require.NoError(t, e2.Get([]byte("key123"), func(v []byte) { got = string(v) }))
	assert.Equal(t, "v123", got)
}

func TestDefrag(t *testing.T) {
	e := newEngine(t)
	for i := 0; i < 200; i++ {
		require.NoError(t, e.Put([]byte(fmt.Sprintf("key%03d", i)), []byte(fmt.Sprintf("v%d", i))))
	}
	// Free some blocks so compaction has holes to reuse.
	for i := 0; i < 200; i += 3 {
		require.NoError(t, e.Remove([]byte(fmt.Sprintf("key%03d", i))))
	}

	require.NoError(t, e.Defrag(0, 100))
	require.NoError(t, e.Defrag(25, 50))

	for i := 0; i < 200; i++ {
		k := []byte(fmt.Sprintf("key%03d", i))
		if i%3 == 0 {
			require.ErrorIs(t, e.Exists(k), engine.ErrNotFound)
			continue
		}
		var got string
		require.NoError(t, e.Get(k, func(v []byte) { got = string(v) }))
		require.Equal(t, fmt.Sprintf("v%d", i), got)
	}
}

func TestDefragInvalidArguments(t *testing.T) {
	e := newEngine(t)
	require.ErrorIs(t, e.Defrag(-1, 10), engine.ErrInvalidArgument)
	require.ErrorIs(t, e.Defrag(100, 1), engine.ErrInvalidArgument)
	require.ErrorIs(t, e.Defrag(50, 51), engine.ErrInvalidArgument)
	require.ErrorIs(t, e.Defrag(0, 0), engine.ErrInvalidArgument)
}

func TestIteratorForwardOnly(t *testing.T) {
	e := newEngine(t)
	want := map[string]bool{}
	for i := 0; i < 20; i++ {
		k := fmt.Sprintf("k%d", i)
		want[k] = true
		require.NoError(t, e.Put([]byte(k), []byte("v")))
	}

	it, err := e.NewIterator()
	require.NoError(t, err)
	defer it.Close()

	var got []string
	for it.Valid() {
		got = append(got, string(it.Key()))
		require.NoError(t, it.Next())
		if len(got) > 20 {
			break // wrap-around would revisit
		}
	}
	sort.Strings(got)
	assert.Len(t, got, 20)
	for _, k := range got {
		assert.True(t, want[k])
	}

	// Reverse operations must fail explicitly, not produce garbage.
	require.ErrorIs(t, it.Prev(), engine.ErrNotSupported)
	require.ErrorIs(t, it.SeekToLast(), engine.ErrNotSupported)
	require.ErrorIs(t, it.SeekForPrev([]byte("k1")), engine.ErrNotSupported)
}

func TestIteratorSeek(t *testing.T) {
	e := newEngine(t)
	for i := 0; i < 10; i++ {
		require.NoError(t, e.Put([]byte(fmt.Sprintf("k%d", i)), []byte(fmt.Sprintf("v%d", i))))
	}

	it, err := e.NewIterator()
	require.NoError(t, err)
	defer it.Close()

	require.NoError(t, it.Seek([]byte("k7")))
	require.True(t, it.Valid())
	assert.Equal(t, "k7", string(it.Key()))
	assert.Equal(t, "v7", string(it.Value()))

	require.NoError(t, it.Seek([]byte("missing")))
	assert.False(t, it.Valid())
}

func TestConcurrentAccess(t *testing.T) {
	e := newEngine(t)

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < 100; i++ {
				k := []byte(fmt.Sprintf("w%d-k%d", w, i))
				if err := e.Put(k, []byte(fmt.Sprintf("v%d", i))); err != nil {
					return err
				}
				if err := e.Exists(k); err != nil {
					return err
				}
				if i%5 == 0 {
					if err := e.Remove(k); err != nil {
						return err
					}
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	n, err := e.CountAll()
	require.NoError(t, err)
	assert.Equal(t, 8*100-8*20, n)
}
