package compare

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLexicographicRegistered(t *testing.T) {
	c, ok := Lookup(LexicographicName)
	require.True(t, ok)
	assert.Equal(t, -1, c.Compare([]byte("a"), []byte("b")))
	assert.Equal(t, 0, c.Compare([]byte("a"), []byte("a")))
	assert.Equal(t, 1, c.Compare([]byte("b"), []byte("a")))
}

func TestRegisterAndLookup(t *testing.T) {
	rev := &Comparator{
		Name:    "test-reverse",
		Compare: func(a, b []byte) int { return bytes.Compare(b, a) },
	}
	require.NoError(t, Register(rev))

	got, ok := Lookup("test-reverse")
	require.True(t, ok)
	assert.Equal(t, 1, got.Compare([]byte("a"), []byte("b")))
}

func TestRegisterDuplicate(t *testing.T) {
	c := &Comparator{Name: "test-dup", Compare: bytes.Compare}
	require.NoError(t, Register(c))
	require.ErrorIs(t, Register(c), ErrDuplicate)
}

func TestRegisterInvalid(t *testing.T) {
	require.Error(t, Register(nil))
	require.ErrorIs(t, Register(&Comparator{Compare: bytes.Compare}), ErrEmptyName)
}
