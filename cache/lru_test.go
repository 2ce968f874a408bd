package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutGetAndEviction(t *testing.T) {
	c := New[string, int](2)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3) // evicts "a", the least recently used

	_, err := c.Get("a")
	require.ErrorIs(t, err, ErrNotFound)

	v, err := c.Get("b")
	require.NoError(t, err)
	require.Equal(t, 2, v)
}

func TestGetRefreshesRecency(t *testing.T) {
	c := New[string, int](2)
	c.Put("a", 1)
	c.Put("b", 2)
	_, _ = c.Get("a") // "a" is now more recently used than "b"
	c.Put("c", 3)     // evicts "b"

	_, err := c.Get("b")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = c.Get("a")
	require.NoError(t, err)
}

func TestZeroCapacityDisablesCaching(t *testing.T) {
	c := New[string, int](0)
	c.Put("a", 1)
	require.Equal(t, 0, c.Len())
}
