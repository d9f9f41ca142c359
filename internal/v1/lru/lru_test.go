package lru

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCache_SetGet(t *testing.T) {
	c := New[string, int](2, "test")

	c.Set("a", 1)
	c.Set("b", 2)

	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)

	_, ok = c.Get("missing")
	require.False(t, ok)
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := New[string, int](2, "test")

	c.Set("a", 1)
	c.Set("b", 2)
	c.Get("a") // touch a, making b the LRU entry
	c.Set("c", 3)

	_, ok := c.Get("b")
	require.False(t, ok, "b should have been evicted")

	_, ok = c.Get("a")
	require.True(t, ok)
	_, ok = c.Get("c")
	require.True(t, ok)
	require.Equal(t, 2, c.Size())
}

func TestCache_SetExistingUpdatesValue(t *testing.T) {
	c := New[string, int](2, "test")
	c.Set("a", 1)
	c.Set("a", 2)

	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 2, v)
	require.Equal(t, 1, c.Size())
}

func TestCache_Delete(t *testing.T) {
	c := New[string, int](2, "test")
	c.Set("a", 1)
	c.Delete("a")

	_, ok := c.Get("a")
	require.False(t, ok)
}

func TestCache_Clear(t *testing.T) {
	c := New[string, int](2, "test")
	c.Set("a", 1)
	c.Set("b", 2)
	c.Clear()

	require.Equal(t, 0, c.Size())
}

func TestCache_HitRate(t *testing.T) {
	c := New[string, int](2, "test")
	require.Equal(t, float64(0), c.HitRate())

	c.Set("a", 1)
	c.Get("a")
	c.Get("missing")

	require.InDelta(t, 0.5, c.HitRate(), 0.001)
}

func TestCache_Sweep(t *testing.T) {
	c := New[string, int](10, "test")
	c.Set("old", 1)
	time.Sleep(5 * time.Millisecond)
	cutoff := time.Now()
	time.Sleep(5 * time.Millisecond)
	c.Set("new", 2)

	removed := c.Sweep(time.Since(cutoff))
	require.Equal(t, 1, removed)

	_, ok := c.Get("old")
	require.False(t, ok)
	_, ok = c.Get("new")
	require.True(t, ok)
}
