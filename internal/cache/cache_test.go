package cache

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/mosaic/internal/domain/cell"
)

func TestPutGetRange(t *testing.T) {
	c, err := OpenMemory(Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	c.Put(cell.Cell{X: 1, Y: 1, Owner: "a", ImageURL: cell.StringPtr("https://img/1")})
	c.Put(cell.Cell{X: 2, Y: 1, Owner: "b"})
	c.Put(cell.Cell{X: 9, Y: 9, Owner: "c"})
	c.Put(cell.Cell{X: 1000, Y: 0, Owner: "ignored"})

	got, ok := c.Get(1, 1)
	require.True(t, ok)
	require.Equal(t, "a", got.Owner)
	require.Equal(t, "https://img/1", *got.ImageURL)

	_, ok = c.Get(5, 5)
	require.False(t, ok)

	ranged := c.GetRange(0, 0, 3, 3)
	require.Len(t, ranged, 2)
	require.Equal(t, cell.Coord{X: 1, Y: 1}, ranged[0].Coord())
	require.Equal(t, cell.Coord{X: 2, Y: 1}, ranged[1].Coord())
}

func TestDeleteAndEvictMissing(t *testing.T) {
	c, err := OpenMemory(Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	c.Put(cell.Cell{X: 1, Y: 1, Owner: "a"})
	c.Put(cell.Cell{X: 2, Y: 2, Owner: "b"})
	c.Put(cell.Cell{X: 3, Y: 3, Owner: "c"})
	c.Put(cell.Cell{X: 50, Y: 50, Owner: "outside"})

	c.Delete(1, 1)
	_, ok := c.Get(1, 1)
	require.False(t, ok)

	c.EvictMissing(cell.NewRect(0, 0, 10, 10), []cell.Cell{{X: 3, Y: 3, Owner: "c"}})
	_, ok = c.Get(2, 2)
	require.False(t, ok, "absent from an authoritative load")
	_, ok = c.Get(3, 3)
	require.True(t, ok)
	_, ok = c.Get(50, 50)
	require.True(t, ok, "outside the evicted rectangle")
}

func TestSurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cells.db")
	c, err := Open(dir, Options{})
	require.NoError(t, err)
	c.Put(cell.Cell{X: 4, Y: 2, Owner: "w"})
	c.SetMetadata("mainImage", "https://img/main.png")
	require.NoError(t, c.Close())

	reopened, err := Open(dir, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	got, ok := reopened.Get(4, 2)
	require.True(t, ok)
	require.Equal(t, "w", got.Owner)
	url, ok := reopened.Metadata("mainImage")
	require.True(t, ok)
	require.Equal(t, "https://img/main.png", url)
}

func TestClear(t *testing.T) {
	c, err := OpenMemory(Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	c.Put(cell.Cell{X: 1, Y: 1, Owner: "a"})
	c.SetMetadata("k", "v")
	c.Clear()

	_, ok := c.Get(1, 1)
	require.False(t, ok)
	_, ok = c.Metadata("k")
	require.False(t, ok)
}

func TestNilAndClosedCacheAreNoOps(t *testing.T) {
	var nilCache *Cache
	nilCache.Put(cell.Cell{X: 1, Y: 1})
	_, ok := nilCache.Get(1, 1)
	require.False(t, ok)
	require.Empty(t, nilCache.GetRange(0, 0, 10, 10))
	nilCache.Clear()
	require.NoError(t, nilCache.Close())

	c, err := OpenMemory(Options{})
	require.NoError(t, err)
	require.NoError(t, c.Close())
	c.Put(cell.Cell{X: 1, Y: 1, Owner: "a"})
	_, ok = c.Get(1, 1)
	require.False(t, ok)
	require.NoError(t, c.Close())
}
