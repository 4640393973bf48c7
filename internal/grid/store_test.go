package grid

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/mosaic/errs"
	"github.com/coachpo/mosaic/internal/cache"
	"github.com/coachpo/mosaic/internal/domain/cell"
	"github.com/coachpo/mosaic/internal/domain/cellstore"
	"github.com/coachpo/mosaic/internal/domain/cellstore/memory"
	"github.com/coachpo/mosaic/internal/retry"
)

func fastPolicy() retry.Policy {
	return retry.Policy{Attempts: 3, Initial: time.Millisecond, Multiplier: 2, Max: 2 * time.Millisecond}
}

func newStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.LoadPolicy.Attempts == 0 {
		opts.LoadPolicy = fastPolicy()
	}
	if opts.QueryPolicy.Attempts == 0 {
		opts.QueryPolicy = fastPolicy()
	}
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type failingReader struct {
	cellstore.Reader
	calls atomic.Int32
}

func (f *failingReader) Range(context.Context, cell.Rect) ([]cell.Cell, error) {
	f.calls.Add(1)
	return nil, errors.New("connection refused")
}

type fullReader struct{ cellstore.Reader }

func (fullReader) Latest(context.Context) (cell.Cell, bool, error) {
	return cell.Cell{X: 0, Y: 0, Owner: "w"}, true, nil
}

func (fullReader) OwnedIn(_ context.Context, rect cell.Rect) ([]cell.Coord, error) {
	out := make([]cell.Coord, 0, rect.Area())
	for y := rect.MinY; y <= rect.MaxY; y++ {
		for x := rect.MinX; x <= rect.MaxX; x++ {
			out = append(out, cell.Coord{X: x, Y: y})
		}
	}
	return out, nil
}

func TestNewRequiresReader(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestLoadRangeMarksKnownEmpty(t *testing.T) {
	ctx := context.Background()
	remote := memory.NewStore()
	_, err := remote.Commit(ctx, cell.Cell{X: 2, Y: 3, Owner: "alice"})
	require.NoError(t, err)

	s := newStore(t, Options{Reader: remote})
	require.Nil(t, s.GetCell(2, 3))

	require.NoError(t, s.LoadRange(ctx, 0, 0, 5, 5))
	require.False(t, s.Loading())

	owned := s.GetCell(2, 3)
	require.NotNil(t, owned)
	require.Equal(t, "alice", owned.Owner)

	empty := s.GetCell(4, 4)
	require.NotNil(t, empty)
	require.False(t, empty.Owned())
	require.Equal(t, cell.Coord{X: 4, Y: 4}, empty.Coord())

	require.Nil(t, s.GetCell(6, 6), "outside the loaded range")
	require.Nil(t, s.GetCell(-1, 0))
	require.Nil(t, s.GetCell(0, 1000))
}

func TestLoadRangeRejectsOffGrid(t *testing.T) {
	s := newStore(t, Options{Reader: memory.NewStore()})
	err := s.LoadRange(context.Background(), 1000, 1000, 1200, 1200)
	require.True(t, errs.Has(err, errs.CodeInvalid))
}

func TestLoadRangeExhaustionFallsBackToCache(t *testing.T) {
	c, err := cache.OpenMemory(cache.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	c.Put(cell.Cell{X: 1, Y: 1, Owner: "cached"})

	reader := &failingReader{}
	s := newStore(t, Options{Reader: reader, Cache: c})

	err = s.LoadRange(context.Background(), 0, 0, 3, 3)
	require.Error(t, err)
	require.Equal(t, errs.CodeNetwork, errs.CodeOf(err))
	require.EqualValues(t, 3, reader.calls.Load())
	require.False(t, s.Loading())

	got := s.GetCell(1, 1)
	require.NotNil(t, got)
	require.Equal(t, "cached", got.Owner)
	require.Nil(t, s.GetCell(2, 2), "fallback never invents known-empty cells")
}

func TestLoadRangeMirrorsIntoCache(t *testing.T) {
	ctx := context.Background()
	c, err := cache.OpenMemory(cache.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	remote := memory.NewStore()
	_, err = remote.Commit(ctx, cell.Cell{X: 7, Y: 7, Owner: "bob"})
	require.NoError(t, err)

	s := newStore(t, Options{Reader: remote, Cache: c})
	require.NoError(t, s.LoadRange(ctx, 0, 0, 10, 10))

	mirrored, ok := c.Get(7, 7)
	require.True(t, ok)
	require.Equal(t, "bob", mirrored.Owner)
}

func TestLoadRangeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	remote := memory.NewStore()
	for _, c := range []cell.Cell{
		{X: 1, Y: 2, Owner: "alice", ImageURL: cell.StringPtr("https://img/1_2.png")},
		{X: 4, Y: 4, Owner: "bob", Title: "dawn"},
		{X: 9, Y: 0, Owner: "carol"},
	} {
		_, err := remote.Commit(ctx, c)
		require.NoError(t, err)
	}

	s := newStore(t, Options{Reader: remote})
	require.NoError(t, s.LoadRange(ctx, 0, 0, 9, 9))
	first := s.Snapshot()
	require.NoError(t, s.LoadRange(ctx, 0, 0, 9, 9))
	second := s.Snapshot()

	for y := 0; y <= 9; y++ {
		for x := 0; x <= 9; x++ {
			a, b := first.Cell(x, y), second.Cell(x, y)
			require.NotNil(t, a)
			require.NotNil(t, b)
			require.Equal(t, *a, *b, "cell %d,%d", x, y)
		}
	}
	require.Equal(t, first.Loaded(), second.Loaded())
}

func TestRemovedCellsLeaveTheCache(t *testing.T) {
	ctx := context.Background()
	c, err := cache.OpenMemory(cache.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	remote := memory.NewStore()
	_, err = remote.Commit(ctx, cell.Cell{X: 3, Y: 3, Owner: "alice"})
	require.NoError(t, err)
	s := newStore(t, Options{Reader: remote, Cache: c})
	require.NoError(t, s.LoadRange(ctx, 0, 0, 5, 5))
	_, ok := c.Get(3, 3)
	require.True(t, ok)

	// A reload that no longer returns the cell evicts it.
	require.NoError(t, remote.Delete(ctx, cell.Coord{X: 3, Y: 3}))
	require.NoError(t, s.LoadRange(ctx, 0, 0, 5, 5))
	_, ok = c.Get(3, 3)
	require.False(t, ok)

	// So does a DELETE from the change feed.
	require.True(t, s.ApplyRemoteChange([]byte(`{"eventType":"INSERT","new":{"x":4,"y":4,"owner":"bob"}}`)))
	_, ok = c.Get(4, 4)
	require.True(t, ok)
	require.True(t, s.ApplyRemoteChange([]byte(`{"eventType":"DELETE","old":{"x":4,"y":4}}`)))
	_, ok = c.Get(4, 4)
	require.False(t, ok)

	// A later outage cannot bring either cell back.
	offline := newStore(t, Options{Reader: &failingReader{}, Cache: c})
	require.Error(t, offline.LoadRange(ctx, 0, 0, 5, 5))
	require.Nil(t, offline.GetCell(3, 3))
	require.Nil(t, offline.GetCell(4, 4))
}

func TestSetSelected(t *testing.T) {
	s := newStore(t, Options{Reader: memory.NewStore()})
	_, ok := s.Selected()
	require.False(t, ok)

	require.NoError(t, s.SetSelected(&cell.Coord{X: 10, Y: 20}))
	sel, ok := s.Selected()
	require.True(t, ok)
	require.Equal(t, cell.Coord{X: 10, Y: 20}, sel)

	err := s.SetSelected(&cell.Coord{X: 1000, Y: 0})
	require.True(t, errs.Has(err, errs.CodeInvalid))
	sel, _ = s.Selected()
	require.Equal(t, cell.Coord{X: 10, Y: 20}, sel)

	require.NoError(t, s.SetSelected(nil))
	_, ok = s.Selected()
	require.False(t, ok)
}

func TestApplyRemoteChange(t *testing.T) {
	s := newStore(t, Options{Reader: memory.NewStore()})
	var changes []Change
	cancel := s.Subscribe(func(c Change) { changes = append(changes, c) })
	defer cancel()

	require.False(t, s.ApplyRemoteChange([]byte(`{"eventType":"UPDATE","new":{"x":1000,"y":1}}`)))
	require.False(t, s.ApplyRemoteChange([]byte(`not json`)))
	require.Empty(t, changes)

	require.True(t, s.ApplyRemoteChange([]byte(`{"eventType":"INSERT","new":{"x":9,"y":9,"owner":"carol"}}`)))
	require.Equal(t, "carol", s.GetCell(9, 9).Owner)

	// Last writer by arrival wins.
	require.True(t, s.ApplyRemoteChange([]byte(`{"eventType":"UPDATE","new":{"x":9,"y":9,"owner":"dave"}}`)))
	require.Equal(t, "dave", s.GetCell(9, 9).Owner)

	require.True(t, s.ApplyRemoteChange([]byte(`{"eventType":"DELETE","old":{"x":9,"y":9}}`)))
	got := s.GetCell(9, 9)
	require.NotNil(t, got)
	require.False(t, got.Owned())

	require.Len(t, changes, 3)
	require.Equal(t, ChangeCell, changes[0].Kind)
}

func TestSnapshotIsolation(t *testing.T) {
	s := newStore(t, Options{Reader: memory.NewStore()})
	require.NoError(t, s.ApplyLocal(cell.Cell{X: 1, Y: 1, Owner: "first"}))

	snap := s.Snapshot()
	require.NoError(t, s.ApplyLocal(cell.Cell{X: 1, Y: 1, Owner: "second"}))
	require.NoError(t, s.ApplyLocal(cell.Cell{X: 2, Y: 1, Owner: "third"}))

	require.Equal(t, "first", snap.Cell(1, 1).Owner)
	require.Nil(t, snap.Cell(2, 1))
	require.Equal(t, 1, snap.Loaded())
	require.Equal(t, "second", s.GetCell(1, 1).Owner)
}

func TestApplyLocalValidates(t *testing.T) {
	s := newStore(t, Options{Reader: memory.NewStore()})
	err := s.ApplyLocal(cell.Cell{X: -1, Y: 0, Owner: "w"})
	require.True(t, errs.Has(err, errs.CodeInvalid))
}

func TestFindAvailableCellEmptyGridReturnsCenter(t *testing.T) {
	s := newStore(t, Options{Reader: memory.NewStore()})
	got, err := s.FindAvailableCell(context.Background())
	require.NoError(t, err)
	require.Equal(t, cell.Coord{X: 500, Y: 500}, got)
}

func TestFindAvailableCellScansFromLatest(t *testing.T) {
	ctx := context.Background()
	remote := memory.NewStore()
	_, err := remote.Commit(ctx, cell.Cell{X: 0, Y: 0, Owner: "a"})
	require.NoError(t, err)

	s := newStore(t, Options{Reader: remote})
	got, err := s.FindAvailableCell(ctx)
	require.NoError(t, err)
	require.Equal(t, cell.Coord{X: 1, Y: 0}, got)
}

func TestFindAvailableCellExhausted(t *testing.T) {
	s := newStore(t, Options{Reader: fullReader{}, MaxSearchRadius: 14})
	_, err := s.FindAvailableCell(context.Background())
	require.True(t, errs.Has(err, errs.CodeNoFreeCells))
}

func TestRealtimeSubscriptionLifecycle(t *testing.T) {
	ctx := context.Background()
	remote := memory.NewStore()
	s := newStore(t, Options{Reader: remote, Feed: remote})

	require.NoError(t, s.SetupRealtimeSubscription(ctx))
	require.NoError(t, s.SetupRealtimeSubscription(ctx))
	require.Equal(t, 1, remote.Subscribers(), "re-subscribe replaces the channel")
	require.True(t, s.Subscribed())

	_, err := remote.Commit(ctx, cell.Cell{X: 42, Y: 24, Owner: "erin"})
	require.NoError(t, err)
	remote.Publish([]byte(`{"eventType":"UPDATE","new":{"x":-3,"y":1}}`))

	require.Eventually(t, func() bool {
		c := s.GetCell(42, 24)
		return c != nil && c.Owner == "erin"
	}, time.Second, 5*time.Millisecond)

	s.Cleanup()
	require.Equal(t, 0, remote.Subscribers())
	require.False(t, s.Subscribed())
	s.Cleanup()
}

func TestSetupRealtimeWithoutFeed(t *testing.T) {
	s := newStore(t, Options{Reader: memory.NewStore()})
	err := s.SetupRealtimeSubscription(context.Background())
	require.True(t, errs.Has(err, errs.CodeInvalid))
}
