package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/mosaic/internal/domain/cell"
	"github.com/coachpo/mosaic/internal/domain/cellstore"
)

func TestCommitAndRange(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	_, err := store.Commit(ctx, cell.Cell{X: 3, Y: 4, Owner: "alice"})
	require.NoError(t, err)
	_, err = store.Commit(ctx, cell.Cell{X: 50, Y: 50, Owner: "bob"})
	require.NoError(t, err)

	got, err := store.Range(ctx, cell.NewRect(0, 0, 10, 10))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "alice", got[0].Owner)

	owned, err := store.OwnedIn(ctx, cell.NewRect(0, 0, 100, 100))
	require.NoError(t, err)
	require.ElementsMatch(t, []cell.Coord{{X: 3, Y: 4}, {X: 50, Y: 50}}, owned)
}

func TestCommitConflict(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	_, err := store.Commit(ctx, cell.Cell{X: 1, Y: 1, Owner: "alice"})
	require.NoError(t, err)

	_, err = store.Commit(ctx, cell.Cell{X: 1, Y: 1, Owner: "bob"})
	require.True(t, errors.Is(err, cellstore.ErrConflict))

	// The owner may update their own cell.
	_, err = store.Commit(ctx, cell.Cell{X: 1, Y: 1, Owner: "alice", Title: "mine"})
	require.NoError(t, err)
	stored, err := store.Get(ctx, cell.Coord{X: 1, Y: 1})
	require.NoError(t, err)
	require.Equal(t, "mine", stored.Title)
}

func TestLatest(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	_, ok, err := store.Latest(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	store.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	})
	_, err = store.Commit(ctx, cell.Cell{X: 1, Y: 1, Owner: "a"})
	require.NoError(t, err)
	_, err = store.Commit(ctx, cell.Cell{X: 9, Y: 2, Owner: "b"})
	require.NoError(t, err)

	latest, ok, err := store.Latest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, cell.Coord{X: 9, Y: 2}, latest.Coord())
}

func TestSubscribeReceivesCommits(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	sub, err := store.Subscribe(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, store.Subscribers())

	_, err = store.Commit(ctx, cell.Cell{X: 7, Y: 8, Owner: "w"})
	require.NoError(t, err)

	select {
	case raw := <-sub.Messages():
		d := cell.DecodeChange(raw)
		require.True(t, d.Accepted())
		require.Equal(t, cell.EventInsert, d.Event.EventType)
		require.Equal(t, cell.Coord{X: 7, Y: 8}, d.Event.New.Coord())
	case <-time.After(time.Second):
		t.Fatal("expected change event")
	}

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	require.Equal(t, 0, store.Subscribers())
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewStore().Range(ctx, cell.NewRect(0, 0, 1, 1))
	require.ErrorIs(t, err, context.Canceled)
}
