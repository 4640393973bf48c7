package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/coachpo/mosaic/internal/domain/cell"
)

func TestNewStoreAllowsNilPool(t *testing.T) {
	store := New(nil, nil)
	if store == nil {
		t.Fatalf("expected store instance")
	}
	if store.Pool() != nil {
		t.Fatalf("expected nil pool passthrough")
	}
	if store.Cells == nil || store.Feed == nil {
		t.Fatalf("expected repositories to be constructed")
	}
}

func TestCellStoreRequiresPool(t *testing.T) {
	store := NewCellStore(nil)
	ctx := context.Background()

	if _, err := store.Range(ctx, cell.NewRect(0, 0, 10, 10)); !errors.Is(err, errNilPool) {
		t.Fatalf("range: expected nil pool error, got %v", err)
	}
	if _, err := store.Get(ctx, cell.Coord{X: 1, Y: 1}); !errors.Is(err, errNilPool) {
		t.Fatalf("get: expected nil pool error, got %v", err)
	}
	if _, _, err := store.Latest(ctx); !errors.Is(err, errNilPool) {
		t.Fatalf("latest: expected nil pool error, got %v", err)
	}
	if _, err := store.OwnedIn(ctx, cell.NewRect(0, 0, 10, 10)); !errors.Is(err, errNilPool) {
		t.Fatalf("owned: expected nil pool error, got %v", err)
	}
	if _, err := store.Commit(ctx, cell.Cell{X: 1, Y: 1, Owner: "w"}); !errors.Is(err, errNilPool) {
		t.Fatalf("commit: expected nil pool error, got %v", err)
	}
	if err := store.Delete(ctx, cell.Coord{X: 1, Y: 1}); !errors.Is(err, errNilPool) {
		t.Fatalf("delete: expected nil pool error, got %v", err)
	}
}

func TestFeedRequiresPool(t *testing.T) {
	if _, err := NewFeed(nil, nil).Subscribe(context.Background()); err == nil {
		t.Fatalf("expected error for nil pool")
	}
}

func TestObservePoolMetricsIgnoresNilPool(t *testing.T) {
	ObservePoolMetrics(nil, "")
}
