// Package cellstore defines persistence contracts for the remote cells table.
package cellstore

import (
	"context"
	"errors"

	"github.com/coachpo/mosaic/internal/domain/cell"
)

// ErrConflict is returned by Commit when another owner already holds the cell.
var ErrConflict = errors.New("cellstore: cell owned by another wallet")

// ErrNotFound is returned by Get when no row exists for the coordinate.
var ErrNotFound = errors.New("cellstore: cell not found")

// Reader exposes the read side of the cells table.
type Reader interface {
	// Range returns every stored cell within the inclusive rectangle.
	Range(ctx context.Context, rect cell.Rect) ([]cell.Cell, error)
	// Get returns the stored cell or ErrNotFound.
	Get(ctx context.Context, c cell.Coord) (cell.Cell, error)
	// Latest returns the most recently updated cell; ok is false on an empty table.
	Latest(ctx context.Context) (cell.Cell, bool, error)
	// OwnedIn returns the coordinates of owned cells within the rectangle.
	OwnedIn(ctx context.Context, rect cell.Rect) ([]cell.Coord, error)
}

// Writer finalises ownership.
type Writer interface {
	// Commit upserts the cell keyed by (x, y). It returns ErrConflict when the
	// stored row is owned by a different wallet.
	Commit(ctx context.Context, c cell.Cell) (cell.Cell, error)
}

// Store combines read and write access.
type Store interface {
	Reader
	Writer
}

// Subscription is a live change-feed channel. Messages are raw, untyped payloads
// that consumers must validate with cell.DecodeChange.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// Feed opens change-feed subscriptions for the cells table.
type Feed interface {
	Subscribe(ctx context.Context) (Subscription, error)
}
