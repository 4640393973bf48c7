// Package postgres implements the cell store and change feed on PostgreSQL.
package postgres

import (
	"log"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/mosaic/internal/infra/persistence"
)

// Store bundles the PostgreSQL-backed cell repository and its change feed.
type Store struct {
	*persistence.Store
	Cells *CellStore
	Feed  *Feed
}

// New constructs the repositories over pool. A nil logger discards feed logs.
func New(pool *pgxpool.Pool, logger *log.Logger) *Store {
	return &Store{
		Store: persistence.NewStore(pool),
		Cells: NewCellStore(pool),
		Feed:  NewFeed(pool, logger),
	}
}
