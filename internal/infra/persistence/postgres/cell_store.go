package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/mosaic/internal/domain/cell"
	"github.com/coachpo/mosaic/internal/domain/cellstore"
)

var errNilPool = errors.New("cell store: nil pool")

// CellStore persists the cells table.
type CellStore struct {
	pool *pgxpool.Pool
}

var _ cellstore.Store = (*CellStore)(nil)

// NewCellStore constructs a CellStore backed by the provided pgx pool.
func NewCellStore(pool *pgxpool.Pool) *CellStore {
	return &CellStore{pool: pool}
}

const (
	cellColumns = `x, y, owner, image_url, nft_url, title, description, updated_at`

	cellRangeSQL = `
SELECT ` + cellColumns + `
FROM cells
WHERE x BETWEEN @min_x AND @max_x
  AND y BETWEEN @min_y AND @max_y
ORDER BY y, x;
`
	cellGetSQL    = `SELECT ` + cellColumns + ` FROM cells WHERE x = $1 AND y = $2;`
	cellLatestSQL = `SELECT ` + cellColumns + ` FROM cells ORDER BY updated_at DESC LIMIT 1;`
	cellOwnedSQL  = `
SELECT x, y
FROM cells
WHERE owner <> ''
  AND x BETWEEN @min_x AND @max_x
  AND y BETWEEN @min_y AND @max_y
ORDER BY y, x;
`
	// The WHERE clause keeps an owned cell from changing hands; an empty
	// RETURNING set means another owner holds the row.
	cellCommitSQL = `
INSERT INTO cells (x, y, owner, image_url, nft_url, title, description, updated_at)
VALUES (@x, @y, @owner, @image_url, @nft_url, @title, @description, NOW())
ON CONFLICT (x, y) DO UPDATE SET
    owner = EXCLUDED.owner,
    image_url = EXCLUDED.image_url,
    nft_url = EXCLUDED.nft_url,
    title = EXCLUDED.title,
    description = EXCLUDED.description,
    updated_at = NOW()
WHERE cells.owner = '' OR cells.owner = EXCLUDED.owner
RETURNING ` + cellColumns + `;
`
	cellDeleteSQL = `DELETE FROM cells WHERE x = $1 AND y = $2;`
)

func rectArgs(r cell.Rect) pgx.NamedArgs {
	return pgx.NamedArgs{"min_x": r.MinX, "max_x": r.MaxX, "min_y": r.MinY, "max_y": r.MaxY}
}

func scanCell(row pgx.Row) (cell.Cell, error) {
	var c cell.Cell
	if err := row.Scan(&c.X, &c.Y, &c.Owner, &c.ImageURL, &c.NFTURL, &c.Title, &c.Description, &c.UpdatedAt); err != nil {
		return cell.Cell{}, err
	}
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

// Range implements cellstore.Reader.
func (s *CellStore) Range(ctx context.Context, r cell.Rect) ([]cell.Cell, error) {
	if s.pool == nil {
		return nil, errNilPool
	}
	clamped, ok := r.Clamp()
	if !ok {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, cellRangeSQL, rectArgs(clamped))
	if err != nil {
		return nil, fmt.Errorf("query cell range: %w", err)
	}
	defer rows.Close()

	cells := make([]cell.Cell, 0, 64)
	for rows.Next() {
		c, err := scanCell(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cell: %w", err)
		}
		cells = append(cells, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cell range: %w", err)
	}
	return cells, nil
}

// Get implements cellstore.Reader.
func (s *CellStore) Get(ctx context.Context, c cell.Coord) (cell.Cell, error) {
	if s.pool == nil {
		return cell.Cell{}, errNilPool
	}
	if !c.Valid() {
		return cell.Cell{}, cellstore.ErrNotFound
	}
	got, err := scanCell(s.pool.QueryRow(ctx, cellGetSQL, c.X, c.Y))
	if errors.Is(err, pgx.ErrNoRows) {
		return cell.Cell{}, cellstore.ErrNotFound
	}
	if err != nil {
		return cell.Cell{}, fmt.Errorf("get cell %s: %w", c, err)
	}
	return got, nil
}

// Latest implements cellstore.Reader.
func (s *CellStore) Latest(ctx context.Context) (cell.Cell, bool, error) {
	if s.pool == nil {
		return cell.Cell{}, false, errNilPool
	}
	got, err := scanCell(s.pool.QueryRow(ctx, cellLatestSQL))
	if errors.Is(err, pgx.ErrNoRows) {
		return cell.Cell{}, false, nil
	}
	if err != nil {
		return cell.Cell{}, false, fmt.Errorf("latest cell: %w", err)
	}
	return got, true, nil
}

// OwnedIn implements cellstore.Reader.
func (s *CellStore) OwnedIn(ctx context.Context, r cell.Rect) ([]cell.Coord, error) {
	if s.pool == nil {
		return nil, errNilPool
	}
	clamped, ok := r.Clamp()
	if !ok {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, cellOwnedSQL, rectArgs(clamped))
	if err != nil {
		return nil, fmt.Errorf("query owned cells: %w", err)
	}
	defer rows.Close()

	var owned []cell.Coord
	for rows.Next() {
		var c cell.Coord
		if err := rows.Scan(&c.X, &c.Y); err != nil {
			return nil, fmt.Errorf("scan owned cell: %w", err)
		}
		owned = append(owned, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate owned cells: %w", err)
	}
	return owned, nil
}

// Commit implements cellstore.Writer.
func (s *CellStore) Commit(ctx context.Context, c cell.Cell) (cell.Cell, error) {
	if s.pool == nil {
		return cell.Cell{}, errNilPool
	}
	if err := c.Validate(); err != nil {
		return cell.Cell{}, fmt.Errorf("commit cell: %w", err)
	}
	args := pgx.NamedArgs{
		"x":           c.X,
		"y":           c.Y,
		"owner":       c.Owner,
		"image_url":   c.ImageURL,
		"nft_url":     c.NFTURL,
		"title":       c.Title,
		"description": c.Description,
	}
	got, err := scanCell(s.pool.QueryRow(ctx, cellCommitSQL, args))
	if errors.Is(err, pgx.ErrNoRows) {
		return cell.Cell{}, cellstore.ErrConflict
	}
	if err != nil {
		return cell.Cell{}, fmt.Errorf("commit cell %s: %w", c.Coord(), err)
	}
	return got, nil
}

// Delete removes a cell row. Administrative only; the feed emits DELETE.
func (s *CellStore) Delete(ctx context.Context, c cell.Coord) error {
	if s.pool == nil {
		return errNilPool
	}
	tag, err := s.pool.Exec(ctx, cellDeleteSQL, c.X, c.Y)
	if err != nil {
		return fmt.Errorf("delete cell %s: %w", c, err)
	}
	if tag.RowsAffected() == 0 {
		return cellstore.ErrNotFound
	}
	return nil
}
