// Package cell defines the canonical mosaic cell model shared by every layer.
package cell

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// GridSize is the edge length of the square mosaic grid.
const GridSize = 1000

// Coord addresses a single cell. Valid coordinates lie in [0, GridSize-1].
type Coord struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Valid reports whether the coordinate lies inside the grid.
func (c Coord) Valid() bool {
	return InBounds(c.X, c.Y)
}

// String renders the coordinate as "x-y", the local cache key format.
func (c Coord) String() string {
	return Key(c.X, c.Y)
}

// InBounds reports whether (x, y) addresses a cell of the grid.
func InBounds(x, y int) bool {
	return x >= 0 && x < GridSize && y >= 0 && y < GridSize
}

// Center returns the middle of the grid.
func Center() Coord {
	return Coord{X: GridSize / 2, Y: GridSize / 2}
}

// Key formats the canonical "{x}-{y}" key.
func Key(x, y int) string {
	return strconv.Itoa(x) + "-" + strconv.Itoa(y)
}

// ParseKey is the inverse of Key.
func ParseKey(key string) (Coord, error) {
	left, right, ok := strings.Cut(strings.TrimSpace(key), "-")
	if !ok {
		return Coord{}, fmt.Errorf("cell key %q: missing separator", key)
	}
	x, err := strconv.Atoi(left)
	if err != nil {
		return Coord{}, fmt.Errorf("cell key %q: x: %w", key, err)
	}
	y, err := strconv.Atoi(right)
	if err != nil {
		return Coord{}, fmt.Errorf("cell key %q: y: %w", key, err)
	}
	c := Coord{X: x, Y: y}
	if !c.Valid() {
		return Coord{}, fmt.Errorf("cell key %q: out of bounds", key)
	}
	return c, nil
}

// Cell is the unit of ownership. A cell with a non-empty Owner is terminal for
// purchase purposes; only its owner may change it, which the store enforces.
type Cell struct {
	X           int       `json:"x"`
	Y           int       `json:"y"`
	Owner       string    `json:"owner"`
	ImageURL    *string   `json:"image_url"`
	NFTURL      *string   `json:"nft_url"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Coord returns the cell position.
func (c Cell) Coord() Coord {
	return Coord{X: c.X, Y: c.Y}
}

// Owned reports whether the cell has been claimed.
func (c Cell) Owned() bool {
	return strings.TrimSpace(c.Owner) != ""
}

// Clone returns a deep copy so callers never share pointer fields.
func (c Cell) Clone() Cell {
	out := c
	if c.ImageURL != nil {
		v := *c.ImageURL
		out.ImageURL = &v
	}
	if c.NFTURL != nil {
		v := *c.NFTURL
		out.NFTURL = &v
	}
	return out
}

// Validate checks schema-level constraints.
func (c Cell) Validate() error {
	if !InBounds(c.X, c.Y) {
		return fmt.Errorf("cell (%d,%d): out of bounds", c.X, c.Y)
	}
	if len(c.Title) > 120 {
		return fmt.Errorf("cell (%d,%d): title exceeds 120 characters", c.X, c.Y)
	}
	if len(c.Description) > 1000 {
		return fmt.Errorf("cell (%d,%d): description exceeds 1000 characters", c.X, c.Y)
	}
	return nil
}

// Empty is the "known empty" sentinel stored by the grid for cells that were
// loaded and found unclaimed. It is distinct from nil, which means "not loaded".
var Empty = &Cell{X: -1, Y: -1}

// Unowned returns the canonical representation of an unclaimed cell.
func Unowned(x, y int) Cell {
	return Cell{X: x, Y: y}
}

// StringPtr is a small helper for optional URL fields.
func StringPtr(v string) *string {
	return &v
}
