package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli"

	"github.com/coachpo/mosaic/internal/domain/cell"
)

type cellOutput struct {
	X           int     `json:"x"`
	Y           int     `json:"y"`
	Available   bool    `json:"available"`
	Owner       string  `json:"owner,omitempty"`
	ImageURL    *string `json:"imageUrl,omitempty"`
	NFTURL      *string `json:"nftUrl,omitempty"`
	Title       string  `json:"title,omitempty"`
	Description string  `json:"description,omitempty"`
	UpdatedAt   string  `json:"updatedAt,omitempty"`
}

func runCell(c *cli.Context) error {
	m := c.App.Metadata["config"].(*metadata)

	x, y := c.Int("x"), c.Int("y")
	if !cell.InBounds(x, y) {
		return fmt.Errorf("invalid cell: (%d, %d)", x, y)
	}

	ctx := context.Background()
	s, err := openSession(ctx, m, false)
	if err != nil {
		return err
	}
	defer s.Close()

	// a failed load still serves the cached value when there is one
	loadErr := s.grid.LoadRange(ctx, y, x, y, x)
	got := s.grid.GetCell(x, y)
	if got == nil {
		if loadErr != nil {
			return loadErr
		}
		return fmt.Errorf("cell (%d, %d) not loaded", x, y)
	}
	if loadErr != nil {
		fmt.Fprintf(m.e, "warning: showing cached cell: %s\n", loadErr)
	}

	printJSON(m.w, describeCell(x, y, got))
	return nil
}

func describeCell(x, y int, c *cell.Cell) cellOutput {
	out := cellOutput{X: x, Y: y, Available: !c.Owned()}
	if !c.Owned() {
		return out
	}
	out.Owner = c.Owner
	out.ImageURL = c.ImageURL
	out.NFTURL = c.NFTURL
	out.Title = c.Title
	out.Description = c.Description
	if !c.UpdatedAt.IsZero() {
		out.UpdatedAt = c.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return out
}
