package main

import (
	"context"

	"github.com/urfave/cli"
)

func runFind(c *cli.Context) error {
	m := c.App.Metadata["config"].(*metadata)

	ctx := context.Background()
	s, err := openSession(ctx, m, false)
	if err != nil {
		return err
	}
	defer s.Close()

	found, err := s.grid.FindAvailableCell(ctx)
	if err != nil {
		return err
	}
	printJSON(m.w, found)
	return nil
}
