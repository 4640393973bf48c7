package grid

import (
	"context"
	"time"

	"github.com/coachpo/mosaic/errs"
	"github.com/coachpo/mosaic/internal/domain/cell"
	"github.com/coachpo/mosaic/internal/infra/telemetry"
	"github.com/coachpo/mosaic/internal/retry"
)

const initialSearchRadius = 10

// FindAvailableCell searches outward from the most recently updated cell (or the
// grid centre when nothing is owned) for an unowned coordinate. The seed itself
// is tried first, then each square window is scanned in row-major order.
func (s *Store) FindAvailableCell(ctx context.Context) (cell.Coord, error) {
	const op = "grid.FindAvailableCell"
	started := time.Now()

	found, err := s.findAvailable(ctx)
	if err != nil {
		s.metrics.RecordLoad(ctx, "find_available", time.Since(started), telemetry.ResultError)
		return cell.Coord{}, errs.Normalize(op, err)
	}
	s.metrics.RecordLoad(ctx, "find_available", time.Since(started), telemetry.ResultSuccess)
	return found, nil
}

func (s *Store) findAvailable(ctx context.Context) (cell.Coord, error) {
	const op = "grid.FindAvailableCell"
	type latestResult struct {
		cell cell.Cell
		ok   bool
	}
	latest, err := retry.Do(ctx, s.queryPolicy, func(ctx context.Context) (latestResult, error) {
		c, ok, err := s.reader.Latest(ctx)
		return latestResult{cell: c, ok: ok}, err
	})
	if err != nil {
		return cell.Coord{}, networkError(op, err)
	}
	seed := cell.Center()
	if latest.ok && latest.cell.Coord().Valid() {
		seed = latest.cell.Coord()
	}

	for radius := initialSearchRadius; radius <= s.maxRadius; radius++ {
		window, ok := cell.Around(seed, radius).Clamp()
		if !ok {
			break
		}
		owned, err := retry.Do(ctx, s.queryPolicy, func(ctx context.Context) ([]cell.Coord, error) {
			return s.reader.OwnedIn(ctx, window)
		})
		if err != nil {
			return cell.Coord{}, networkError(op, err)
		}
		taken := make(map[cell.Coord]struct{}, len(owned))
		for _, c := range owned {
			taken[c] = struct{}{}
		}
		if _, isTaken := taken[seed]; !isTaken {
			return seed, nil
		}
		for y := window.MinY; y <= window.MaxY; y++ {
			for x := window.MinX; x <= window.MaxX; x++ {
				c := cell.Coord{X: x, Y: y}
				if _, isTaken := taken[c]; !isTaken {
					return c, nil
				}
			}
		}
		if window.Area() == cell.GridSize*cell.GridSize {
			break
		}
	}
	return cell.Coord{}, errs.New(op, errs.CodeNoFreeCells,
		errs.WithMessage("no free cells near the most recent claim"),
		errs.WithRemediation("pick a cell manually"))
}
