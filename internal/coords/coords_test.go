package coords

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/mosaic/internal/domain/cell"
)

func TestToCellHomeView(t *testing.T) {
	cam := NewAffine(1000, 1000)

	c, ok := ToCell(Point{X: 0.2, Y: 0.9}, cam)
	require.True(t, ok)
	require.Equal(t, cell.Coord{X: 0, Y: 0}, c)

	c, ok = ToCell(Point{X: 999.5, Y: 500}, cam)
	require.True(t, ok)
	require.Equal(t, cell.Coord{X: 999, Y: 500}, c)

	_, ok = ToCell(Point{X: 1000, Y: 10}, cam)
	require.False(t, ok)
	_, ok = ToCell(Point{X: -0.1, Y: 10}, cam)
	require.False(t, ok)
}

func TestToCellZoomed(t *testing.T) {
	// 12x zoom centred on cell (250,750): each cell spans 12 pixels.
	cam := NewAffine(800, 600).ZoomedTo(12, NormalizedCenter(cell.Coord{X: 250, Y: 750}))
	c, ok := ToCell(Point{X: 400, Y: 300}, cam)
	require.True(t, ok)
	require.Equal(t, cell.Coord{X: 250, Y: 750}, c)

	c, ok = ToCell(Point{X: 400 + 12, Y: 300 - 12}, cam)
	require.True(t, ok)
	require.Equal(t, cell.Coord{X: 251, Y: 749}, c)
}

func TestCellCenterRoundTrip(t *testing.T) {
	cams := []Affine{
		NewAffine(1000, 1000),
		NewAffine(1280, 720).ZoomedTo(3, Point{X: 0.31, Y: 0.77}),
		NewAffine(375, 812).ZoomedTo(12, Point{X: 0.999, Y: 0.001}),
	}
	for _, cam := range cams {
		for x := 0; x < cell.GridSize; x += 37 {
			for y := 0; y < cell.GridSize; y += 41 {
				want := cell.Coord{X: x, Y: y}
				got, ok := ToCell(CellCenter(want, cam), cam)
				require.True(t, ok)
				require.Equal(t, want, got)
			}
		}
		got, ok := ToCell(CellCenter(cell.Coord{X: 999, Y: 999}, cam), cam)
		require.True(t, ok)
		require.Equal(t, cell.Coord{X: 999, Y: 999}, got)
	}
}

func TestCellRect(t *testing.T) {
	r := CellRect(cell.Coord{X: 10, Y: 20})
	require.InDelta(t, 0.010, r.X, 1e-12)
	require.InDelta(t, 0.020, r.Y, 1e-12)
	require.InDelta(t, 0.001, r.Width, 1e-12)
}

func TestVisibleRange(t *testing.T) {
	rect, ok := VisibleRange(NewAffine(1000, 1000), 1000, 1000)
	require.True(t, ok)
	require.Equal(t, cell.Rect{MinX: 0, MinY: 0, MaxX: 999, MaxY: 999}, rect)

	cam := NewAffine(100, 100).ZoomedTo(10, Point{X: 0.5, Y: 0.5})
	rect, ok = VisibleRange(cam, 100, 100)
	require.True(t, ok)
	require.Equal(t, cell.Rect{MinX: 450, MinY: 450, MaxX: 549, MaxY: 549}, rect)

	off := NewAffine(100, 100).ZoomedTo(1, Point{X: 5, Y: 5})
	_, ok = VisibleRange(off, 100, 100)
	require.False(t, ok)
}
