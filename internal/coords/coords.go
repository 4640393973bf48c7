// Package coords maps between container pixels, normalized image space and grid cells.
package coords

import (
	"math"

	"github.com/coachpo/mosaic/internal/domain/cell"
)

// Point is a 2D position. Depending on context it holds container pixels or
// normalized image coordinates where the full image spans [0, 1].
type Point struct {
	X float64
	Y float64
}

// NormalizedRect is an axis-aligned rectangle in normalized image space.
type NormalizedRect struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// Transform is a snapshot of the viewer's pixel/normalized mapping. It is read
// at call time and must not be retained across zoom or pan changes.
type Transform interface {
	PixelToViewport(p Point) Point
	ViewportToPixel(p Point) Point
}

// ToCell converts a container pixel to the grid cell beneath it. ok is false
// when the point lies outside the image.
func ToCell(p Point, t Transform) (cell.Coord, bool) {
	n := t.PixelToViewport(p)
	return normalizedToCell(n)
}

func normalizedToCell(n Point) (cell.Coord, bool) {
	if math.IsNaN(n.X) || math.IsNaN(n.Y) {
		return cell.Coord{}, false
	}
	fx := math.Floor(n.X * cell.GridSize)
	fy := math.Floor(n.Y * cell.GridSize)
	if fx < 0 || fy < 0 || fx >= cell.GridSize || fy >= cell.GridSize {
		return cell.Coord{}, false
	}
	return cell.Coord{X: int(fx), Y: int(fy)}, true
}

// CellCenter returns the container pixel at the centre of c.
func CellCenter(c cell.Coord, t Transform) Point {
	return t.ViewportToPixel(NormalizedCenter(c))
}

// NormalizedCenter returns the normalized centre of c.
func NormalizedCenter(c cell.Coord) Point {
	return Point{
		X: (float64(c.X) + 0.5) / cell.GridSize,
		Y: (float64(c.Y) + 0.5) / cell.GridSize,
	}
}

// CellRect returns the normalized rectangle covered by c, used for overlay placement.
func CellRect(c cell.Coord) NormalizedRect {
	const size = 1.0 / cell.GridSize
	return NormalizedRect{
		X:      float64(c.X) * size,
		Y:      float64(c.Y) * size,
		Width:  size,
		Height: size,
	}
}

// VisibleRange returns the cells under a width×height container, clamped to the
// grid. ok is false when the image is entirely off screen.
func VisibleRange(t Transform, width, height float64) (cell.Rect, bool) {
	if width <= 0 || height <= 0 {
		return cell.Rect{}, false
	}
	tl := t.PixelToViewport(Point{X: 0, Y: 0})
	br := t.PixelToViewport(Point{X: width, Y: height})
	// Edges that land exactly on a cell boundary must not pull in the neighbour.
	const eps = 1e-9
	rect := cell.NewRect(
		int(math.Floor(tl.X*cell.GridSize+eps)),
		int(math.Floor(tl.Y*cell.GridSize+eps)),
		int(math.Ceil(br.X*cell.GridSize-eps))-1,
		int(math.Ceil(br.Y*cell.GridSize-eps))-1,
	)
	return rect.Clamp()
}

// Affine is a scale+offset camera over the square mosaic image. At zoom 1 the
// image width matches the container width. Center is the normalized point
// displayed in the middle of the container.
type Affine struct {
	Zoom   float64
	Center Point
	Width  float64
	Height float64
}

// NewAffine returns a home-view camera for a container.
func NewAffine(width, height float64) Affine {
	return Affine{Zoom: 1, Center: Point{X: 0.5, Y: 0.5}, Width: width, Height: height}
}

// Scale returns pixels per normalized unit.
func (a Affine) Scale() float64 {
	zoom := a.Zoom
	if zoom <= 0 {
		zoom = 1
	}
	return a.Width * zoom
}

// Offset returns the pixel position of the normalized origin.
func (a Affine) Offset() Point {
	s := a.Scale()
	return Point{
		X: a.Width/2 - a.Center.X*s,
		Y: a.Height/2 - a.Center.Y*s,
	}
}

// PixelToViewport implements Transform.
func (a Affine) PixelToViewport(p Point) Point {
	s := a.Scale()
	if s == 0 {
		return Point{X: math.NaN(), Y: math.NaN()}
	}
	off := a.Offset()
	return Point{X: (p.X - off.X) / s, Y: (p.Y - off.Y) / s}
}

// ViewportToPixel implements Transform.
func (a Affine) ViewportToPixel(p Point) Point {
	s := a.Scale()
	off := a.Offset()
	return Point{X: p.X*s + off.X, Y: p.Y*s + off.Y}
}

// ZoomedTo returns a copy of the camera at zoom centred on center.
func (a Affine) ZoomedTo(zoom float64, center Point) Affine {
	a.Zoom = zoom
	a.Center = center
	return a
}
