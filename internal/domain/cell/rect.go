package cell

// Rect is an inclusive rectangle of cell coordinates.
type Rect struct {
	MinX int `json:"x0"`
	MinY int `json:"y0"`
	MaxX int `json:"x1"`
	MaxY int `json:"y1"`
}

// NewRect builds a normalised rectangle from two corners in any order.
func NewRect(x0, y0, x1, y1 int) Rect {
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	return Rect{MinX: x0, MinY: y0, MaxX: x1, MaxY: y1}
}

// Around returns the square window of the given radius centred on c.
func Around(c Coord, radius int) Rect {
	return Rect{MinX: c.X - radius, MinY: c.Y - radius, MaxX: c.X + radius, MaxY: c.Y + radius}
}

// Clamp restricts the rectangle to the grid. ok is false when nothing remains.
func (r Rect) Clamp() (Rect, bool) {
	out := Rect{
		MinX: max(r.MinX, 0),
		MinY: max(r.MinY, 0),
		MaxX: min(r.MaxX, GridSize-1),
		MaxY: min(r.MaxY, GridSize-1),
	}
	if out.MinX > out.MaxX || out.MinY > out.MaxY {
		return Rect{}, false
	}
	return out, true
}

// Contains reports whether (x, y) lies inside the rectangle.
func (r Rect) Contains(x, y int) bool {
	return x >= r.MinX && x <= r.MaxX && y >= r.MinY && y <= r.MaxY
}

// Area returns the number of cells covered.
func (r Rect) Area() int {
	if r.MinX > r.MaxX || r.MinY > r.MaxY {
		return 0
	}
	return (r.MaxX - r.MinX + 1) * (r.MaxY - r.MinY + 1)
}
