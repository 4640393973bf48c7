package gesture

import (
	"time"

	"github.com/coachpo/mosaic/internal/coords"
	"github.com/coachpo/mosaic/internal/domain/cell"
)

// ActionKind enumerates what a classified gesture asks the viewer to do.
type ActionKind uint8

const (
	ActionNone ActionKind = iota
	ActionZoom
	ActionSelect
)

// Action is the outcome of a pointer session.
type Action struct {
	Kind   ActionKind
	Intent Intent
	// Zoom is the target stop for ActionZoom.
	Zoom float64
	// Center is the normalized zoom centre for ActionZoom.
	Center coords.Point
	// Cell is the selected coordinate for ActionSelect.
	Cell cell.Coord
}

// Interpreter turns pointer sessions into zoom steps and cell selections.
type Interpreter struct {
	gestures *Disambiguator
	stops    ZoomStops
}

// NewInterpreter builds an Interpreter. Invalid stops fall back to the defaults.
func NewInterpreter(cfg Config, stops ZoomStops) *Interpreter {
	if stops.Validate() != nil {
		stops = DefaultZoomStops()
	}
	return &Interpreter{gestures: NewDisambiguator(cfg), stops: stops}
}

// Stops returns the configured zoom stops.
func (i *Interpreter) Stops() ZoomStops { return i.stops }

// Down forwards a pointer-down.
func (i *Interpreter) Down(pointerID int, p coords.Point, at time.Time) bool {
	return i.gestures.Down(pointerID, p, at)
}

// Move forwards a pointer-move.
func (i *Interpreter) Move(pointerID int, p coords.Point, at time.Time) bool {
	return i.gestures.Move(pointerID, p, at)
}

// Cancel drops the active pointer session.
func (i *Interpreter) Cancel() { i.gestures.Cancel() }

// Up classifies the session and resolves it against the transform and zoom
// level in effect at release time.
func (i *Interpreter) Up(pointerID int, p coords.Point, at time.Time, t coords.Transform, zoom float64) Action {
	intent := i.gestures.Up(pointerID, p, at)
	switch intent {
	case IntentDoubleClick:
		center := t.PixelToViewport(p)
		if c, ok := coords.ToCell(p, t); ok {
			center = coords.NormalizedCenter(c)
		}
		return Action{Kind: ActionZoom, Intent: intent, Zoom: i.stops.Next(zoom), Center: center}
	case IntentSingleClick:
		if !i.stops.AtMax(zoom) {
			return Action{Kind: ActionNone, Intent: intent}
		}
		c, ok := coords.ToCell(p, t)
		if !ok {
			return Action{Kind: ActionNone, Intent: intent}
		}
		return Action{Kind: ActionSelect, Intent: intent, Cell: c}
	default:
		return Action{Kind: ActionNone, Intent: intent}
	}
}
