// Package gesture classifies pointer sessions into drags, clicks and double clicks.
package gesture

import (
	"math"
	"sync"
	"time"

	"github.com/coachpo/mosaic/internal/coords"
)

// Intent is the classification of a completed pointer session.
type Intent uint8

const (
	// IntentNone means the pointer-up was ignored.
	IntentNone Intent = iota
	// IntentDrag means the pointer travelled or was held too long for a click.
	IntentDrag
	// IntentSingleClick is a click outside the double-click window.
	IntentSingleClick
	// IntentDoubleClick is a click within the double-click window of the previous one.
	IntentDoubleClick
)

func (i Intent) String() string {
	switch i {
	case IntentDrag:
		return "drag"
	case IntentSingleClick:
		return "single_click"
	case IntentDoubleClick:
		return "double_click"
	default:
		return "none"
	}
}

// State of the pointer session.
type State uint8

const (
	StateIdle State = iota
	StatePointerDown
	StateDragging
)

// Config holds classification thresholds.
type Config struct {
	DragThreshold     float64
	ClickTimeout      time.Duration
	DoubleClickWindow time.Duration
}

// DefaultConfig returns the 10px / 250ms / 300ms thresholds.
func DefaultConfig() Config {
	return Config{
		DragThreshold:     10,
		ClickTimeout:      250 * time.Millisecond,
		DoubleClickWindow: 300 * time.Millisecond,
	}
}

func (c Config) normalise() Config {
	def := DefaultConfig()
	if c.DragThreshold <= 0 {
		c.DragThreshold = def.DragThreshold
	}
	if c.ClickTimeout <= 0 {
		c.ClickTimeout = def.ClickTimeout
	}
	if c.DoubleClickWindow <= 0 {
		c.DoubleClickWindow = def.DoubleClickWindow
	}
	return c
}

// Disambiguator tracks a single pointer session at a time. Pointers other than
// the first one down are ignored until it is released.
type Disambiguator struct {
	mu  sync.Mutex
	cfg Config

	state     State
	pointerID int
	origin    coords.Point
	startedAt time.Time

	lastClick    time.Time
	hasLastClick bool
}

// NewDisambiguator constructs a Disambiguator. Zero config fields take defaults.
func NewDisambiguator(cfg Config) *Disambiguator {
	return &Disambiguator{cfg: cfg.normalise()}
}

// Down records the origin of a pointer session. It returns false when another
// pointer is already being tracked.
func (d *Disambiguator) Down(pointerID int, p coords.Point, at time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateIdle {
		return false
	}
	d.state = StatePointerDown
	d.pointerID = pointerID
	d.origin = p
	d.startedAt = at
	return true
}

// Move updates drag tracking and reports whether the session is now a drag.
func (d *Disambiguator) Move(pointerID int, p coords.Point, _ time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateIdle || pointerID != d.pointerID {
		return false
	}
	if d.state == StatePointerDown && distance(d.origin, p) > d.cfg.DragThreshold {
		d.state = StateDragging
	}
	return d.state == StateDragging
}

// Up completes the session and returns its classification.
func (d *Disambiguator) Up(pointerID int, p coords.Point, at time.Time) Intent {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateIdle || pointerID != d.pointerID {
		return IntentNone
	}
	dragged := d.state == StateDragging
	d.state = StateIdle

	if dragged || distance(d.origin, p) > d.cfg.DragThreshold || at.Sub(d.startedAt) > d.cfg.ClickTimeout {
		return IntentDrag
	}

	intent := IntentSingleClick
	if d.hasLastClick && at.Sub(d.lastClick) < d.cfg.DoubleClickWindow {
		intent = IntentDoubleClick
	}
	d.lastClick = at
	d.hasLastClick = true
	return intent
}

// Cancel abandons the active session without classifying it.
func (d *Disambiguator) Cancel() {
	d.mu.Lock()
	d.state = StateIdle
	d.mu.Unlock()
}

// State returns the current session state.
func (d *Disambiguator) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func distance(a, b coords.Point) float64 {
	return math.Hypot(b.X-a.X, b.Y-a.Y)
}
