// Package viewport binds the coordinate mapper and gesture interpreter to a
// deep-zoom viewer and manages zoom-dependent overlay state.
package viewport

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coachpo/mosaic/internal/coords"
	"github.com/coachpo/mosaic/internal/domain/cell"
	"github.com/coachpo/mosaic/internal/gesture"
)

// Grid is the slice of the grid store the adapter drives.
type Grid interface {
	SetSelected(c *cell.Coord) error
	LoadRange(ctx context.Context, startRow, startCol, endRow, endCol int) error
}

// Options configures an Adapter.
type Options struct {
	Grid    Grid
	Gesture gesture.Config
	Stops   gesture.ZoomStops

	MinOpacity float64
	MaxOpacity float64

	HoverInterval    time.Duration
	HoverHideAfter   time.Duration
	PrefetchDebounce time.Duration

	// OnSelect is called after a cell is selected at maximum zoom.
	OnSelect func(cell.Coord)
	Clock    Clock
	Logger   *log.Logger
}

// DefaultOptions returns the standard timings and opacity bounds.
func DefaultOptions() Options {
	return Options{
		Gesture:          gesture.DefaultConfig(),
		Stops:            gesture.DefaultZoomStops(),
		MinOpacity:       0.15,
		MaxOpacity:       1,
		HoverInterval:    16 * time.Millisecond,
		HoverHideAfter:   500 * time.Millisecond,
		PrefetchDebounce: 100 * time.Millisecond,
	}
}

type providerHandle struct {
	p Provider
}

// Adapter translates provider events into grid and camera actions.
type Adapter struct {
	opts   Options
	interp *gesture.Interpreter
	clock  Clock
	logger *log.Logger

	// provider is read at call time by handlers and timer callbacks.
	provider atomic.Pointer[providerHandle]

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	handlers      []HandlerID
	hover         Overlay
	hoverAt       *coords.Point
	hoverTimer    timerSlot
	hideTimer     timerSlot
	prefetchTimer timerSlot
	lastHover     time.Time
	animating     bool
}

// New validates options and applies defaults.
func New(opts Options) (*Adapter, error) {
	def := DefaultOptions()
	if opts.Grid == nil {
		return nil, errors.New("viewport: grid required")
	}
	if len(opts.Stops) == 0 {
		opts.Stops = def.Stops
	}
	if err := opts.Stops.Validate(); err != nil {
		return nil, err
	}
	if opts.MaxOpacity <= 0 {
		opts.MinOpacity, opts.MaxOpacity = def.MinOpacity, def.MaxOpacity
	}
	if opts.MinOpacity < 0 || opts.MinOpacity > opts.MaxOpacity || opts.MaxOpacity > 1 {
		return nil, errors.New("viewport: opacity bounds must satisfy 0 <= min <= max <= 1")
	}
	if opts.HoverInterval <= 0 {
		opts.HoverInterval = def.HoverInterval
	}
	if opts.HoverHideAfter <= 0 {
		opts.HoverHideAfter = def.HoverHideAfter
	}
	if opts.PrefetchDebounce <= 0 {
		opts.PrefetchDebounce = def.PrefetchDebounce
	}
	a := &Adapter{
		opts:   opts,
		interp: gesture.NewInterpreter(opts.Gesture, opts.Stops),
		clock:  opts.Clock,
		logger: opts.Logger,
	}
	if a.clock == nil {
		a.clock = systemClock{}
	}
	if a.logger == nil {
		a.logger = log.New(io.Discard, "", 0)
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	return a, nil
}

// Opacity interpolates overlay opacity for a zoom level.
func Opacity(zoom, maxZoom, minOpacity, maxOpacity float64) float64 {
	if maxZoom <= 0 {
		return maxOpacity
	}
	ratio := zoom / maxZoom
	switch {
	case ratio < 0:
		ratio = 0
	case ratio > 1:
		ratio = 1
	}
	return minOpacity + (maxOpacity-minOpacity)*ratio
}

// Bind registers handlers on p, replacing any previously bound provider.
func (a *Adapter) Bind(p Provider) {
	a.Teardown()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.provider.Store(&providerHandle{p: p})
	register := func(name EventName, fn func(Event)) {
		a.handlers = append(a.handlers, p.AddHandler(name, fn))
	}
	register(EventAnimationStart, a.onAnimationStart)
	register(EventAnimationFinish, a.onAnimationFinish)
	register(EventZoom, a.onZoom)
	register(EventCanvasPress, a.onPress)
	register(EventCanvasDrag, a.onDrag)
	register(EventCanvasRelease, a.onRelease)
	register(EventPointerMove, a.onPointerMove)
	register(EventPointerLeave, a.onPointerLeave)
}

// Teardown removes handlers and the hover box and stops pending timers.
func (a *Adapter) Teardown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := a.provider.Swap(nil)
	if h != nil {
		for _, id := range a.handlers {
			h.p.RemoveHandler(id)
		}
	}
	a.handlers = nil
	a.hoverTimer.stop()
	a.hideTimer.stop()
	a.prefetchTimer.stop()
	if a.hover != nil {
		a.hover.Remove()
		a.hover = nil
	}
	a.hoverAt = nil
	a.animating = false
	a.interp.Cancel()
	if a.cancel != nil {
		a.cancel()
	}
}

// Bound reports whether a provider is attached.
func (a *Adapter) Bound() bool {
	return a.provider.Load() != nil
}

func (a *Adapter) current() Provider {
	if h := a.provider.Load(); h != nil {
		return h.p
	}
	return nil
}

// timerSlot holds at most one pending callback. gen advances on every stop or
// re-arm, so a callback that already fired when Stop was called sees a newer
// generation and does nothing. Guarded by Adapter.mu.
type timerSlot struct {
	t   Timer
	gen uint64
}

func (s *timerSlot) arm(clock Clock, d time.Duration, fn func(gen uint64)) {
	s.stop()
	gen := s.gen
	s.t = clock.AfterFunc(d, func() { fn(gen) })
}

func (s *timerSlot) stop() {
	if s.t != nil {
		s.t.Stop()
		s.t = nil
	}
	s.gen++
}

func (s *timerSlot) pending() bool {
	return s.t != nil
}

// fired claims the slot for the callback armed at gen.
func (s *timerSlot) fired(gen uint64) bool {
	if s.t == nil || s.gen != gen {
		return false
	}
	s.t = nil
	return true
}

func (a *Adapter) onAnimationStart(Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.animating = true
	a.hideHoverLocked()
}

func (a *Adapter) onAnimationFinish(Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.animating = false
	a.prefetchTimer.arm(a.clock, a.opts.PrefetchDebounce, a.prefetch)
}

func (a *Adapter) onZoom(evt Event) {
	p := a.current()
	if p == nil {
		return
	}
	zoom := evt.Zoom
	if zoom <= 0 {
		zoom = p.Zoom()
	}
	maxZoom := p.MaxZoom()
	if maxZoom <= 0 {
		maxZoom = a.opts.Stops.Max()
	}
	opacity := Opacity(zoom, maxZoom, a.opts.MinOpacity, a.opts.MaxOpacity)
	a.mu.Lock()
	hover := a.hover
	a.mu.Unlock()
	for _, o := range p.Overlays() {
		if o == hover {
			continue
		}
		o.SetOpacity(opacity)
	}
}

func (a *Adapter) onPress(evt Event) {
	a.interp.Down(evt.PointerID, evt.Position, a.eventTime(evt))
}

func (a *Adapter) onDrag(evt Event) {
	a.interp.Move(evt.PointerID, evt.Position, a.eventTime(evt))
}

func (a *Adapter) onRelease(evt Event) {
	p := a.current()
	if p == nil {
		return
	}
	action := a.interp.Up(evt.PointerID, evt.Position, a.eventTime(evt), p.Transform(), p.Zoom())
	switch action.Kind {
	case gesture.ActionZoom:
		p.ZoomTo(action.Zoom, action.Center)
	case gesture.ActionSelect:
		c := action.Cell
		if err := a.opts.Grid.SetSelected(&c); err != nil {
			a.logger.Printf("viewport: select %s: %v", c, err)
			return
		}
		if a.opts.OnSelect != nil {
			a.opts.OnSelect(c)
		}
	}
}

func (a *Adapter) eventTime(evt Event) time.Time {
	if evt.Time.IsZero() {
		return a.clock.Now()
	}
	return evt.Time
}

func (a *Adapter) onPointerMove(evt Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.animating || a.provider.Load() == nil {
		return
	}
	pos := evt.Position
	a.hoverAt = &pos
	if !a.hoverTimer.pending() {
		wait := a.opts.HoverInterval - a.clock.Now().Sub(a.lastHover)
		if wait <= 0 {
			a.flushHoverLocked()
		} else {
			a.hoverTimer.arm(a.clock, wait, a.flushHover)
		}
	}
	a.hideTimer.arm(a.clock, a.opts.HoverHideAfter, a.hideHover)
}

func (a *Adapter) onPointerLeave(Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hideHoverLocked()
}

func (a *Adapter) flushHover(gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.hoverTimer.fired(gen) {
		return
	}
	a.flushHoverLocked()
}

func (a *Adapter) flushHoverLocked() {
	p := a.current()
	if p == nil || a.hoverAt == nil || a.animating {
		return
	}
	a.lastHover = a.clock.Now()
	c, ok := coords.ToCell(*a.hoverAt, p.Transform())
	a.hoverAt = nil
	if !ok {
		if a.hover != nil {
			a.hover.Hide()
		}
		return
	}
	rect := coords.CellRect(c)
	if a.hover == nil {
		a.hover = p.AddOverlay(rect)
	} else {
		a.hover.Move(rect)
	}
	a.hover.Show()
}

func (a *Adapter) hideHover(gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.hideTimer.fired(gen) {
		return
	}
	a.hideHoverLocked()
}

func (a *Adapter) hideHoverLocked() {
	a.hoverTimer.stop()
	a.hoverAt = nil
	if a.hover != nil {
		a.hover.Hide()
	}
}

func (a *Adapter) prefetch(gen uint64) {
	a.mu.Lock()
	if !a.prefetchTimer.fired(gen) {
		a.mu.Unlock()
		return
	}
	ctx := a.ctx
	a.mu.Unlock()

	p := a.current()
	if p == nil {
		return
	}
	w, h := p.ContainerSize()
	r, ok := coords.VisibleRange(p.Transform(), w, h)
	if !ok {
		return
	}
	if err := a.opts.Grid.LoadRange(ctx, r.MinY, r.MinX, r.MaxY, r.MaxX); err != nil && ctx.Err() == nil {
		a.logger.Printf("viewport: prefetch rows %d-%d cols %d-%d: %v", r.MinY, r.MaxY, r.MinX, r.MaxX, err)
	}
}
