package viewport

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/mosaic/internal/coords"
	"github.com/coachpo/mosaic/internal/domain/cell"
)

type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	at      time.Time
	fn      func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and fires due timers in deadline order.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		sort.SliceStable(c.timers, func(i, j int) bool { return c.timers[i].at.Before(c.timers[j].at) })
		var due *manualTimer
		for i, t := range c.timers {
			if t.stopped {
				continue
			}
			if !t.at.After(target) {
				due = t
				c.timers = append(c.timers[:i], c.timers[i+1:]...)
				break
			}
		}
		if due == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		due.stopped = true
		c.now = due.at
		c.mu.Unlock()
		due.fn()
	}
}

func (c *manualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

type fakeOverlay struct {
	rect    coords.NormalizedRect
	opacity float64
	visible bool
	removed bool
}

func (o *fakeOverlay) SetOpacity(v float64)         { o.opacity = v }
func (o *fakeOverlay) Move(r coords.NormalizedRect) { o.rect = r }
func (o *fakeOverlay) Show()                        { o.visible = true }
func (o *fakeOverlay) Hide()                        { o.visible = false }
func (o *fakeOverlay) Remove()                      { o.removed = true }

// cell maps the overlay centre back through a home-view camera.
func (o *fakeOverlay) cell() (cell.Coord, bool) {
	centre := coords.Point{X: (o.rect.X + o.rect.Width/2) * 1000, Y: (o.rect.Y + o.rect.Height/2) * 1000}
	return coords.ToCell(centre, coords.NewAffine(1000, 1000))
}

type zoomCall struct {
	zoom   float64
	center coords.Point
}

type fakeProvider struct {
	camera   coords.Affine
	maxZoom  float64
	nextID   HandlerID
	handlers map[HandlerID]struct {
		name EventName
		fn   func(Event)
	}
	overlays []*fakeOverlay
	zooms    []zoomCall
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		camera:  coords.NewAffine(1000, 1000),
		maxZoom: 12,
		handlers: map[HandlerID]struct {
			name EventName
			fn   func(Event)
		}{},
	}
}

func (p *fakeProvider) AddHandler(name EventName, fn func(Event)) HandlerID {
	p.nextID++
	p.handlers[p.nextID] = struct {
		name EventName
		fn   func(Event)
	}{name, fn}
	return p.nextID
}

func (p *fakeProvider) RemoveHandler(id HandlerID)        { delete(p.handlers, id) }
func (p *fakeProvider) Transform() coords.Transform        { return p.camera }
func (p *fakeProvider) Zoom() float64                      { return p.camera.Zoom }
func (p *fakeProvider) MaxZoom() float64                   { return p.maxZoom }
func (p *fakeProvider) PanTo(center coords.Point)          { p.camera.Center = center }
func (p *fakeProvider) ContainerSize() (float64, float64) { return p.camera.Width, p.camera.Height }

func (p *fakeProvider) ZoomTo(zoom float64, center coords.Point) {
	p.zooms = append(p.zooms, zoomCall{zoom, center})
	p.camera = p.camera.ZoomedTo(zoom, center)
}

func (p *fakeProvider) AddOverlay(rect coords.NormalizedRect) Overlay {
	o := &fakeOverlay{rect: rect, opacity: 1, visible: true}
	p.overlays = append(p.overlays, o)
	return o
}

func (p *fakeProvider) Overlays() []Overlay {
	out := make([]Overlay, 0, len(p.overlays))
	for _, o := range p.overlays {
		if !o.removed {
			out = append(out, o)
		}
	}
	return out
}

func (p *fakeProvider) emit(evt Event) {
	for _, h := range p.handlers {
		if h.name == evt.Name {
			h.fn(evt)
		}
	}
}

type fakeGrid struct {
	mu       sync.Mutex
	selected []cell.Coord
	loads    []cell.Rect
}

func (g *fakeGrid) SetSelected(c *cell.Coord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.selected = append(g.selected, *c)
	return nil
}

func (g *fakeGrid) LoadRange(_ context.Context, startRow, startCol, endRow, endCol int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.loads = append(g.loads, cell.Rect{MinX: startCol, MinY: startRow, MaxX: endCol, MaxY: endRow})
	return nil
}

func setup(t *testing.T) (*Adapter, *fakeProvider, *fakeGrid, *manualClock, *[]cell.Coord) {
	t.Helper()
	clock := newManualClock()
	grid := &fakeGrid{}
	var picked []cell.Coord
	opts := DefaultOptions()
	opts.Grid = grid
	opts.Clock = clock
	opts.OnSelect = func(c cell.Coord) { picked = append(picked, c) }
	a, err := New(opts)
	require.NoError(t, err)
	p := newFakeProvider()
	a.Bind(p)
	return a, p, grid, clock, &picked
}

func click(p *fakeProvider, at coords.Point, t time.Time) {
	p.emit(Event{Name: EventCanvasPress, PointerID: 1, Position: at, Time: t})
	p.emit(Event{Name: EventCanvasRelease, PointerID: 1, Position: at, Time: t.Add(50 * time.Millisecond)})
}

func TestOpacity(t *testing.T) {
	require.InDelta(t, 0.2, Opacity(0, 12, 0.2, 1), 1e-9)
	require.InDelta(t, 0.6, Opacity(6, 12, 0.2, 1), 1e-9)
	require.InDelta(t, 1.0, Opacity(24, 12, 0.2, 1), 1e-9)
	require.InDelta(t, 1.0, Opacity(3, 0, 0.2, 1), 1e-9)
}

func TestBindAndTeardown(t *testing.T) {
	a, p, _, clock, _ := setup(t)
	require.True(t, a.Bound())
	require.Len(t, p.handlers, 8)

	p.emit(Event{Name: EventPointerMove, Position: coords.Point{X: 5.5, Y: 5.5}})
	p.emit(Event{Name: EventAnimationFinish})
	require.NotZero(t, clock.Pending())
	require.Len(t, p.overlays, 1)

	a.Teardown()
	require.False(t, a.Bound())
	require.Empty(t, p.handlers)
	require.True(t, p.overlays[0].removed)
	require.Zero(t, clock.Pending())
}

func TestZoomEventAppliesOpacityToCellOverlays(t *testing.T) {
	_, p, _, _, _ := setup(t)
	cellOverlay := p.AddOverlay(coords.CellRect(cell.Coord{X: 1, Y: 1})).(*fakeOverlay)

	p.emit(Event{Name: EventZoom, Zoom: 6})
	require.InDelta(t, Opacity(6, 12, 0.15, 1), cellOverlay.opacity, 1e-9)

	p.camera.Zoom = 12
	p.emit(Event{Name: EventZoom})
	require.InDelta(t, 1.0, cellOverlay.opacity, 1e-9)
}

func TestDoubleClickZoomsToNextStopCentredOnCell(t *testing.T) {
	_, p, grid, clock, _ := setup(t)
	at := coords.Point{X: 10.4, Y: 20.7}
	t0 := clock.Now()
	click(p, at, t0)
	click(p, at, t0.Add(150*time.Millisecond))

	require.Len(t, p.zooms, 1)
	require.Equal(t, 3.0, p.zooms[0].zoom)
	require.InDelta(t, 0.0105, p.zooms[0].center.X, 1e-9)
	require.InDelta(t, 0.0205, p.zooms[0].center.Y, 1e-9)
	require.Empty(t, grid.selected)
}

func TestSingleClickSelectsOnlyAtMaxZoom(t *testing.T) {
	_, p, grid, clock, picked := setup(t)
	target := cell.Coord{X: 400, Y: 401}

	click(p, coords.CellCenter(target, p.camera), clock.Now())
	require.Empty(t, grid.selected)

	p.camera = p.camera.ZoomedTo(12, coords.NormalizedCenter(target))
	click(p, coords.CellCenter(target, p.camera), clock.Now().Add(time.Second))
	require.Equal(t, []cell.Coord{target}, grid.selected)
	require.Equal(t, []cell.Coord{target}, *picked)
}

func TestDragDoesNothing(t *testing.T) {
	_, p, grid, clock, _ := setup(t)
	p.camera = p.camera.ZoomedTo(12, coords.Point{X: 0.5, Y: 0.5})
	t0 := clock.Now()
	p.emit(Event{Name: EventCanvasPress, PointerID: 1, Position: coords.Point{X: 100, Y: 100}, Time: t0})
	p.emit(Event{Name: EventCanvasDrag, PointerID: 1, Position: coords.Point{X: 130, Y: 100}, Time: t0.Add(20 * time.Millisecond)})
	p.emit(Event{Name: EventCanvasRelease, PointerID: 1, Position: coords.Point{X: 130, Y: 100}, Time: t0.Add(40 * time.Millisecond)})
	require.Empty(t, grid.selected)
	require.Empty(t, p.zooms)
}

func TestHoverIsThrottledAndAutoHidden(t *testing.T) {
	_, p, _, clock, _ := setup(t)

	p.emit(Event{Name: EventPointerMove, Position: coords.Point{X: 3.5, Y: 4.5}})
	require.Len(t, p.overlays, 1)
	hover := p.overlays[0]
	c, ok := hover.cell()
	require.True(t, ok)
	require.Equal(t, cell.Coord{X: 3, Y: 4}, c)

	clock.Advance(5 * time.Millisecond)
	p.emit(Event{Name: EventPointerMove, Position: coords.Point{X: 7.5, Y: 8.5}})
	c, _ = hover.cell()
	require.Equal(t, cell.Coord{X: 3, Y: 4}, c)

	clock.Advance(11 * time.Millisecond)
	c, _ = hover.cell()
	require.Equal(t, cell.Coord{X: 7, Y: 8}, c)
	require.True(t, hover.visible)

	clock.Advance(488 * time.Millisecond)
	require.True(t, hover.visible)
	clock.Advance(time.Millisecond)
	require.False(t, hover.visible)
	require.Len(t, p.overlays, 1)
}

// lateClock keeps every scheduled callback so a test can run one after Stop,
// the way time.AfterFunc does when the callback is already running.
type lateClock struct {
	*manualClock
	fns []func()
}

func (c *lateClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.fns = append(c.fns, fn)
	return c.manualClock.AfterFunc(d, fn)
}

func TestStaleHideCallbackKeepsHover(t *testing.T) {
	clock := &lateClock{manualClock: newManualClock()}
	opts := DefaultOptions()
	opts.Grid = &fakeGrid{}
	opts.Clock = clock
	a, err := New(opts)
	require.NoError(t, err)
	p := newFakeProvider()
	a.Bind(p)
	t.Cleanup(a.Teardown)

	p.emit(Event{Name: EventPointerMove, Position: coords.Point{X: 3.5, Y: 4.5}})
	require.Len(t, clock.fns, 1)
	staleHide := clock.fns[0]

	clock.Advance(400 * time.Millisecond)
	p.emit(Event{Name: EventPointerMove, Position: coords.Point{X: 5.5, Y: 6.5}})
	hover := p.overlays[0]
	require.True(t, hover.visible)

	staleHide()
	require.True(t, hover.visible)

	// The rearmed timer is still tracked: another move replaces it and the box
	// stays up until the last move's deadline.
	clock.Advance(400 * time.Millisecond)
	p.emit(Event{Name: EventPointerMove, Position: coords.Point{X: 5.5, Y: 6.5}})
	clock.Advance(499 * time.Millisecond)
	require.True(t, hover.visible)
	clock.Advance(time.Millisecond)
	require.False(t, hover.visible)
}

func TestHoverHiddenOnLeaveAndDuringAnimation(t *testing.T) {
	_, p, _, clock, _ := setup(t)
	p.emit(Event{Name: EventPointerMove, Position: coords.Point{X: 3.5, Y: 4.5}})
	hover := p.overlays[0]

	p.emit(Event{Name: EventPointerLeave})
	require.False(t, hover.visible)

	clock.Advance(time.Second)
	p.emit(Event{Name: EventAnimationStart})
	p.emit(Event{Name: EventPointerMove, Position: coords.Point{X: 9.5, Y: 9.5}})
	require.False(t, hover.visible)

	p.emit(Event{Name: EventAnimationFinish})
	p.emit(Event{Name: EventPointerMove, Position: coords.Point{X: 9.5, Y: 9.5}})
	require.True(t, hover.visible)
}

func TestPrefetchIsDebounced(t *testing.T) {
	_, p, grid, clock, _ := setup(t)
	p.camera = p.camera.ZoomedTo(10, coords.Point{X: 0.5, Y: 0.5})

	p.emit(Event{Name: EventAnimationFinish})
	clock.Advance(60 * time.Millisecond)
	p.emit(Event{Name: EventAnimationFinish})
	clock.Advance(99 * time.Millisecond)
	require.Empty(t, grid.loads)

	clock.Advance(time.Millisecond)
	require.Equal(t, []cell.Rect{{MinX: 450, MinY: 450, MaxX: 549, MaxY: 549}}, grid.loads)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)

	opts := DefaultOptions()
	opts.Grid = &fakeGrid{}
	opts.MinOpacity, opts.MaxOpacity = 0.9, 0.5
	_, err = New(opts)
	require.Error(t, err)
}
