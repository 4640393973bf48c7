// Package grid holds the in-memory state of the mosaic: one immutable row per
// y coordinate, swapped atomically on every write so readers never take locks
// and never observe a half-applied update.
package grid

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coachpo/mosaic/errs"
	"github.com/coachpo/mosaic/internal/domain/cell"
	"github.com/coachpo/mosaic/internal/domain/cellstore"
	"github.com/coachpo/mosaic/internal/infra/telemetry"
	"github.com/coachpo/mosaic/internal/retry"
)

// Cache is the subset of the local cache used by the store. A nil Cache is
// allowed; the store is fully functional without one.
type Cache interface {
	PutMany(cells []cell.Cell)
	GetRange(x0, y0, x1, y1 int) []cell.Cell
	Delete(x, y int)
	// EvictMissing drops cached cells in rect that a successful load did not return.
	EvictMissing(rect cell.Rect, present []cell.Cell)
}

// Options configures a Store.
type Options struct {
	Reader cellstore.Reader
	Feed   cellstore.Feed
	Cache  Cache
	// LoadPolicy governs LoadRange retries. Zero value uses retry.LoadRange().
	LoadPolicy retry.Policy
	// QueryPolicy governs FindAvailableCell queries. Zero value uses retry.Network().
	QueryPolicy retry.Policy
	// MaxSearchRadius bounds FindAvailableCell. Zero uses GridSize/2.
	MaxSearchRadius int
	Logger          *log.Logger
	Metrics         *telemetry.GridMetrics
}

// row is an immutable slice of GridSize entries. nil means not loaded and
// cell.Empty means loaded and unclaimed.
type row struct {
	cells []*cell.Cell
}

// ChangeKind classifies a grid change notification.
type ChangeKind uint8

const (
	// ChangeRange follows a completed LoadRange.
	ChangeRange ChangeKind = iota + 1
	// ChangeCell follows a single cell write (remote event or local claim).
	ChangeCell
	// ChangeSelection follows SetSelected.
	ChangeSelection
)

// Change describes what a listener should re-render.
type Change struct {
	Kind  ChangeKind
	Rect  cell.Rect
	Coord cell.Coord
}

// Store is the single owner of canonical per-cell state.
type Store struct {
	reader      cellstore.Reader
	feed        cellstore.Feed
	cache       Cache
	loadPolicy  retry.Policy
	queryPolicy retry.Policy
	maxRadius   int
	logger      *log.Logger
	metrics     *telemetry.GridMetrics

	rows     [cell.GridSize]atomic.Pointer[row]
	writeMu  sync.Mutex
	selected atomic.Pointer[cell.Coord]
	loading  atomic.Int32
	closed   atomic.Bool

	subMu sync.Mutex
	sub   *subscription

	listenersMu sync.RWMutex
	listeners   map[uint64]func(Change)
	nextID      uint64
}

// New constructs a Store. A nil Reader is rejected because every load and
// search depends on it.
func New(opts Options) (*Store, error) {
	if opts.Reader == nil {
		return nil, errors.New("grid store: nil reader")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	loadPolicy := opts.LoadPolicy
	if loadPolicy.Attempts == 0 {
		loadPolicy = retry.LoadRange()
	}
	queryPolicy := opts.QueryPolicy
	if queryPolicy.Attempts == 0 {
		queryPolicy = retry.Network()
	}
	maxRadius := opts.MaxSearchRadius
	if maxRadius <= 0 || maxRadius > cell.GridSize/2 {
		maxRadius = cell.GridSize / 2
	}
	return &Store{
		maxRadius:   maxRadius,
		reader:      opts.Reader,
		feed:        opts.Feed,
		cache:       opts.Cache,
		loadPolicy:  loadPolicy,
		queryPolicy: queryPolicy,
		logger:      logger,
		metrics:     opts.Metrics,
		listeners:   make(map[uint64]func(Change)),
	}, nil
}

// Loading reports whether a LoadRange call is in flight.
func (s *Store) Loading() bool {
	return s.loading.Load() > 0
}

// LoadRange fetches the inclusive range from the remote store and replaces the
// in-memory entries for it. Cells missing from the response become known-empty.
// On retry exhaustion cached cells are served for the range and the normalized
// error is still returned.
func (s *Store) LoadRange(ctx context.Context, startRow, startCol, endRow, endCol int) error {
	const op = "grid.LoadRange"
	rect, ok := cell.NewRect(startCol, startRow, endCol, endRow).Clamp()
	if !ok {
		return errs.New(op, errs.CodeInvalid,
			errs.WithMessage("range lies outside the grid"),
			errs.WithField("range", fmt.Sprintf("%d,%d..%d,%d", startRow, startCol, endRow, endCol)))
	}
	if s.closed.Load() {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("grid store closed"))
	}

	s.loading.Add(1)
	defer s.loading.Add(-1)
	started := time.Now()

	cells, err := retry.Do(ctx, s.loadPolicy, func(ctx context.Context) ([]cell.Cell, error) {
		return s.reader.Range(ctx, rect)
	})
	if err != nil {
		result := telemetry.ResultError
		if served := s.serveCached(rect); served > 0 {
			result = telemetry.ResultFallback
			s.logger.Printf("load range %v failed, served %d cached cells: %v", rect, served, err)
		} else {
			s.logger.Printf("load range %v failed: %v", rect, err)
		}
		s.metrics.RecordLoad(ctx, "load_range", time.Since(started), result)
		return errs.Normalize(op, networkError(op, err))
	}

	byCoord := make(map[cell.Coord]*cell.Cell, len(cells))
	for i := range cells {
		if !rect.Contains(cells[i].X, cells[i].Y) {
			continue
		}
		c := cells[i].Clone()
		byCoord[c.Coord()] = &c
	}

	s.writeMu.Lock()
	for y := rect.MinY; y <= rect.MaxY; y++ {
		next := s.copyRow(y)
		for x := rect.MinX; x <= rect.MaxX; x++ {
			if c, found := byCoord[cell.Coord{X: x, Y: y}]; found {
				next.cells[x] = c
			} else {
				next.cells[x] = cell.Empty
			}
		}
		s.rows[y].Store(next)
	}
	s.writeMu.Unlock()

	if s.cache != nil {
		s.cache.EvictMissing(rect, cells)
		s.cache.PutMany(cells)
	}
	s.metrics.RecordLoad(ctx, "load_range", time.Since(started), telemetry.ResultSuccess)
	s.notify(Change{Kind: ChangeRange, Rect: rect})
	return nil
}

// serveCached fills not-yet-loaded slots of rect from the cache. Slots that
// were already loaded keep their fresher in-memory value.
func (s *Store) serveCached(rect cell.Rect) int {
	if s.cache == nil {
		return 0
	}
	cached := s.cache.GetRange(rect.MinX, rect.MinY, rect.MaxX, rect.MaxY)
	if len(cached) == 0 {
		return 0
	}
	served := 0
	s.writeMu.Lock()
	byRow := make(map[int][]cell.Cell)
	for _, c := range cached {
		byRow[c.Y] = append(byRow[c.Y], c)
	}
	for y, cells := range byRow {
		next := s.copyRow(y)
		changed := false
		for _, c := range cells {
			if next.cells[c.X] != nil {
				continue
			}
			v := c.Clone()
			next.cells[c.X] = &v
			changed = true
			served++
		}
		if changed {
			s.rows[y].Store(next)
		}
	}
	s.writeMu.Unlock()
	if served > 0 {
		s.notify(Change{Kind: ChangeRange, Rect: rect})
	}
	return served
}

// GetCell returns the cell at (x, y), or nil when out of bounds or not loaded.
// A known-empty slot yields an unowned cell.
func (s *Store) GetCell(x, y int) *cell.Cell {
	if !cell.InBounds(x, y) {
		return nil
	}
	return lookup(s.rows[y].Load(), x, y)
}

func lookup(r *row, x, y int) *cell.Cell {
	if r == nil {
		return nil
	}
	p := r.cells[x]
	if p == nil {
		return nil
	}
	if p == cell.Empty {
		v := cell.Unowned(x, y)
		return &v
	}
	v := p.Clone()
	return &v
}

// SetSelected records the selected coordinate. nil clears the selection.
func (s *Store) SetSelected(c *cell.Coord) error {
	if c == nil {
		s.selected.Store(nil)
		s.notify(Change{Kind: ChangeSelection})
		return nil
	}
	if !c.Valid() {
		return errs.New("grid.SetSelected", errs.CodeInvalid,
			errs.WithMessage("selection out of bounds"),
			errs.WithField("coord", c.String()))
	}
	v := *c
	s.selected.Store(&v)
	s.notify(Change{Kind: ChangeSelection, Coord: v})
	return nil
}

// Selected returns the selected coordinate.
func (s *Store) Selected() (cell.Coord, bool) {
	p := s.selected.Load()
	if p == nil {
		return cell.Coord{}, false
	}
	return *p, true
}

// ApplyRemoteChange validates a raw change-feed payload and writes it into the
// grid. Invalid payloads are logged and dropped. Valid events are applied
// unconditionally in arrival order.
func (s *Store) ApplyRemoteChange(raw []byte) bool {
	ctx := context.Background()
	decoded := cell.DecodeChange(raw)
	if !decoded.Accepted() {
		s.logger.Printf("dropped change event: %v", decoded.Err)
		s.metrics.RecordRemoteEvent(ctx, "", telemetry.ResultDropped)
		return false
	}
	evt := decoded.Event
	if evt.EventType == cell.EventDelete {
		s.write(evt.New.Coord(), cell.Empty)
		if s.cache != nil {
			s.cache.Delete(evt.New.X, evt.New.Y)
		}
	} else {
		v := evt.New.Clone()
		s.write(v.Coord(), &v)
		if s.cache != nil {
			s.cache.PutMany([]cell.Cell{v})
		}
	}
	s.metrics.RecordRemoteEvent(ctx, string(evt.EventType), telemetry.ResultApplied)
	s.notify(Change{Kind: ChangeCell, Coord: evt.New.Coord()})
	return true
}

// ApplyLocal performs an optimistic write after a successful commit.
func (s *Store) ApplyLocal(c cell.Cell) error {
	if err := c.Validate(); err != nil {
		return errs.New("grid.ApplyLocal", errs.CodeInvalid, errs.WithCause(err))
	}
	v := c.Clone()
	s.write(v.Coord(), &v)
	if s.cache != nil {
		s.cache.PutMany([]cell.Cell{v})
	}
	s.notify(Change{Kind: ChangeCell, Coord: v.Coord()})
	return nil
}

func (s *Store) write(c cell.Coord, value *cell.Cell) {
	s.writeMu.Lock()
	next := s.copyRow(c.Y)
	next.cells[c.X] = value
	s.rows[c.Y].Store(next)
	s.writeMu.Unlock()
}

// copyRow returns a private copy of row y. Callers must hold writeMu.
func (s *Store) copyRow(y int) *row {
	next := &row{cells: make([]*cell.Cell, cell.GridSize)}
	if current := s.rows[y].Load(); current != nil {
		copy(next.cells, current.cells)
	}
	return next
}

// Snapshot is a consistent view of every row at one instant.
type Snapshot struct {
	rows [cell.GridSize]*row
}

// Snapshot captures the current row references.
func (s *Store) Snapshot() *Snapshot {
	snap := &Snapshot{}
	for y := range s.rows {
		snap.rows[y] = s.rows[y].Load()
	}
	return snap
}

// Cell returns the cell at (x, y) as of the snapshot.
func (snap *Snapshot) Cell(x, y int) *cell.Cell {
	if snap == nil || !cell.InBounds(x, y) {
		return nil
	}
	return lookup(snap.rows[y], x, y)
}

// Loaded counts loaded slots (owned or known-empty) in the snapshot.
func (snap *Snapshot) Loaded() int {
	total := 0
	for _, r := range snap.rows {
		if r == nil {
			continue
		}
		for _, p := range r.cells {
			if p != nil {
				total++
			}
		}
	}
	return total
}

// Subscribe registers a change listener and returns its cancel function.
// Listeners run synchronously on the writing goroutine and must not block.
func (s *Store) Subscribe(fn func(Change)) func() {
	if fn == nil {
		return func() {}
	}
	s.listenersMu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	s.listenersMu.Unlock()
	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

func (s *Store) notify(change Change) {
	s.listenersMu.RLock()
	fns := make([]func(Change), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenersMu.RUnlock()
	for _, fn := range fns {
		fn(change)
	}
}

// Close tears down the realtime subscription and drops all listeners.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.Cleanup()
	s.listenersMu.Lock()
	s.listeners = make(map[uint64]func(Change))
	s.listenersMu.Unlock()
	return nil
}

func networkError(op string, err error) error {
	var e *errs.E
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errs.New(op, errs.CodeNetwork, errs.WithMessage("remote store unavailable"), errs.WithCause(err))
}
