// Package memory provides an in-process implementation of the cellstore contracts.
package memory

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/coachpo/mosaic/internal/domain/cell"
	"github.com/coachpo/mosaic/internal/domain/cellstore"
)

const subscriberBuffer = 64

// Store keeps cells in a map and fans change events out to subscribers.
type Store struct {
	mu          sync.RWMutex
	cells       map[cell.Coord]cell.Cell
	subscribers map[*subscription]struct{}
	now         func() time.Time
	logger      *log.Logger
}

// NewStore constructs an empty memory store.
func NewStore() *Store {
	return &Store{
		cells:       make(map[cell.Coord]cell.Cell),
		subscribers: make(map[*subscription]struct{}),
		now:         time.Now,
		logger:      log.New(log.Writer(), "cellstore/memory ", log.LstdFlags),
	}
}

// SetClock overrides the timestamp source.
func (s *Store) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Range implements cellstore.Reader.
func (s *Store) Range(ctx context.Context, rect cell.Rect) ([]cell.Cell, error) {
	if err := ctxErr(ctx, "range"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]cell.Cell, 0)
	for coord, c := range s.cells {
		if rect.Contains(coord.X, coord.Y) {
			out = append(out, c.Clone())
		}
	}
	sortCells(out)
	return out, nil
}

// Get implements cellstore.Reader.
func (s *Store) Get(ctx context.Context, c cell.Coord) (cell.Cell, error) {
	if err := ctxErr(ctx, "get"); err != nil {
		return cell.Cell{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.cells[c]
	if !ok {
		return cell.Cell{}, cellstore.ErrNotFound
	}
	return stored.Clone(), nil
}

// Latest implements cellstore.Reader.
func (s *Store) Latest(ctx context.Context) (cell.Cell, bool, error) {
	if err := ctxErr(ctx, "latest"); err != nil {
		return cell.Cell{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		latest cell.Cell
		found  bool
	)
	for _, c := range s.cells {
		if !found || c.UpdatedAt.After(latest.UpdatedAt) {
			latest = c
			found = true
		}
	}
	return latest.Clone(), found, nil
}

// OwnedIn implements cellstore.Reader.
func (s *Store) OwnedIn(ctx context.Context, rect cell.Rect) ([]cell.Coord, error) {
	if err := ctxErr(ctx, "owned"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]cell.Coord, 0)
	for coord, c := range s.cells {
		if c.Owned() && rect.Contains(coord.X, coord.Y) {
			out = append(out, coord)
		}
	}
	return out, nil
}

// Commit implements cellstore.Writer.
func (s *Store) Commit(ctx context.Context, c cell.Cell) (cell.Cell, error) {
	if err := ctxErr(ctx, "commit"); err != nil {
		return cell.Cell{}, err
	}
	if err := c.Validate(); err != nil {
		return cell.Cell{}, fmt.Errorf("memory store commit: %w", err)
	}
	s.mu.Lock()
	existing, exists := s.cells[c.Coord()]
	if exists && existing.Owned() && existing.Owner != c.Owner {
		s.mu.Unlock()
		return cell.Cell{}, cellstore.ErrConflict
	}
	stored := c.Clone()
	stored.UpdatedAt = s.now().UTC()
	s.cells[c.Coord()] = stored
	eventType := cell.EventInsert
	if exists {
		eventType = cell.EventUpdate
	}
	subs := make([]*subscription, 0, len(s.subscribers))
	for sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	s.publish(subs, cell.ChangeEvent{EventType: eventType, New: stored})
	return stored.Clone(), nil
}

// Delete removes a cell; administrative only.
func (s *Store) Delete(ctx context.Context, c cell.Coord) error {
	if err := ctxErr(ctx, "delete"); err != nil {
		return err
	}
	s.mu.Lock()
	existing, ok := s.cells[c]
	delete(s.cells, c)
	subs := make([]*subscription, 0, len(s.subscribers))
	for sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	if ok {
		s.publish(subs, cell.ChangeEvent{EventType: cell.EventDelete, New: existing})
	}
	return nil
}

// Subscribe implements cellstore.Feed.
func (s *Store) Subscribe(ctx context.Context) (cellstore.Subscription, error) {
	if err := ctxErr(ctx, "subscribe"); err != nil {
		return nil, err
	}
	sub := &subscription{ch: make(chan []byte, subscriberBuffer), store: s}
	s.mu.Lock()
	s.subscribers[sub] = struct{}{}
	s.mu.Unlock()
	return sub, nil
}

// Subscribers reports the number of open subscriptions.
func (s *Store) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

// Publish pushes a raw payload to every subscriber, bypassing validation.
// Used to simulate remote writers and malformed feed traffic.
func (s *Store) Publish(raw []byte) {
	s.mu.RLock()
	subs := make([]*subscription, 0, len(s.subscribers))
	for sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.RUnlock()
	for _, sub := range subs {
		sub.deliver(raw)
	}
}

func (s *Store) publish(subs []*subscription, evt cell.ChangeEvent) {
	if len(subs) == 0 {
		return
	}
	raw, err := evt.Encode()
	if err != nil {
		s.logger.Printf("encode change event: %v", err)
		return
	}
	for _, sub := range subs {
		if !sub.deliver(raw) {
			s.logger.Printf("subscriber backlog full; dropped %s event for %s", evt.EventType, evt.New.Coord())
		}
	}
}

type subscription struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
	store  *Store
}

func (s *subscription) Messages() <-chan []byte { return s.ch }

func (s *subscription) deliver(raw []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- raw:
		return true
	default:
		return false
	}
}

func (s *subscription) Close() error {
	s.store.mu.Lock()
	delete(s.store.subscribers, s)
	s.store.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

func sortCells(cells []cell.Cell) {
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].Y != cells[j].Y {
			return cells[i].Y < cells[j].Y
		}
		return cells[i].X < cells[j].X
	})
}

func ctxErr(ctx context.Context, op string) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("memory store %s context: %w", op, ctx.Err())
	default:
		return nil
	}
}
