package grid

import (
	"context"

	"github.com/coachpo/mosaic/errs"
	"github.com/coachpo/mosaic/internal/domain/cellstore"
)

type subscription struct {
	feed   cellstore.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// SetupRealtimeSubscription opens the live change channel, tearing down any
// existing one first so that at most one channel is ever open.
func (s *Store) SetupRealtimeSubscription(ctx context.Context) error {
	const op = "grid.SetupRealtimeSubscription"
	if s.feed == nil {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("no change feed configured"))
	}
	if s.closed.Load() {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("grid store closed"))
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.teardownLocked()

	subCtx, cancel := context.WithCancel(ctx)
	feedSub, err := s.feed.Subscribe(subCtx)
	if err != nil {
		cancel()
		return errs.Normalize(op, networkError(op, err))
	}
	sub := &subscription{feed: feedSub, cancel: cancel, done: make(chan struct{})}
	s.sub = sub
	go s.consume(subCtx, sub)
	return nil
}

func (s *Store) consume(ctx context.Context, sub *subscription) {
	defer close(sub.done)
	messages := sub.feed.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-messages:
			if !ok {
				s.logger.Printf("change feed closed")
				return
			}
			s.ApplyRemoteChange(raw)
		}
	}
}

// Cleanup tears down the realtime channel. It is safe to call repeatedly.
func (s *Store) Cleanup() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.teardownLocked()
}

// Subscribed reports whether a realtime channel is open.
func (s *Store) Subscribed() bool {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return s.sub != nil
}

func (s *Store) teardownLocked() {
	if s.sub == nil {
		return
	}
	sub := s.sub
	s.sub = nil
	sub.cancel()
	if err := sub.feed.Close(); err != nil {
		s.logger.Printf("close change feed: %v", err)
	}
	<-sub.done
}
