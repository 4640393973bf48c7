package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/mosaic/internal/domain/cellstore"
)

// ChangeChannel is the NOTIFY channel raised by the cells_notify_change trigger.
const ChangeChannel = "cells_changes"

const feedBuffer = 256

// Feed streams cells_changes notifications. Each subscription holds one pooled
// connection in LISTEN mode until closed.
type Feed struct {
	pool   *pgxpool.Pool
	logger *log.Logger
}

var _ cellstore.Feed = (*Feed)(nil)

// NewFeed constructs a Feed over pool.
func NewFeed(pool *pgxpool.Pool, logger *log.Logger) *Feed {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Feed{pool: pool, logger: logger}
}

// Subscribe implements cellstore.Feed. The subscription ends when ctx is
// cancelled, Close is called, or the listening connection fails; in every case
// Messages is closed so the caller can resubscribe.
func (f *Feed) Subscribe(ctx context.Context) (cellstore.Subscription, error) {
	if f.pool == nil {
		return nil, errors.New("cell feed: nil pool")
	}
	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ChangeChannel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", ChangeChannel, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &feedSubscription{
		ch:     make(chan []byte, feedBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go sub.listen(subCtx, conn, f.logger)
	return sub, nil
}

type feedSubscription struct {
	ch        chan []byte
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func (s *feedSubscription) Messages() <-chan []byte { return s.ch }

func (s *feedSubscription) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

func (s *feedSubscription) listen(ctx context.Context, conn *pgxpool.Conn, logger *log.Logger) {
	defer close(s.done)
	defer close(s.ch)
	defer func() {
		raw := conn.Conn()
		if !raw.IsClosed() {
			if _, err := raw.Exec(context.Background(), "UNLISTEN *"); err != nil {
				logger.Printf("unlisten %s: %v", ChangeChannel, err)
			}
		}
		conn.Release()
	}()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Printf("cell feed wait: %v", err)
			}
			return
		}
		if n.Channel != ChangeChannel {
			continue
		}
		select {
		case s.ch <- []byte(n.Payload):
		case <-ctx.Done():
			return
		default:
			logger.Printf("cell feed backlog full; dropped notification from pid %d", n.PID)
		}
	}
}
