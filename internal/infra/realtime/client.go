package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/coachpo/mosaic/internal/domain/cellstore"
	"github.com/coachpo/mosaic/internal/infra/telemetry"
)

const (
	defaultReadLimit       = 64 << 10
	defaultDialTimeout     = 10 * time.Second
	defaultMaxReconnect    = 30 * time.Second
	defaultSubscriberQueue = 64
)

// ClientOptions configures a Client.
type ClientOptions struct {
	URL          string
	HTTPClient   *http.Client
	DialTimeout  time.Duration
	MaxReconnect time.Duration
	Queue        int
	Logger       *log.Logger
	Metrics      *telemetry.FeedMetrics
}

// Client is a cellstore.Feed backed by the hub's WebSocket endpoint. Each
// subscription keeps one connection alive and redials with backoff.
type Client struct {
	opts   ClientOptions
	logger *log.Logger
}

var _ cellstore.Feed = (*Client)(nil)

// NewClient validates options. URL may use http(s) or ws(s).
func NewClient(opts ClientOptions) (*Client, error) {
	url := strings.TrimSpace(opts.URL)
	switch {
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "ws://"), strings.HasPrefix(url, "wss://"):
	default:
		return nil, fmt.Errorf("realtime: unsupported feed url %q", opts.URL)
	}
	opts.URL = url
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.MaxReconnect <= 0 {
		opts.MaxReconnect = defaultMaxReconnect
	}
	if opts.Queue <= 0 {
		opts.Queue = defaultSubscriberQueue
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Client{opts: opts, logger: logger}, nil
}

// Subscribe dials the feed and returns once the first connection is open.
func (c *Client) Subscribe(ctx context.Context) (cellstore.Subscription, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	subCtx, cancel := context.WithCancel(ctx)
	s := &clientSubscription{
		ch:     make(chan []byte, c.opts.Queue),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(subCtx, c, conn)
	return s, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, c.opts.URL, &websocket.DialOptions{HTTPClient: c.opts.HTTPClient})
	if err != nil {
		c.opts.Metrics.RecordReconnect(ctx, "error")
		return nil, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	c.opts.Metrics.RecordReconnect(ctx, "success")
	conn.SetReadLimit(defaultReadLimit)
	return conn, nil
}

type clientSubscription struct {
	ch        chan []byte
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func (s *clientSubscription) Messages() <-chan []byte { return s.ch }

// Close stops the reconnect loop and closes the message channel.
func (s *clientSubscription) Close() error {
	s.closeOnce.Do(s.cancel)
	<-s.done
	return nil
}

// run owns conn and every redialled connection after it.
func (s *clientSubscription) run(ctx context.Context, c *Client, conn *websocket.Conn) {
	defer close(s.done)
	defer close(s.ch)

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = c.opts.MaxReconnect

	for {
		if conn != nil {
			backoffCfg.Reset()
			err := s.readLoop(ctx, conn)
			_ = conn.Close(websocket.StatusNormalClosure, "")
			conn = nil
			if ctx.Err() != nil {
				return
			}
			c.logger.Printf("realtime client: connection lost: %v", err)
		}

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = c.opts.MaxReconnect
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}

		var err error
		conn, err = c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Printf("realtime client: %v", err)
		}
	}
}

func (s *clientSubscription) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			if status := websocket.CloseStatus(err); status != -1 {
				return fmt.Errorf("remote closed with status %d", status)
			}
			return fmt.Errorf("read: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		select {
		case s.ch <- data:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
