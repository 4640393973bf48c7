// Package realtime fans cell change events out to WebSocket clients and
// provides the client side of that feed.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/sourcegraph/conc"
	concpool "github.com/sourcegraph/conc/pool"

	"github.com/coachpo/mosaic/internal/domain/cellstore"
	"github.com/coachpo/mosaic/internal/infra/telemetry"
)

const (
	defaultClientQueue     = 64
	defaultFanoutWorkers   = 8
	defaultWriteTimeout    = 5 * time.Second
	defaultPingInterval    = 30 * time.Second
	maxResubscribeInterval = 30 * time.Second
)

// HubOptions configures a Hub.
type HubOptions struct {
	Source         cellstore.Feed
	ClientQueue    int
	FanoutWorkers  int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	OriginPatterns []string
	Logger         *log.Logger
	Metrics        *telemetry.FeedMetrics
}

// Hub relays every message of a source feed to connected WebSocket clients.
// Clients whose queue is full are disconnected rather than slowing the rest.
type Hub struct {
	opts   HubOptions
	logger *log.Logger

	mu      sync.RWMutex
	clients map[*hubClient]struct{}
}

type hubClient struct {
	queue     chan []byte
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (c *hubClient) drop() {
	c.closeOnce.Do(c.cancel)
}

// NewHub validates options and applies defaults.
func NewHub(opts HubOptions) (*Hub, error) {
	if opts.Source == nil {
		return nil, errors.New("realtime: source feed required")
	}
	if opts.ClientQueue <= 0 {
		opts.ClientQueue = defaultClientQueue
	}
	if opts.FanoutWorkers <= 0 {
		opts.FanoutWorkers = defaultFanoutWorkers
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Hub{opts: opts, logger: logger, clients: make(map[*hubClient]struct{})}, nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Run relays source messages until ctx ends, resubscribing with backoff when
// the source channel closes or cannot be opened.
func (h *Hub) Run(ctx context.Context) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxResubscribeInterval

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		sub, err := h.opts.Source.Subscribe(ctx)
		if err != nil {
			h.opts.Metrics.RecordReconnect(ctx, "error")
			h.logger.Printf("realtime hub: subscribe source: %v", err)
		} else {
			h.opts.Metrics.RecordReconnect(ctx, "success")
			backoffCfg.Reset()
			h.relay(ctx, sub)
			if cerr := sub.Close(); cerr != nil {
				h.logger.Printf("realtime hub: close source: %v", cerr)
			}
		}

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxResubscribeInterval
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func (h *Hub) relay(ctx context.Context, sub cellstore.Subscription) {
	messages := sub.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-messages:
			if !ok {
				h.logger.Printf("realtime hub: source closed")
				return
			}
			h.Broadcast(ctx, raw)
		}
	}
}

// Broadcast queues raw for every client and returns the number it reached.
func (h *Hub) Broadcast(ctx context.Context, raw []byte) int {
	h.mu.RLock()
	clients := make([]*hubClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	if len(clients) == 0 {
		return 0
	}

	var (
		mu      sync.Mutex
		reached int
	)
	p := concpool.New().WithMaxGoroutines(h.opts.FanoutWorkers)
	for _, c := range clients {
		client := c
		p.Go(func() {
			select {
			case client.queue <- raw:
				h.opts.Metrics.RecordBroadcast(ctx, telemetry.ResultSuccess)
				mu.Lock()
				reached++
				mu.Unlock()
			default:
				h.opts.Metrics.RecordBroadcast(ctx, telemetry.ResultDropped)
				h.logger.Printf("realtime hub: client queue full, disconnecting")
				client.drop()
			}
		})
	}
	p.Wait()
	return reached
}

// ServeHTTP upgrades the request and streams change events until the client
// disconnects or falls behind.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.opts.OriginPatterns})
	if err != nil {
		h.logger.Printf("realtime hub: accept: %v", err)
		return
	}
	defer func() {
		_ = conn.CloseNow()
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	ctx = conn.CloseRead(ctx)

	client := &hubClient{queue: make(chan []byte, h.opts.ClientQueue), cancel: cancel}
	h.register(client)
	defer h.unregister(client)

	var wg conc.WaitGroup
	wg.Go(func() {
		if err := h.pingLoop(ctx, conn); err != nil && ctx.Err() == nil {
			h.logger.Printf("realtime hub: %v", err)
			client.drop()
		}
	})
	err = h.writeLoop(ctx, conn, client)
	client.drop()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		_ = conn.Close(websocket.StatusPolicyViolation, "write failed")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) writeLoop(ctx context.Context, conn *websocket.Conn, client *hubClient) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw := <-client.queue:
			writeCtx, cancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, raw)
			cancel()
			if err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
	}
}

func (h *Hub) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func (h *Hub) register(c *hubClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.opts.Metrics.AdjustConnections(context.Background(), 1)
}

func (h *Hub) unregister(c *hubClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	h.opts.Metrics.AdjustConnections(context.Background(), -1)
}
