package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coachpo/mosaic/internal/cache"
	"github.com/coachpo/mosaic/internal/grid"
	"github.com/coachpo/mosaic/internal/infra/cellapi"
	"github.com/coachpo/mosaic/internal/infra/realtime"
	"github.com/coachpo/mosaic/internal/retry"
)

// session holds the client-side state shared by commands: the local cache,
// the remote cells API and the grid store fed by both.
type session struct {
	http  *http.Client
	cache *cache.Cache
	cells *cellapi.Client
	grid  *grid.Store
}

// openSession wires the grid store. live additionally attaches the daemon's
// change feed so remote claims land in the store while a command runs.
func openSession(ctx context.Context, m *metadata, live bool) (*session, error) {
	cfg := m.config
	httpClient := &http.Client{Timeout: cfg.Claim.UploadTimeout}

	cells, err := cellapi.NewClient(m.daemon, httpClient)
	if err != nil {
		return nil, err
	}

	local, err := cache.Open(cfg.Cache.Path, cache.Options{HotTTL: cfg.Cache.HotTTL, Logger: m.logger})
	if err != nil {
		m.logger.Printf("cache unavailable, continuing without it: %v", err)
		local, err = cache.OpenMemory(cache.Options{HotTTL: cfg.Cache.HotTTL, Logger: m.logger})
		if err != nil {
			return nil, err
		}
	}

	opts := grid.Options{
		Reader:          cells,
		Cache:           local,
		LoadPolicy:      gridPolicy(cfg.Grid.LoadAttempts, cfg.Grid.LoadBackoff, retry.LoadRange()),
		QueryPolicy:     gridPolicy(cfg.Grid.QueryAttempts, cfg.Grid.QueryBackoff, retry.Network()),
		MaxSearchRadius: cfg.Grid.MaxSearchRadius,
		Logger:          m.logger,
	}
	if live {
		feed, err := realtime.NewClient(realtime.ClientOptions{
			URL:    m.daemon + "/cells/feed",
			Queue:  cfg.Realtime.ClientQueue,
			Logger: m.logger,
		})
		if err != nil {
			_ = local.Close()
			return nil, err
		}
		opts.Feed = feed
	}

	store, err := grid.New(opts)
	if err != nil {
		_ = local.Close()
		return nil, err
	}
	s := &session{http: httpClient, cache: local, cells: cells, grid: store}
	if live {
		if err := store.SetupRealtimeSubscription(ctx); err != nil {
			// Claims proceed without live updates; commit still rejects a taken cell.
			m.logger.Printf("change feed unavailable: %v", err)
		}
	}
	return s, nil
}

func gridPolicy(attempts int, initial time.Duration, fallback retry.Policy) retry.Policy {
	if attempts <= 0 {
		return fallback
	}
	p := fallback
	p.Attempts = attempts
	if initial > 0 {
		p.Initial = initial
		p.Max = 4 * initial
	}
	return p
}

func (s *session) Close() error {
	return errors.Join(s.grid.Close(), s.cache.Close())
}
