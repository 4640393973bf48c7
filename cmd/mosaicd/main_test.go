package main

import (
	"bytes"
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/mosaic/internal/infra/config"
)

func TestOriginPatterns(t *testing.T) {
	got := originPatterns([]string{"https://app.example", "*.example.org", "http://localhost:3000"})
	require.Equal(t, []string{"app.example", "*.example.org", "localhost:3000"}, got)
}

func TestResolveConfigPath(t *testing.T) {
	require.Equal(t, "config/mosaicd.yaml", resolveConfigPath(""))
	require.Equal(t, "custom.yaml", resolveConfigPath("custom.yaml"))
}

func TestOpenBackendUsesMemoryStoreWithoutDSN(t *testing.T) {
	var buf bytes.Buffer
	b, err := openBackend(context.Background(), log.New(&buf, "", 0), config.DatabaseConfig{})
	require.NoError(t, err)
	require.NotNil(t, b.cells)
	require.NotNil(t, b.feed)
	require.Nil(t, b.ping)
	require.NoError(t, b.close(context.Background()))
	require.Contains(t, buf.String(), "in-memory")
}

func TestBuildMintHandlerRequiresUpstreamInProd(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	cfg := config.Default()
	cfg.Environment = config.EnvProd
	_, err := buildMintHandler(logger, cfg)
	require.Error(t, err)

	cfg.Mint.Upstream = "https://minter.internal/mint"
	h, err := buildMintHandler(logger, cfg)
	require.NoError(t, err)
	require.NotNil(t, h)
}

func TestGracefulShutdownRunsSteps(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)

	srv := httptest.NewUnstartedServer(http.NotFoundHandler())
	srv.Start()
	defer srv.Close()

	var lifecycle conc.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())
	lifecycle.Go(func() { <-ctx.Done() })

	var closed atomic.Bool
	performGracefulShutdown(context.Background(), logger, gracefulShutdownConfig{
		server:     srv.Config,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		store: func(context.Context) error {
			closed.Store(true)
			return nil
		},
	})
	require.True(t, closed.Load())
	require.True(t, strings.Contains(buf.String(), "shutdown: waiting for lifecycle goroutines completed"))
	require.Eventually(t, func() bool { return ctx.Err() != nil }, time.Second, 10*time.Millisecond)
}
