package realtime

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/mosaic/internal/domain/cell"
	"github.com/coachpo/mosaic/internal/domain/cellstore/memory"
)

func startHub(t *testing.T, source *memory.Store) (*Hub, *httptest.Server) {
	t.Helper()
	hub, err := NewHub(HubOptions{Source: source})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Run(ctx)
	}()
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	require.Eventually(t, func() bool { return source.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)
	return hub, srv
}

func TestClientReceivesCommittedCells(t *testing.T) {
	source := memory.NewStore()
	hub, srv := startHub(t, source)

	client, err := NewClient(ClientOptions{URL: srv.URL})
	require.NoError(t, err)
	sub, err := client.Subscribe(context.Background())
	require.NoError(t, err)
	defer func() { require.NoError(t, sub.Close()) }()
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err = source.Commit(context.Background(), cell.Cell{X: 3, Y: 4, Owner: "alice"})
	require.NoError(t, err)

	select {
	case raw := <-sub.Messages():
		decoded := cell.DecodeChange(raw)
		require.True(t, decoded.Accepted())
		require.Equal(t, cell.EventInsert, decoded.Event.EventType)
		require.Equal(t, "alice", decoded.Event.New.Owner)
	case <-time.After(2 * time.Second):
		t.Fatal("no change event received")
	}
}

func TestCloseEndsSubscription(t *testing.T) {
	source := memory.NewStore()
	hub, srv := startHub(t, source)

	client, err := NewClient(ClientOptions{URL: srv.URL})
	require.NoError(t, err)
	sub, err := client.Subscribe(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, sub.Close())
	_, open := <-sub.Messages()
	require.False(t, open)
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, sub.Close())
}

func TestBroadcastDropsSlowClients(t *testing.T) {
	hub, err := NewHub(HubOptions{Source: memory.NewStore(), ClientQueue: 1})
	require.NoError(t, err)

	fast := &hubClient{queue: make(chan []byte, 4), cancel: func() {}}
	dropped := false
	slow := &hubClient{queue: make(chan []byte, 1), cancel: func() { dropped = true }}
	hub.register(fast)
	hub.register(slow)

	require.Equal(t, 2, hub.Broadcast(context.Background(), []byte("a")))
	require.Equal(t, 1, hub.Broadcast(context.Background(), []byte("b")))
	require.True(t, dropped)
	require.Len(t, fast.queue, 2)
}

func TestSubscribeFailsWhenUnreachable(t *testing.T) {
	client, err := NewClient(ClientOptions{URL: "http://127.0.0.1:1/cells/feed", DialTimeout: 200 * time.Millisecond})
	require.NoError(t, err)
	_, err = client.Subscribe(context.Background())
	require.Error(t, err)

	_, err = NewClient(ClientOptions{URL: "ftp://example"})
	require.Error(t, err)
}
