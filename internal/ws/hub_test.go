package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubBroadcastsToClients(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Broadcast(Message{Type: TypePriceUpdate, MarketID: "m1", Prices: map[string]float64{"Yes": 0.6, "No": 0.4}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got Message
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, TypePriceUpdate, got.Type)
	assert.Equal(t, "m1", got.MarketID)
	assert.InDelta(t, 0.6, got.Prices["Yes"], 1e-12)
	assert.Empty(t, got.RunID)
}

func TestHubDropsClientOnDisconnect(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestBroadcastOnNilHubIsNoop(t *testing.T) {
	var hub *Hub
	assert.NotPanics(t, func() { hub.Broadcast(Message{Type: TypeRunUpdate}) })
}

func TestBroadcastNeverBlocks(t *testing.T) {
	hub := NewHub(nil)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.Broadcast(Message{Type: TypeRunUpdate, RunID: "r"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked without a running hub")
	}
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+query, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubFiltersByMarketAndWorkspace(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	market := dial(t, srv, "?market_id=m1")
	runs := dial(t, srv, "?workspace_id=w1")
	require.Eventually(t, func() bool { return hub.Clients() == 2 }, 2*time.Second, 10*time.Millisecond)

	hub.Broadcast(Message{Type: TypePriceUpdate, MarketID: "m2"})
	hub.Broadcast(Message{Type: TypeRunUpdate, WorkspaceID: "w2", RunID: "r0"})
	hub.Broadcast(Message{Type: TypePriceUpdate, MarketID: "m1"})
	hub.Broadcast(Message{Type: TypeRunUpdate, WorkspaceID: "w1", RunID: "r1"})

	read := func(conn *websocket.Conn) Message {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var m Message
		require.NoError(t, json.Unmarshal(data, &m))
		return m
	}
	assert.Equal(t, "m1", read(market).MarketID)
	assert.Equal(t, "r1", read(runs).RunID)
}

func TestFilterMatches(t *testing.T) {
	price := Message{Type: TypePriceUpdate, MarketID: "m1"}
	run := Message{Type: TypeRunUpdate, WorkspaceID: "w1"}

	assert.True(t, Filter{}.Matches(price))
	assert.True(t, Filter{}.Matches(run))
	assert.True(t, Filter{MarketID: "m1"}.Matches(price))
	assert.False(t, Filter{MarketID: "m1"}.Matches(run))
	assert.True(t, Filter{MarketID: "m1", WorkspaceID: "w1"}.Matches(run))
	assert.False(t, Filter{WorkspaceID: "w2"}.Matches(run))
}

func TestHandleWSAfterShutdown(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
