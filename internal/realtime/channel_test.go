package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// wsServer is a minimal backend stand-in that hands accepted connections to
// the test so it can emit envelopes or drop the link.
type wsServer struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()

	upgrader := websocket.Upgrader{}
	conns := make(chan *websocket.Conn, 8)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))

	t.Cleanup(srv.Close)
	return &wsServer{srv: srv, conns: conns}
}

func (s *wsServer) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()

	select {
	case conn := <-s.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no websocket connection accepted")
		return nil
	}
}

func newTestChannel(t *testing.T, url string) *Channel {
	t.Helper()

	c := NewChannel(Config{
		URL:        url,
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 50 * time.Millisecond,
	})
	t.Cleanup(c.Disconnect)
	return c
}

func waitFor(t *testing.T, ch <-chan Event) Event {
	t.Helper()

	select {
	case event := <-ch:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestConnectAndDispatch(t *testing.T) {
	server := newWSServer(t)
	channel := newTestChannel(t, server.URL())

	received := make(chan Event, 4)
	channel.Subscribe(EventStockUpdated, func(event Event) {
		received <- event
	})

	channel.Connect(context.Background())
	serverConn := server.accept(t)
	require.Eventually(t, channel.IsConnected, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, serverConn.WriteJSON(map[string]any{
		"event":     EventStockUpdated,
		"data":      map[string]any{"variant_id": "var-1", "branch_id": "cab-1", "stock": 3},
		"timestamp": time.Now().UTC(),
	}))

	event := waitFor(t, received)
	stock, ok := event.(StockUpdated)
	require.True(t, ok)
	require.Equal(t, "var-1", stock.VariantID)
	require.Equal(t, 3, stock.Stock)
}

func TestConnectTwiceKeepsExistingConnection(t *testing.T) {
	server := newWSServer(t)
	channel := newTestChannel(t, server.URL())

	channel.Connect(context.Background())
	server.accept(t)
	require.Eventually(t, channel.IsConnected, 2*time.Second, 10*time.Millisecond)

	channel.Connect(context.Background())

	select {
	case <-server.conns:
		t.Fatal("second Connect must not dial again")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAdoptRefusesSecondConnection(t *testing.T) {
	server := newWSServer(t)
	channel := newTestChannel(t, server.URL())

	lifecycle := make(chan Event, 4)
	channel.Subscribe(EventConnected, func(event Event) { lifecycle <- event })

	received := make(chan Event, 4)
	channel.Subscribe(EventStockUpdated, func(event Event) { received <- event })

	channel.Connect(context.Background())
	first := server.accept(t)
	waitFor(t, lifecycle)

	// A second dial finishing late must lose to the installed connection.
	second, _, err := websocket.DefaultDialer.Dial(server.URL(), nil)
	require.NoError(t, err)
	channel.adopt(context.Background(), second, 1)
	secondServer := server.accept(t)

	select {
	case <-lifecycle:
		t.Fatal("losing connection must not dispatch a connect event")
	case <-time.After(100 * time.Millisecond):
	}

	// No read loop runs on the refused connection.
	_ = secondServer.WriteJSON(map[string]any{
		"event": EventStockUpdated,
		"data":  map[string]any{"variant_id": "var-ghost", "stock": 1},
	})
	select {
	case <-received:
		t.Fatal("refused connection must not deliver events")
	case <-time.After(100 * time.Millisecond):
	}

	// The original connection keeps delivering.
	require.NoError(t, first.WriteJSON(map[string]any{
		"event": EventStockUpdated,
		"data":  map[string]any{"variant_id": "var-1", "stock": 2},
	}))
	event := waitFor(t, received)
	require.Equal(t, "var-1", event.(StockUpdated).VariantID)
	require.True(t, channel.IsConnected())
}

func TestConnectWithoutEndpointIsNoOp(t *testing.T) {
	channel := NewChannel(Config{})
	t.Cleanup(channel.Disconnect)

	channel.Connect(context.Background())
	require.False(t, channel.IsConnected())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	server := newWSServer(t)
	channel := newTestChannel(t, server.URL())

	received := make(chan Event, 4)
	unsubscribe := channel.Subscribe(EventStockUpdated, func(event Event) {
		received <- event
	})

	sibling := make(chan Event, 4)
	channel.Subscribe(EventStockUpdated, func(event Event) {
		sibling <- event
	})

	channel.Connect(context.Background())
	serverConn := server.accept(t)

	emit := func() {
		require.NoError(t, serverConn.WriteJSON(map[string]any{
			"event": EventStockUpdated,
			"data":  map[string]any{"variant_id": "var-1", "stock": 1},
		}))
	}

	emit()
	waitFor(t, received)
	waitFor(t, sibling)

	unsubscribe()
	unsubscribe() // calling twice is harmless

	emit()
	waitFor(t, sibling) // sibling keeps receiving

	select {
	case <-received:
		t.Fatal("unsubscribed handler must not be invoked")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPanickingSubscriberDoesNotAffectSiblings(t *testing.T) {
	server := newWSServer(t)
	channel := newTestChannel(t, server.URL())

	channel.Subscribe(EventSyncTrigger, func(Event) {
		panic("subscriber bug")
	})

	survived := make(chan Event, 2)
	channel.Subscribe(EventSyncTrigger, func(event Event) {
		survived <- event
	})

	channel.Connect(context.Background())
	serverConn := server.accept(t)

	require.NoError(t, serverConn.WriteJSON(map[string]any{
		"event":    EventSyncTrigger,
		"syncType": SyncAll,
	}))

	event := waitFor(t, survived)
	trigger, ok := event.(SyncTrigger)
	require.True(t, ok)
	require.Equal(t, SyncAll, trigger.SyncType)

	// The connection survives the panic too.
	require.NoError(t, serverConn.WriteJSON(map[string]any{
		"event":    EventSyncTrigger,
		"syncType": SyncProducts,
	}))
	waitFor(t, survived)
}

func TestReconnectAfterDrop(t *testing.T) {
	server := newWSServer(t)
	channel := newTestChannel(t, server.URL())

	lifecycle := make(chan Event, 8)
	channel.Subscribe(EventConnected, func(event Event) { lifecycle <- event })
	channel.Subscribe(EventDisconnected, func(event Event) { lifecycle <- event })

	channel.Connect(context.Background())
	first := server.accept(t)

	connected := waitFor(t, lifecycle)
	require.IsType(t, Connected{}, connected)
	require.Zero(t, connected.(Connected).Attempt)

	// Drop the link from the server side.
	require.NoError(t, first.Close())

	disconnected := waitFor(t, lifecycle)
	require.IsType(t, Disconnected{}, disconnected)

	second := server.accept(t)
	reconnected := waitFor(t, lifecycle)
	require.IsType(t, Connected{}, reconnected)
	require.Positive(t, reconnected.(Connected).Attempt)
	require.Eventually(t, channel.IsConnected, 2*time.Second, 10*time.Millisecond)

	// Events flow again on the new connection.
	received := make(chan Event, 2)
	channel.Subscribe(EventProductDeleted, func(event Event) { received <- event })
	require.NoError(t, second.WriteJSON(map[string]any{
		"event": EventProductDeleted,
		"data":  map[string]any{"id": "prod-9"},
	}))
	event := waitFor(t, received)
	require.Equal(t, "prod-9", event.(ProductDeleted).ProductID)
}

func TestGiveUpAfterMaxAttempts(t *testing.T) {
	// Dial a port nobody listens on.
	channel := NewChannel(Config{
		URL:         "ws://127.0.0.1:1/ws",
		MaxAttempts: 2,
		MinBackoff:  time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	})
	t.Cleanup(channel.Disconnect)

	channel.Connect(context.Background())

	time.Sleep(200 * time.Millisecond)
	require.False(t, channel.IsConnected())
}

func TestDisconnectClearsSubscriptions(t *testing.T) {
	server := newWSServer(t)
	channel := newTestChannel(t, server.URL())

	received := make(chan Event, 2)
	channel.Subscribe(EventStockUpdated, func(event Event) { received <- event })

	channel.Connect(context.Background())
	server.accept(t)
	require.Eventually(t, channel.IsConnected, 2*time.Second, 10*time.Millisecond)

	channel.Disconnect()
	require.False(t, channel.IsConnected())

	// Dispatch after disconnect reaches nobody.
	channel.dispatch(StockUpdated{VariantID: "var-1"})
	select {
	case <-received:
		t.Fatal("subscription survived Disconnect")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBackoffIsBounded(t *testing.T) {
	channel := NewChannel(Config{URL: "ws://example/ws"})
	t.Cleanup(channel.Disconnect)

	require.Equal(t, time.Second, channel.backoff(1))
	require.Equal(t, 2*time.Second, channel.backoff(2))
	require.Equal(t, 4*time.Second, channel.backoff(3))
	require.Equal(t, 5*time.Second, channel.backoff(4))
	require.Equal(t, 5*time.Second, channel.backoff(10))
}
