package marketdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecore/tradecore/internal/metrics"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSClientReceivesData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		// wait for the subscribe frame, then serve one ticker
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Contains(t, string(msg), `"XBT/USD"`)

		frame := `[42,{"a":["50100.5","1","1.0"],"b":["50099.1","2","2.0"],"c":["50100.0","0.01"],"v":["120.5","340.2"],"h":["51000","51500"],"l":["49000","48500"]},"ticker","XBT/USD"]`
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))

		// hold the connection open until the client leaves
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	reg := metrics.New()
	client, err := NewVenueClient("kraken", ClientConfig{URL: wsURL(srv), Metrics: reg})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	defer client.Disconnect()

	require.NoError(t, client.Subscribe(DataTicker, "BTC/USD"))

	var gotConnected bool
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-client.Events():
			switch ev.Kind {
			case EventConnected:
				gotConnected = true
			case EventData:
				require.True(t, gotConnected, "data before connected event")
				require.NotNil(t, ev.Data.Ticker)
				assert.Equal(t, "BTC/USD", ev.Data.Pair)
				assert.Equal(t, 50100.0, ev.Data.Ticker.Price)
				assert.GreaterOrEqual(t, testutil.ToFloat64(reg.WSMessages.WithLabelValues("kraken")), 1.0)
				return
			}
		case <-deadline:
			t.Fatal("no data event received")
		}
	}
}

func TestWSClientReconnectsAndResubscribes(t *testing.T) {
	var conns atomic.Int32
	resub := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := conns.Add(1)
		if n == 1 {
			// drop the first connection after the initial subscribe
			conn.ReadMessage()
			conn.Close()
			return
		}
		defer conn.Close()
		if _, msg, err := conn.ReadMessage(); err == nil {
			select {
			case resub <- string(msg):
			default:
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	reg := metrics.New()
	client, err := NewVenueClient("kraken", ClientConfig{
		URL:                  wsURL(srv),
		ReconnectDelay:       10 * time.Millisecond,
		MaxReconnectAttempts: 5,
		Metrics:              reg,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	defer client.Disconnect()

	require.NoError(t, client.Subscribe(DataTicker, "BTC/USD"))

	select {
	case msg := <-resub:
		assert.Contains(t, msg, `"subscribe"`)
		assert.Contains(t, msg, `"XBT/USD"`)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription was not replayed after reconnect")
	}
	assert.GreaterOrEqual(t, conns.Load(), int32(2))
	assert.GreaterOrEqual(t, testutil.ToFloat64(reg.WSReconnects.WithLabelValues("kraken")), 1.0)
}

func TestWSClientHeartbeatConcurrentWithSubscriptions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// keep traffic flowing so the silence watchdog never fires
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			ticker := time.NewTicker(time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case <-ticker.C:
					if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"heartbeat"}`)); err != nil {
						return
					}
				}
			}
		}()

		// swallow subscribe/unsubscribe frames; control frames are handled
		// by the read pump internally
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	client, err := NewVenueClient("kraken", ClientConfig{
		URL:               wsURL(srv),
		HeartbeatInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	defer client.Disconnect()

	// Pings fire on the short heartbeat while subscription writes churn on
	// another goroutine; the race detector flags any unserialized frame
	// writes on the shared connection.
	done := make(chan struct{})
	go func() {
		defer close(done)
		deadline := time.Now().Add(100 * time.Millisecond)
		for time.Now().Before(deadline) {
			require.NoError(t, client.Subscribe(DataTicker, "BTC/USD"))
			require.NoError(t, client.Unsubscribe(DataTicker, "BTC/USD"))
		}
	}()

	select {
	case <-done:
	case <-time.After(4 * time.Second):
		t.Fatal("subscription churn did not finish")
	}
	assert.True(t, client.Status().Connected)
}
