package stream

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kaonis/woly-server/internal/bus"
	"github.com/kaonis/woly-server/internal/config"
	"github.com/kaonis/woly-server/internal/wolerr"
)

func allowAll(r *http.Request) (*AuthContext, error) {
	return &AuthContext{Subject: "operator-1", Roles: []string{RoleOperator}}, nil
}

func newTestBroker(t *testing.T, auth AuthFunc) (*Broker, *bus.Bus, string) {
	t.Helper()
	cfg := &config.Config{WsMaxConnectionsPerIP: 10}
	b := bus.New()
	br := New(zerolog.Nop(), cfg, b, auth)
	t.Cleanup(br.Shutdown)

	srv := httptest.NewServer(http.HandlerFunc(br.HandleUpgrade))
	t.Cleanup(srv.Close)
	return br, b, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

type frame struct {
	Type      string          `json:"type"`
	Changed   bool            `json:"changed"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

func readFrame(t *testing.T, ws *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func TestSubscriberGreetingAndBroadcast(t *testing.T) {
	br, b, url := newTestBroker(t, allowAll)
	ws := dial(t, url)

	greeting := readFrame(t, ws)
	require.Equal(t, "connected", greeting.Type)
	require.False(t, greeting.Changed)

	// Non-mutating events are not streamed; the next frame the client
	// sees is the host update.
	b.Publish(bus.EventNodeConnected, map[string]string{"nodeId": "node1"})
	b.Publish(bus.EventHostUpdated, map[string]string{"fqn": "nas@office-node1"})

	f := readFrame(t, ws)
	require.Equal(t, bus.EventHostUpdated, f.Type)
	require.True(t, f.Changed)
	require.Contains(t, string(f.Payload), "nas@office-node1")

	stats := br.Stats()
	require.Equal(t, 1, stats.ActiveClients)
	require.EqualValues(t, 1, stats.TotalConnections)
	require.EqualValues(t, 1, stats.Events.Broadcast)
}

func TestSubscriberAuthRefusals(t *testing.T) {
	deny := func(r *http.Request) (*AuthContext, error) {
		return nil, wolerr.New(wolerr.KindUnauthorized, "bad token")
	}
	_, _, url := newTestBroker(t, deny)
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Authenticated but without a granting role.
	viewer := func(r *http.Request) (*AuthContext, error) {
		return &AuthContext{Subject: "viewer-1", Roles: []string{"viewer"}}, nil
	}
	_, _, url = newTestBroker(t, viewer)
	_, resp, err = websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSubscriberPerIPCap(t *testing.T) {
	cfg := &config.Config{WsMaxConnectionsPerIP: 1}
	b := bus.New()
	br := New(zerolog.Nop(), cfg, b, allowAll)
	t.Cleanup(br.Shutdown)
	srv := httptest.NewServer(http.HandlerFunc(br.HandleUpgrade))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	ws := dial(t, url)
	readFrame(t, ws)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// Closing the first connection frees the slot.
	require.NoError(t, ws.Close())
	deadline := time.Now().Add(2 * time.Second)
	for br.Stats().ActiveClients > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	ws2 := dial(t, url)
	readFrame(t, ws2)
}

func TestDroppedWithNoSubscribers(t *testing.T) {
	br, b, _ := newTestBroker(t, allowAll)
	b.Publish(bus.EventHostUpdated, nil)
	require.EqualValues(t, 1, br.Stats().Events.DroppedNoSubscribers)
}

func TestShutdownClosesSubscribers(t *testing.T) {
	br, _, url := newTestBroker(t, allowAll)
	ws := dial(t, url)
	readFrame(t, ws)

	br.Shutdown()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	require.Equal(t, "Server shutdown", closeErr.Text)

	// New upgrades are refused while shutting down.
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
