package api

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"towerintel/internal/bridge"
	"towerintel/internal/config"
)

func (h *harness) dial(t *testing.T, path string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + path
	c, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if c != nil {
		t.Cleanup(func() { _ = c.Close() })
	}
	return c, resp, err
}

func readFrame(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	var v map[string]any
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func writeFrame(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, b))
}

func closeCode(t *testing.T, c *websocket.Conn) int {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := c.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	return ce.Code
}

func TestWSRejectsBadToken(t *testing.T) {
	h := newHarness(t, nil)

	c, _, err := h.dial(t, "/ws/tower-feed")
	require.NoError(t, err)
	assert.Equal(t, websocket.ClosePolicyViolation, closeCode(t, c))

	c, _, err = h.dial(t, "/ws/floor-pulse/9?token=garbage")
	require.NoError(t, err)
	assert.Equal(t, websocket.ClosePolicyViolation, closeCode(t, c))
	assert.Equal(t, 0, h.hub.Stats().Connections)
}

func TestWSRejectsInvalidFloor(t *testing.T) {
	h := newHarness(t, nil)
	tok := h.token(t, "u1", "user")
	for _, floor := range []string{"3", "x"} {
		c, _, err := h.dial(t, "/ws/floor-pulse/"+floor+"?token="+tok)
		require.NoError(t, err)
		assert.Equal(t, websocket.CloseUnsupportedData, closeCode(t, c), floor)
	}
}

func TestWSTowerFeedProtocol(t *testing.T) {
	h := newHarness(t, nil)
	c, _, err := h.dial(t, "/ws/tower-feed?token="+h.token(t, "alice", "user"))
	require.NoError(t, err)

	hello := readFrame(t, c)
	assert.Equal(t, "connected", hello["type"])
	assert.Equal(t, "tower-ai-feed", hello["channel"])
	assert.Equal(t, "alice", hello["user"])
	assert.Equal(t, "Connected to Frontier Tower AI Feed", hello["message"])
	assert.NotContains(t, hello, "floor")

	writeFrame(t, c, map[string]string{"type": "ping"})
	assert.Equal(t, "pong", readFrame(t, c)["type"])

	writeFrame(t, c, map[string]string{"type": "subscribe", "channel": "floor-pulse-9"})
	sub := readFrame(t, c)
	assert.Equal(t, "subscribed", sub["type"])
	assert.Equal(t, "floor-pulse-9", sub["channel"])

	writeFrame(t, c, map[string]string{"type": "subscribe", "channel": "floor-pulse-3"})
	rej := readFrame(t, c)
	assert.Equal(t, "error", rej["type"])
	assert.Equal(t, "floor-pulse-3", rej["channel"])

	// still open and receiving after a rejection
	payload := []byte(`{"type":"floor_pulse","floor":9,"data":[],"timestamp":"2026-03-01T12:00:00Z"}`)
	assert.Equal(t, 1, h.hub.Broadcast(context.Background(), "floor-pulse-9", payload))
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, got, err := c.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	st := h.hub.Stats()
	assert.Equal(t, 1, st.Connections)
	assert.Equal(t, 1, st.Channels["tower-ai-feed"])
	assert.Equal(t, 1, st.Channels["floor-pulse-9"])
}

func TestWSDisconnectCleansUp(t *testing.T) {
	h := newHarness(t, nil)
	c, _, err := h.dial(t, "/ws/floor-pulse/2?token="+h.token(t, "u1", "user"))
	require.NoError(t, err)
	readFrame(t, c)
	require.Equal(t, 1, h.hub.Stats().Channels["floor-pulse-2"])

	_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = c.Close()
	require.Eventually(t, func() bool { return h.hub.Stats().Connections == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, h.hub.Broadcast(context.Background(), "floor-pulse-2", []byte(`{}`)))
}

func TestWSConnectionCapPerAddress(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.WS.MaxConnectionsPerIP = 1 })
	tok := h.token(t, "u1", "user")

	c, _, err := h.dial(t, "/ws/tower-feed?token="+tok)
	require.NoError(t, err)
	readFrame(t, c)

	_, resp, err := h.dial(t, "/ws/tower-feed?token="+tok)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestWSDisabledFeature(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Features.WebSocket = false })
	_, resp, err := h.dial(t, "/ws/tower-feed?token="+h.token(t, "u1", "user"))
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// A pulse query publishes to the bus; the bridge relays it to the floor's
// subscribers.
func TestFloorPulseReachesSubscriberThroughBridge(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bridge.New(h.bus, h.hub, bridge.Config{Channels: h.cfg.Bridge.Channels}).Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, func() bool { return h.bus.Subscribers("floor-pulse-9") > 0 }, 2*time.Second, 10*time.Millisecond)

	c, _, err := h.dial(t, "/ws/floor-pulse/9?token="+h.token(t, "u1", "user"))
	require.NoError(t, err)
	hello := readFrame(t, c)
	assert.Equal(t, 9.0, hello["floor"])
	assert.Equal(t, "Connected to Floor 9 Pulse Feed", hello["message"])

	resp := h.do(t, http.MethodGet, "/api/floors/9/pulse", h.token(t, "u1", "user"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	evt := readFrame(t, c)
	assert.Equal(t, "floor_pulse", evt["type"])
	assert.Equal(t, 9.0, evt["floor"])
	assert.Len(t, evt["data"], 6)
	assert.NotEmpty(t, evt["timestamp"])
}
