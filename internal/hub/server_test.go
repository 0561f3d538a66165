package hub

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"markethub.com/internal/channel"
)

func startWS(t *testing.T, opts Options) (*Server, *Dispatcher, string) {
	t.Helper()
	disp := NewDispatcher(NewRegistry(8))
	srv := NewServer(disp, &fakeVault{}, opts)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			srv.ServeWS(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(func() {
		srv.Shutdown()
		ts.Close()
	})
	return srv, disp, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readFrame(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := c.ReadMessage()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	return m
}

func TestServer_E2E_SubscribeAndPublish(t *testing.T) {
	srv, disp, url := startWS(t, Options{PingJitter: 0})
	c := dial(t, url)

	require.NoError(t, c.WriteJSON(ClientMsg{Action: ActionSubscribe, Channel: "ohlc:USDM/ADA|5m"}))
	ack := readFrame(t, c)
	assert.Equal(t, map[string]any{"status": "subscribed", "channel": "ohlc:USDM_ADA|5m", "type": "ohlc"}, ack)
	assert.Equal(t, 1, srv.ConnCount())

	d := channel.MustParse("ohlc:USDM_ADA|5m")
	require.True(t, disp.HasSubscribers(d))
	disp.Publish(d, map[string]any{"symbol": "USDM/ADA", "close": 0.1245})

	upd := readFrame(t, c)
	assert.Equal(t, "ohlc:USDM_ADA|5m", upd["channel"])
	assert.Equal(t, "ohlc", upd["type"])
	assert.Equal(t, map[string]any{"symbol": "USDM/ADA", "close": 0.1245}, upd["data"])

	// 协议错误不断开连接
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("nope")))
	assert.Equal(t, "invalid json format", readFrame(t, c)["error"])

	require.NoError(t, c.WriteJSON(ClientMsg{Action: ActionVaultDeposit, TxID: strings.Repeat("a", 63), User: "u", VaultID: "v"}))
	assert.Equal(t, "invalid", readFrame(t, c)["message"])
}

func TestServer_E2E_CloseDropsSubscriptions(t *testing.T) {
	srv, disp, url := startWS(t, Options{})
	c := dial(t, url)

	require.NoError(t, c.WriteJSON(ClientMsg{Action: ActionSubscribe, Channel: "notices"}))
	readFrame(t, c)
	d := channel.MustParse("notices")
	require.True(t, disp.HasSubscribers(d))

	require.NoError(t, c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	_ = c.Close()

	require.Eventually(t, func() bool {
		return !disp.HasSubscribers(d) && srv.ConnCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_MaxConns(t *testing.T) {
	_, _, url := startWS(t, Options{MaxConns: 1})
	dial(t, url)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_Shutdown(t *testing.T) {
	srv, _, url := startWS(t, Options{})
	c := dial(t, url)

	require.NoError(t, c.WriteJSON(ClientMsg{Action: ActionSubscribe, Channel: "notices"}))
	readFrame(t, c)

	srv.Shutdown()

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_CheckOrigin(t *testing.T) {
	srv := NewServer(NewDispatcher(NewRegistry(1)), nil, Options{AllowedOrigins: []string{"https://app.example"}})

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, srv.checkOrigin(r))
	r.Header.Set("Origin", "https://app.example")
	assert.True(t, srv.checkOrigin(r))
	r.Header.Set("Origin", "https://evil.example")
	assert.False(t, srv.checkOrigin(r))
}
