package ws

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nexus-runtime/bridge/internal/infrastructure/monitoring"
	"github.com/nexus-runtime/bridge/internal/types"
)

func newStream(t *testing.T) (*Hub, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub(zaptest.NewLogger(t), monitoring.New(prometheus.NewRegistry()))
	router := gin.New()
	router.GET("/v1/stream", hub.HandleConnection)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	var hello Message
	require.NoError(t, conn.ReadJSON(&hello))
	require.Equal(t, TypeSystem, hello.Type)
	return conn
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func waitClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.Clients() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestPing(t *testing.T) {
	_, url := newStream(t)
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, TypePong, read(t, conn).Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "shout"}))
	assert.Equal(t, TypeError, read(t, conn).Type)
}

func TestBroadcastFiltersByPanel(t *testing.T) {
	hub, url := newStream(t)
	all := dial(t, url)
	weather := dial(t, url)

	require.NoError(t, weather.WriteJSON(map[string]string{"type": "subscribe", "panelId": "weather"}))
	ack := read(t, weather)
	require.Equal(t, "subscribed", ack.Message)
	waitClients(t, hub, 2)

	hub.Broadcast(Message{Type: TypeResult, PanelID: "news", SuspensionID: "s1",
		Result: &types.Result{Status: types.StatusSuccess, ReturnValue: 1.0}})
	hub.Broadcast(Message{Type: TypeResult, PanelID: "weather", SuspensionID: "s2",
		Result: &types.Result{Status: types.StatusSuccess, ReturnValue: 2.0}})

	first := read(t, all)
	assert.Equal(t, "s1", first.SuspensionID)
	assert.Equal(t, 1.0, first.Result.ReturnValue)
	assert.NotZero(t, first.Timestamp)
	assert.Equal(t, "s2", read(t, all).SuspensionID)

	got := read(t, weather)
	assert.Equal(t, "s2", got.SuspensionID)
	assert.Equal(t, 2.0, got.Result.ReturnValue)
}

func TestCloseDisconnects(t *testing.T) {
	hub, url := newStream(t)
	conn := dial(t, url)
	waitClients(t, hub, 1)

	hub.Close()
	assert.Equal(t, 0, hub.Clients())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	// refused after close
	late, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer late.Close()
	require.NoError(t, late.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = late.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
}
