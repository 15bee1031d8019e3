package connect

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/determined-ai/ephemeral-agents/internal/provision"
)

func newTestServer(t *testing.T) (*Hub, string) {
	hub := NewHub(50 * time.Millisecond)
	e := echo.New()
	e.GET(AgentPath, hub.ServeAgent)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, base, name, secret string) (*websocket.Conn, *http.Response, error) {
	header := http.Header{}
	header.Set(SecretHeader, secret)
	ws, resp, err := websocket.DefaultDialer.Dial(agentURL(base, name), header)
	if ws != nil {
		t.Cleanup(func() { _ = ws.Close() })
	}
	return ws, resp, err
}

func agentURL(base, name string) string {
	return base + "/computer/" + name + "/slave-agent.jnlp"
}

type result struct {
	ch  provision.Channel
	err error
}

func connectAsync(ctx context.Context, hub *Hub, name, secret string) <-chan result {
	out := make(chan result, 1)
	go func() {
		ch, err := hub.Connect(ctx, name, secret)
		out <- result{ch, err}
	}()
	return out
}

func waitUntilWaiting(t *testing.T, hub *Hub, name string) {
	require.Eventually(t, func() bool { return hub.Waiting(name) }, time.Second, time.Millisecond)
}

func TestConnectAndDisconnect(t *testing.T) {
	hub, base := newTestServer(t)
	connected := connectAsync(context.Background(), hub, "agent-1", "s3cret")
	waitUntilWaiting(t, hub, "agent-1")

	ws, _, err := dial(t, base, "agent-1", "s3cret")
	require.NoError(t, err)

	res := <-connected
	require.NoError(t, res.err)
	require.False(t, hub.Waiting("agent-1"))

	closed := make(chan error, 1)
	res.ch.OnClose(func(err error) { closed <- err })

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("close listener not called")
	}

	// Listeners registered after closing fire right away.
	late := make(chan struct{})
	res.ch.OnClose(func(error) { close(late) })
	<-late
}

func TestServerCloseReachesAgent(t *testing.T) {
	hub, base := newTestServer(t)
	connected := connectAsync(context.Background(), hub, "agent-1", "s3cret")
	waitUntilWaiting(t, hub, "agent-1")

	ws, _, err := dial(t, base, "agent-1", "s3cret")
	require.NoError(t, err)
	res := <-connected
	require.NoError(t, res.err)

	require.NoError(t, res.ch.Close())
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err = ws.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestWrongSecretRejected(t *testing.T) {
	hub, base := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	connectAsync(ctx, hub, "agent-1", "s3cret")
	waitUntilWaiting(t, hub, "agent-1")

	_, resp, err := dial(t, base, "agent-1", "guess")
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.True(t, hub.Waiting("agent-1"), "a rejected attempt keeps the launch waiting")
}

func TestSecretFromQuery(t *testing.T) {
	hub, base := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	connected := connectAsync(ctx, hub, "agent-1", "s3cret")
	waitUntilWaiting(t, hub, "agent-1")

	_, resp, err := websocket.DefaultDialer.Dial(agentURL(base, "agent-1")+"?secret=guess", nil)
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	ws, _, err := websocket.DefaultDialer.Dial(agentURL(base, "agent-1")+"?secret=s3cret", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	res := <-connected
	require.NoError(t, res.err)
}

func TestUnknownAgentRejected(t *testing.T) {
	_, base := newTestServer(t)
	_, resp, err := dial(t, base, "agent-404", "s3cret")
	require.Error(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConnectTimesOut(t *testing.T) {
	hub := NewHub(0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := hub.Connect(ctx, "agent-1", "s3cret")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, hub.Waiting("agent-1"))
}

func TestConnectRejectsDuplicateWaiters(t *testing.T) {
	hub := NewHub(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := connectAsync(ctx, hub, "agent-1", "s3cret")
	waitUntilWaiting(t, hub, "agent-1")

	_, err := hub.Connect(context.Background(), "agent-1", "s3cret")
	require.ErrorContains(t, err, "already waiting")

	cancel()
	require.ErrorIs(t, (<-first).err, context.Canceled)
}
