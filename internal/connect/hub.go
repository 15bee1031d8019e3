// Package connect accepts the connections agents make back to the service once their container
// has started.
package connect

import (
	"context"
	"crypto/hmac"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/determined-ai/ephemeral-agents/internal/provision"
)

const (
	// AgentPath is the route agents connect back to; it is the path of the connect URL handed to
	// their bootstrap command.
	AgentPath = "/computer/:name/slave-agent.jnlp"
	// SecretHeader carries the agent's secret on the connect request.
	SecretHeader = "X-Agent-Secret"
	// SecretParam carries the secret when the header is absent.
	SecretParam = "secret"
)

// DefaultPingInterval is how often connections are pinged.
const DefaultPingInterval = 10 * time.Second

type waiter struct {
	secret string
	conns  chan *Conn
}

// Hub matches incoming agent connections with the launches waiting for them.
type Hub struct {
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	log          *logrus.Entry

	mu      sync.Mutex
	waiting map[string]*waiter
}

var _ provision.Connector = (*Hub)(nil)

// NewHub returns a Hub pinging its connections every pingInterval.
func NewHub(pingInterval time.Duration) *Hub {
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	return &Hub{
		pingInterval: pingInterval,
		log:          logrus.WithField("component", "connect-hub"),
		waiting:      map[string]*waiter{},
	}
}

// Connect implements provision.Connector.
func (h *Hub) Connect(ctx context.Context, name, secret string) (provision.Channel, error) {
	w := &waiter{secret: secret, conns: make(chan *Conn, 1)}
	h.mu.Lock()
	if _, ok := h.waiting[name]; ok {
		h.mu.Unlock()
		return nil, errors.Errorf("already waiting for agent %s to connect", name)
	}
	h.waiting[name] = w
	h.mu.Unlock()

	select {
	case conn := <-w.conns:
		return conn, nil
	case <-ctx.Done():
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.waiting[name] == w {
			delete(h.waiting, name)
		}
		// The agent may have connected just as we gave up.
		select {
		case conn := <-w.conns:
			return conn, nil
		default:
			return nil, ctx.Err()
		}
	}
}

// Waiting reports whether a launch is waiting for the named agent.
func (h *Hub) Waiting(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.waiting[name]
	return ok
}

// ServeAgent handles GET AgentPath. It upgrades the request to a websocket, hands it to the
// waiting launch and serves it until it closes.
func (h *Hub) ServeAgent(c echo.Context) error {
	name := c.Param("name")
	secret := c.Request().Header.Get(SecretHeader)
	if secret == "" {
		secret = c.QueryParam(SecretParam)
	}

	h.mu.Lock()
	w, ok := h.waiting[name]
	h.mu.Unlock()
	switch {
	case !ok:
		return echo.NewHTTPError(http.StatusNotFound, "no launch is waiting for agent "+name)
	case !hmac.Equal([]byte(secret), []byte(w.secret)):
		return echo.NewHTTPError(http.StatusForbidden, "invalid agent secret")
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.log.WithError(err).WithField("agent", name).Warn("websocket upgrade failed")
		return nil
	}
	conn := newConn(name, ws, h.log)

	h.mu.Lock()
	if h.waiting[name] != w {
		h.mu.Unlock()
		conn.log.Warn("launch stopped waiting before the agent connected")
		return conn.Close()
	}
	delete(h.waiting, name)
	w.conns <- conn
	h.mu.Unlock()

	conn.log.Info("agent connected")
	conn.serve(h.pingInterval)
	return nil
}
