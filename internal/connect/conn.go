package connect

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const writeWait = 5 * time.Second

// Conn is an agent's websocket connection. It implements provision.Channel.
type Conn struct {
	ID   uuid.UUID
	Name string

	ws  *websocket.Conn
	log *logrus.Entry

	mu        sync.Mutex
	closed    bool
	err       error
	listeners []func(error)
	done      chan struct{}
}

func newConn(name string, ws *websocket.Conn, log *logrus.Entry) *Conn {
	id := uuid.New()
	return &Conn{
		ID:   id,
		Name: name,
		ws:   ws,
		log: log.WithFields(logrus.Fields{
			"agent":         name,
			"connection-id": id,
		}),
		done: make(chan struct{}),
	}
}

// OnClose implements provision.Channel.
func (c *Conn) OnClose(f func(err error)) {
	c.mu.Lock()
	if c.closed {
		err := c.err
		c.mu.Unlock()
		f(err)
		return
	}
	c.listeners = append(c.listeners, f)
	c.mu.Unlock()
}

// Close implements provision.Channel. It says goodbye to the agent and closes the socket.
func (c *Conn) Close() error {
	err := c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent deleted"),
		time.Now().Add(writeWait))
	if err != nil {
		c.log.WithError(err).Debug("error sending close message")
	}
	c.finish(nil)
	return nil
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) finish(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed, c.err = true, err
	listeners := c.listeners
	c.listeners = nil
	close(c.done)
	c.mu.Unlock()

	if cerr := c.ws.Close(); cerr != nil {
		c.log.WithError(cerr).Trace("error closing websocket")
	}
	for _, f := range listeners {
		f(err)
	}
}

// serve reads from the connection, keeping it alive with pings, until it closes.
func (c *Conn) serve(pingInterval time.Duration) {
	pongWait := 3 * pingInterval
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.finish(err)
		return
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.ping(pingInterval)

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = nil
			}
			c.finish(err)
			return
		}
	}
}

func (c *Conn) ping(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			if err != nil {
				c.finish(err)
				return
			}
		}
	}
}
