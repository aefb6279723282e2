package web

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"

	"github.com/lucasnoah/stageflow/internal/events"
)

const (
	clientBuffer = 64
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// client is one connected websocket subscriber.
type client struct {
	conn       *websocket.Conn
	send       chan events.Payload
	workflowID string // empty receives every workflow

	once sync.Once
	done chan struct{}
}

func (c *client) wants(p events.Payload) bool {
	return c.workflowID == "" || c.workflowID == p.WorkflowID
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// Hub fans bus events out to websocket clients. Broadcast never blocks the
// caller: a client whose buffer is full is dropped.
type Hub struct {
	log logrus.FieldLogger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub creates an empty hub.
func NewHub(log logrus.FieldLogger) *Hub {
	return &Hub{log: log, clients: make(map[*client]struct{})}
}

// Handler returns a bus handler that broadcasts every payload.
func (h *Hub) Handler() events.Handler {
	return func(p events.Payload) error {
		h.Broadcast(p)
		return nil
	}
}

// Broadcast queues p for every interested client.
func (h *Hub) Broadcast(p events.Payload) {
	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		if !c.wants(p) {
			continue
		}
		select {
		case c.send <- p:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.WithField("workflow_id", p.WorkflowID).Warn("websocket client too slow; disconnecting")
		h.remove(c)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()
	for c := range clients {
		c.close()
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// ServeWS upgrades the request and streams payloads until the client goes
// away. The optional "workflow" query parameter restricts the stream to one
// workflow id.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		h.log.WithError(err).Warn("websocket accept failed")
		return
	}

	c := &client{
		conn:       conn,
		send:       make(chan events.Payload, clientBuffer),
		workflowID: r.URL.Query().Get("workflow"),
		done:       make(chan struct{}),
	}
	h.add(c)
	defer h.remove(c)

	// Clients only listen; CloseRead handles control frames and reports
	// the disconnect through ctx.
	ctx := conn.CloseRead(r.Context())
	h.writeLoop(ctx, c)
}

func (h *Hub) writeLoop(ctx context.Context, c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-c.done:
			c.conn.Close(websocket.StatusGoingAway, "server closing")
			return
		case p := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c.conn, p)
			cancel()
			if err != nil {
				if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
					h.log.WithError(err).Debug("websocket write failed")
				}
				c.conn.CloseNow()
				return
			}
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Ping(pctx)
			cancel()
			if err != nil {
				c.conn.CloseNow()
				return
			}
		}
	}
}
