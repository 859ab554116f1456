package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/victornm/liveroom/internal/access"
	"github.com/victornm/liveroom/internal/identity"
)

const (
	maxMessageSize = 1 << 20
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	writeWait      = 10 * time.Second
	sendBufferSize = 256
)

// Conn is one client connection. It may join several rooms.
type Conn struct {
	id       string
	identity identity.Identity
	ws       *websocket.Conn
	access   *access.Cache

	// send buffers outbound frames. It is never closed; done tells the writer to stop.
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	rooms map[string]struct{}
}

func newConn(ws *websocket.Conn, id identity.Identity, cache *access.Cache) *Conn {
	return &Conn{
		id:       uuid.Must(uuid.NewV7()).String(),
		identity: id,
		ws:       ws,
		access:   cache,
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
		rooms:    make(map[string]struct{}),
	}
}

func (c *Conn) ID() string {
	return c.id
}

// enqueue queues a frame without blocking. A client too slow to drain its
// buffer is disconnected.
func (c *Conn) enqueue(frame []byte) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- frame:
	default:
		slog.Warn("hub: send buffer full, closing connection", "conn", c.id)
		c.close()
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws != nil {
			_ = c.ws.Close()
		}
	})
}

func (c *Conn) join(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.rooms[roomID]; ok {
		return false
	}
	c.rooms[roomID] = struct{}{}
	return true
}

func (c *Conn) joined(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.rooms[roomID]
	return ok
}

// leaveAll forgets every joined room and returns them.
func (c *Conn) leaveAll() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	rooms := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	clear(c.rooms)
	return rooms
}

// readLoop pumps frames from the websocket to the router until the
// connection fails. At most one reader runs per connection.
func (c *Conn) readLoop(ctx context.Context, r *Router) {
	defer func() {
		c.close()
		r.disconnect(ctx, c)
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.DebugContext(ctx, "hub: connection closed unexpectedly", "conn", c.id, "error", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Event == "" {
			r.sendError(c, EventError, errMalformedFrame)
			continue
		}

		r.handle(ctx, c, msg)
	}
}

// writeLoop pumps queued frames to the websocket and keeps it alive with pings.
func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
