// Package live pushes committed events to websocket subscribers. The
// hub broadcasts the persisted event document verbatim; subscribers see
// exactly what the log stores, after commit, never before.
package live

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/framelog/framelog/internal/event"
)

// EventMessage is the wire document for one committed event.
type EventMessage struct {
	SessionID     string          `json:"session_id"`
	Seq           uint64          `json:"seq"`
	Timestamp     time.Time       `json:"timestamp"`
	Type          string          `json:"type"`
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
}

var upgrader = websocket.Upgrader{
	// Local-first surface, same-origin rules do not apply.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	clientSendBuffer = 64
	writeWait        = 10 * time.Second
)

// Hub fans committed events out to connected websocket clients. Slow
// clients are disconnected rather than allowed to stall the broadcast.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

// NewHub returns an empty hub ready for subscribers.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// Broadcast pushes a committed batch to every subscriber. Intended as
// the pipeline's commit hook; it never blocks the caller.
func (h *Hub) Broadcast(events []event.Event) {
	for _, evt := range events {
		payload := evt.PayloadJSON
		if len(payload) == 0 {
			payload = []byte("{}")
		}
		raw, err := json.Marshal(EventMessage{
			SessionID:     evt.SessionID,
			Seq:           evt.Seq,
			Timestamp:     evt.Timestamp,
			Type:          string(evt.Type),
			SchemaVersion: evt.SchemaVersion,
			Payload:       payload,
		})
		if err != nil {
			log.Printf("live: marshal event seq %d: %v", evt.Seq, err)
			continue
		}

		h.mu.Lock()
		for c := range h.clients {
			select {
			case c.send <- raw:
			default:
				// Subscriber cannot keep up, cut it loose.
				delete(h.clients, c)
				c.close()
			}
		}
		h.mu.Unlock()
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
	return nil
}

// Handler upgrades the request and streams committed events until the
// client disconnects.
func (h *Hub) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Printf("live: upgrade websocket: %v", err)
			return
		}

		cl := &client{conn: conn, send: make(chan []byte, clientSendBuffer)}
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			conn.Close()
			return
		}
		h.clients[cl] = struct{}{}
		h.mu.Unlock()

		go cl.writePump()
		cl.readPump(h)
	}
}

// readPump discards inbound messages; its job is noticing disconnects.
func (c *client) readPump(h *Hub) {
	defer func() {
		h.remove(c)
		c.close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	for raw := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
		c.conn.Close()
	})
}
