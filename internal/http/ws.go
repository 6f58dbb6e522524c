package http

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"ntcore/pkg/types"
	"ntcore/pkg/value"
)

const (
	sendBufferSize = 256
	feedFlags      = types.NotifyImmediate | types.NotifyLocal | types.NotifyNew |
		types.NotifyDelete | types.NotifyUpdate | types.NotifyFlagsChanged
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Event is one message of the /ws feed.
type Event struct {
	Type       string                `json:"type"`
	ID         string                `json:"id,omitempty"`
	Entry      *Entry                `json:"entry,omitempty"`
	Flags      []string              `json:"flags,omitempty"`
	Connected  bool                  `json:"connected,omitempty"`
	Connection *types.ConnectionInfo `json:"connection,omitempty"`
}

// subscriber - один websocket-клиент ленты изменений
type subscriber struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

// push never blocks: a subscriber that falls behind is dropped.
func (c *subscriber) push(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.closed = true
		close(c.send)
	}
}

func (c *subscriber) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *subscriber) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// hub tracks live subscribers so Stop can close them.
type hub struct {
	mu      sync.Mutex
	clients map[string]*subscriber
}

func newHub() *hub {
	return &hub{clients: make(map[string]*subscriber)}
}

func (h *hub) register(c *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
}

func (h *hub) unregister(c *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c.id)
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) closeAll() {
	h.mu.Lock()
	clients := make([]*subscriber, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
		_ = c.conn.Close()
	}
}

// handleWS streams entry changes under ?prefix= and connection events.
// Existing entries are replayed first.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &subscriber{id: uuid.NewString(), conn: conn, send: make(chan []byte, sendBufferSize)}
	s.hub.register(c)
	c.push(Event{Type: "hello", ID: c.id})
	go c.writePump()

	entryUID := s.table.AddEntryListener(prefix, func(_ int, name string, v *value.Value, flags types.NotifyFlags) {
		e := newEntry(name, v, s.table.GetFlags(name))
		c.push(Event{Type: "entry", Entry: &e, Flags: notifyNames(flags)})
	}, feedFlags)
	connUID := s.table.AddConnectionListener(func(_ int, connected bool, info types.ConnectionInfo) {
		c.push(Event{Type: "connection", Connected: connected, Connection: &info})
	}, true)
	s.logger.Debug("websocket subscriber registered", "id", c.id, "prefix", prefix)

	defer func() {
		s.table.RemoveEntryListener(entryUID)
		s.table.RemoveConnectionListener(connUID)
		s.hub.unregister(c)
		c.close()
		s.logger.Debug("websocket subscriber gone", "id", c.id)
	}()
	// входящие сообщения не нужны, читаем до закрытия
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
