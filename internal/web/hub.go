package web

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sweeney/vent-hub/internal/climate"
	"github.com/sweeney/vent-hub/internal/state"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
	sendBuffer     = 16
)

// WSSource is the origin recorded for commands sent over the websocket.
const WSSource = "websocket"

// Message is a server-to-client websocket frame.
type Message struct {
	Type       string              `json:"type"`
	UpdateType string              `json:"update_type,omitempty"`
	Data       *DataJSON           `json:"data,omitempty"`
	Thresholds *climate.Thresholds `json:"thresholds,omitempty"`
	Command    climate.Command     `json:"command,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// ClientMessage is a client-to-server websocket frame.
type ClientMessage struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub pushes a fresh snapshot to every websocket client on each store change.
// A client that cannot keep up is disconnected rather than allowed to block
// the others.
type Hub struct {
	store    *state.Store
	ctl      Controller
	upgrader websocket.Upgrader
	changes  <-chan state.Change
	cancel   func()

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub creates a hub subscribed to store. Call Run to start broadcasting.
func NewHub(store *state.Store, ctl Controller) *Hub {
	changes, cancel := store.Subscribe(sendBuffer)
	return &Hub{
		store:   store,
		ctl:     ctl,
		changes: changes,
		cancel:  cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Run broadcasts store changes until ctx is cancelled, then disconnects
// every client.
func (h *Hub) Run(ctx context.Context) error {
	defer h.cancel()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case c, ok := <-h.changes:
			if !ok {
				h.closeAll()
				return nil
			}
			data := formatData(h.store.Snapshot())
			h.broadcast(Message{Type: "update", UpdateType: string(c), Data: &data})
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and serves one client until it goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("web: websocket upgrade: %v", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	if !h.register(c) {
		conn.Close()
		return
	}
	log.Printf("web: websocket client connected from %s (%d total)", r.RemoteAddr, h.Clients())

	data := formatData(h.store.Snapshot())
	th := h.ctl.Thresholds()
	h.sendTo(c, Message{Type: "initial", Data: &data, Thresholds: &th})

	go c.writePump()
	h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		h.unregister(c)
		log.Printf("web: websocket client disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("web: websocket read: %v", err)
			}
			return
		}
		h.sendTo(c, h.handle(ctx, raw))
	}
}

// handle answers one client frame.
func (h *Hub) handle(ctx context.Context, raw []byte) Message {
	var m ClientMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{Type: "error", Error: "invalid JSON"}
	}
	switch m.Type {
	case "window_command":
		cmd, err := climate.ParseCommand(m.Command)
		if err != nil {
			return Message{Type: "error", Error: err.Error()}
		}
		res, err := h.ctl.Issue(ctx, cmd, WSSource)
		if err != nil {
			log.Printf("web: websocket %s: %v", cmd, err)
			return Message{Type: "error", Command: cmd, Error: err.Error()}
		}
		return Message{Type: "command_sent", Command: res.Command}
	case "get_data":
		data := formatData(h.store.Snapshot())
		return Message{Type: "data", Data: &data}
	default:
		return Message{Type: "error", Error: "unknown message type " + m.Type}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "hub shutting down"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop(c)
}

// drop removes c and closes its send channel. Callers hold h.mu.
func (h *Hub) drop(c *client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) sendTo(c *client, m Message) {
	data, err := json.Marshal(m)
	if err != nil {
		log.Printf("web: encode %s message: %v", m.Type, err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
		log.Printf("web: websocket client too slow, disconnecting")
		h.drop(c)
	}
}

func (h *Hub) broadcast(m Message) {
	data, err := json.Marshal(m)
	if err != nil {
		log.Printf("web: encode %s message: %v", m.Type, err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			log.Printf("web: websocket client too slow, disconnecting")
			h.drop(c)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.drop(c)
	}
}
