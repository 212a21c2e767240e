package reload

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loykin/devloop/internal/metrics"
)

// Server to client events.
const (
	EventPackageJSON   = "package-json"
	EventDistRoute     = "dist-route"
	EventProjectDomain = "project-domain"
	EventCommand       = "command"
	EventCommandEnd    = "command-end"
	EventCommandError  = "command-error"
	EventStdout        = "stdout"
	EventStderr        = "stderr"
	EventReloadClients = "reload-clients"
	EventReceiveFile   = "receive-file"
)

// Client to server events.
const (
	EventNpmRun      = "npm-run"
	EventRequestFile = "request-file"
	EventWriteFile   = "write-file"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 4 << 20
	DefaultSendBuffer = 256
)

var (
	ErrClientGone = errors.New("client disconnected")
	ErrBufferFull = errors.New("client send buffer full")
)

// Message is the envelope exchanged in both directions.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals Data into v.
func (m Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return errors.New("message has no data")
	}
	return json.Unmarshal(m.Data, v)
}

// Encode builds the wire form of an event.
func Encode(event string, data any) ([]byte, error) {
	msg := Message{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		msg.Data = raw
	}
	return json.Marshal(msg)
}

// Client is one connected browser.
type Client struct {
	id   uint64
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// ID returns a process-unique client number.
func (c *Client) ID() uint64 { return c.id }

// Send queues an event for this client only.
func (c *Client) Send(event string, data any) error {
	b, err := Encode(event, data)
	if err != nil {
		return err
	}
	return c.hub.deliver(c, b)
}

// Hub fans events out to connected websocket clients.
type Hub struct {
	upgrader   websocket.Upgrader
	sendBuffer int
	onConnect  func(*Client)
	onMessage  func(*Client, Message)

	nextID  atomic.Uint64
	mu      sync.Mutex
	clients map[*Client]struct{}
}

// Option customises a Hub.
type Option func(*Hub)

// WithOnConnect is called once per client after it has been registered.
func WithOnConnect(fn func(*Client)) Option { return func(h *Hub) { h.onConnect = fn } }

// WithOnMessage receives every decoded client message from that client's read goroutine.
func WithOnMessage(fn func(*Client, Message)) Option { return func(h *Hub) { h.onMessage = fn } }

// WithSendBuffer sets the per-client queue length.
func WithSendBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// NewHub creates a hub. Origins are not checked; the hub serves a local dev loop.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sendBuffer: DefaultSendBuffer,
		clients:    make(map[*Client]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// ServeHTTP upgrades the request and runs the client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := &Client{id: h.nextID.Add(1), hub: h, conn: conn, send: make(chan []byte, h.sendBuffer)}
	n := h.register(c)
	slog.Debug("Client connected", "client", c.id, "remote", r.RemoteAddr, "clients", n)

	go c.writePump()
	if h.onConnect != nil {
		h.onConnect(c)
	}
	c.readPump()
}

// Broadcast queues event for every client. A client whose buffer is full
// misses the message; nobody is waited on.
func (h *Hub) Broadcast(event string, data any) {
	b, err := Encode(event, data)
	if err != nil {
		slog.Error("Broadcast encode failed", "event", event, "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			slog.Debug("Dropping message for slow client", "client", c.id, "event", event)
		}
	}
}

// ReloadClients tells every connected client to reload.
func (h *Hub) ReloadClients() {
	h.Broadcast(EventReloadClients, nil)
	metrics.IncReload()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		_ = c.conn.Close()
	}
}

func (h *Hub) register(c *Client) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	metrics.SetConnectedClients(len(h.clients))
	return len(h.clients)
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	metrics.SetConnectedClients(len(h.clients))
}

func (h *Hub) deliver(c *Client, b []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return ErrClientGone
	}
	select {
	case c.send <- b:
		return nil
	default:
		return ErrBufferFull
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
		slog.Debug("Client disconnected", "client", c.id)
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("Client read failed", "client", c.id, "error", err)
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Event == "" {
			slog.Warn("Ignoring malformed client message", "client", c.id)
			continue
		}
		if c.hub.onMessage != nil {
			c.hub.onMessage(c, msg)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case b, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
