// Package bridge is the WebSocket control channel between the gateway and
// the host application.
//
// Clients connect to receive lifecycle and sync notifications and to send
// control commands (promote a waiting generation, clear caches, request a
// drain). Fan-out uses one buffered send channel per client; a client that
// cannot keep up drops notices rather than stalling the hub.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/edgecache/errors"
)

// Command types accepted from clients.
const (
	CommandSkipWaiting = "SKIP_WAITING"
	CommandClearCache  = "CLEAR_CACHE"
	CommandSync        = "SYNC"
)

// Notice types sent to clients.
const (
	NoticeSyncSuccess   = "SYNC_SUCCESS"
	NoticeCacheCleared  = "CACHE_CLEARED"
	NoticeClientClaimed = "CLIENT_CLAIMED"
)

// SyncTag is the drain trigger tag recognized on SYNC commands.
const SyncTag = "phoenix-background-sync"

// Command is a control message from a connected client.
type Command struct {
	Type      string `json:"type"`
	CacheName string `json:"cacheName,omitempty"`
	Tag       string `json:"tag,omitempty"`

	// From identifies the sender so the engine can reply directly.
	From *Client `json:"-"`
}

// Notice is a notification pushed to clients.
type Notice struct {
	Type      string    `json:"type"`
	Request   string    `json:"request,omitempty"`
	CacheName string    `json:"cacheName,omitempty"`
	Version   string    `json:"version,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 32
)

// Client is one connected host-application window or worker.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan Notice
}

// Hub accepts WebSocket connections and fans notices out to them.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*Client]struct{}
	closed  bool

	commands chan Command
}

// NewHub builds a hub. The gateway fronts a single local app, so
// cross-origin upgrade checks are intentionally permissive.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients:  make(map[*Client]struct{}),
		commands: make(chan Command, 64),
	}
}

// Commands returns the stream of client commands for the engine loop.
func (h *Hub) Commands() <-chan Command {
	return h.commands
}

// ServeHTTP upgrades the connection and runs the client pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan Notice, sendBuffer),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("bridge client connected", "clients", n)

	go client.writePump()
	go client.readPump()
}

// Broadcast queues a notice for every connected client.
func (h *Hub) Broadcast(n Notice) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- n:
		default:
			h.logger.Warn("dropping notice for slow bridge client", "type", n.Type)
		}
	}
}

// Send queues a notice for a single client, used for command replies.
func (h *Hub) Send(client *Client, n Notice) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	select {
	case client.send <- n:
	default:
		h.logger.Warn("dropping reply for slow bridge client", "type", n.Type)
	}
}

// SyncSuccess tells clients a queued mutation landed at the origin.
func (h *Hub) SyncSuccess(url string, at time.Time) {
	h.Broadcast(Notice{Type: NoticeSyncSuccess, Request: url, Timestamp: at})
}

// ClaimClients re-points connected clients at the activated generation.
func (h *Hub) ClaimClients(version string) {
	h.Broadcast(Notice{Type: NoticeClientClaimed, Version: version})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects all clients and stops accepting new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return errors.ErrShuttingDown
	}
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		close(c.send)
	}
	return nil
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

// readPump decodes client commands onto the hub command channel.
func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
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
				c.hub.logger.Warn("bridge client read error", "error", err)
			}
			return
		}

		var cmd Command
		// A bare string payload is shorthand for a typed command with no
		// arguments ("SKIP_WAITING").
		if err := json.Unmarshal(data, &cmd); err != nil {
			var plain string
			if perr := json.Unmarshal(data, &plain); perr != nil {
				c.hub.logger.Warn("ignoring malformed bridge command", "error", err)
				continue
			}
			cmd.Type = plain
		}
		cmd.From = c

		select {
		case c.hub.commands <- cmd:
		default:
			c.hub.logger.Warn("command channel full, dropping command", "type", cmd.Type)
		}
	}
}

// writePump serializes queued notices to the connection and keeps it
// alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case notice, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(notice); err != nil {
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

// Run keeps the hub alive until ctx is cancelled, then closes it.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	_ = h.Close()
}
