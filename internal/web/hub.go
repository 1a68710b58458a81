package web

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yungsuk53-pixel/crime/internal/interfaces"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	pongWait   = 60 * time.Second
)

// Client is one WebSocket subscriber of a session's events.
type Client struct {
	ID     string
	Code   string
	Conn   *websocket.Conn
	Send   chan []byte
	Hub    *SessionHub
	mu     sync.Mutex
	closed bool
}

// SessionHub fans session events out to the WebSocket clients watching
// that session.
type SessionHub struct {
	sessions   map[string]map[string]*Client
	register   chan *Client
	unregister chan *Client
	broadcast  chan interfaces.Event
	mu         sync.RWMutex
}

func NewSessionHub() *SessionHub {
	return &SessionHub{
		sessions:   make(map[string]map[string]*Client),
		register:   make(chan *Client, 100),
		unregister: make(chan *Client, 100),
		broadcast:  make(chan interfaces.Event, 1000),
	}
}

// Run is the hub's event loop. It returns when ctx ends.
func (h *SessionHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case event := <-h.broadcast:
			h.broadcastEvent(event)
		}
	}
}

func (h *SessionHub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.sessions[client.Code]
	if !ok {
		clients = make(map[string]*Client)
		h.sessions[client.Code] = clients
	}
	clients[client.ID] = client
	log.Printf("[Hub] Client %s watching %s (watchers: %d)", client.ID, client.Code, len(clients))

	go client.writePump()
}

func (h *SessionHub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := h.sessions[client.Code]
	if _, ok := clients[client.ID]; !ok {
		return
	}
	delete(clients, client.ID)
	close(client.Send)
	if len(clients) == 0 {
		delete(h.sessions, client.Code)
	}
	log.Printf("[Hub] Client %s left %s (watchers: %d)", client.ID, client.Code, len(clients))
}

func (h *SessionHub) broadcastEvent(event interfaces.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients := h.sessions[event.SessionCode]
	if len(clients) == 0 {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[Hub] Failed to marshal %s event: %v", event.Type, err)
		return
	}
	for _, client := range clients {
		select {
		case client.Send <- data:
		default:
			log.Printf("[Hub] Client send buffer full: %s", client.ID)
		}
	}
}

func (h *SessionHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for code, clients := range h.sessions {
		for _, client := range clients {
			close(client.Send)
		}
		delete(h.sessions, code)
	}
}

// Publish queues an event for delivery. Events are dropped when the hub
// is saturated.
func (h *SessionHub) Publish(event interfaces.Event) {
	select {
	case h.broadcast <- event:
	default:
		log.Printf("[Hub] Broadcast channel full, dropping %s for %s", event.Type, event.SessionCode)
	}
}

// ClientCount returns the number of clients watching code.
func (h *SessionHub) ClientCount(code string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[code])
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.mu.Lock()
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.closed = true
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				c.mu.Unlock()
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("[Client] Error writing to %s: %v", c.ID, err)
				c.closed = true
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()

		case <-ticker.C:
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("[Client] Error sending ping to %s: %v", c.ID, err)
				c.closed = true
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()
		}
	}
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.Conn.Close()
}

// readPump only services pongs and close frames; clients talk to the
// session through the HTTP API.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.Hub.unregister <- c:
		default:
			log.Printf("[Hub] Unregister queue full, dropping %s", c.ID)
		}
		c.Close()
	}()

	c.Conn.SetReadLimit(512)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[Client] Unexpected close from %s: %v", c.ID, err)
			}
			return
		}
	}
}
