// Package opsfeed broadcasts operational events — failover transitions and
// health-probe outcomes — to connected admin websocket clients, adapted
// from the teacher's internal/websocket/hub.go register/unregister/
// broadcast-channel Hub (trimmed of its session/user routing, which this
// single global feed has no use for, and with client IDs generated by
// google/uuid instead of the teacher's time-seeded randomString).
package opsfeed

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Event is one broadcast unit on the ops feed.
type Event struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// Client is one connected admin websocket.
type Client struct {
	ID   string
	conn *websocket.Conn
	send chan Event
	hub  *Hub
}

// Hub fans broadcast events out to every connected client.
type Hub struct {
	mu        sync.RWMutex
	clients   map[*Client]bool
	register  chan *Client
	unregister chan *Client
	broadcast chan Event
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan Event, 64),
	}
}

// Run drives the hub's event loop until done is closed.
func (h *Hub) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				c.conn.Close()
			}
			h.clients = make(map[*Client]bool)
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.closeClient(c)

		case event := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- event:
				default:
					go h.closeClientAsync(c)
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) closeClientAsync(c *Client) { h.unregister <- c }

func (h *Hub) closeClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		c.conn.Close()
	}
}

// Broadcast enqueues event for delivery to every connected client.
func (h *Hub) Broadcast(event Event) {
	select {
	case h.broadcast <- event:
	default:
		log.Printf("opsfeed: broadcast buffer full, dropping %s event", event.Type)
	}
}

// OnFailoverTransition is wired as the failover Manager's onTransition
// callback.
func (h *Hub) OnFailoverTransition(from, to string, inFailoverMode bool) {
	h.Broadcast(Event{
		Type: "failover_transition",
		Data: map[string]interface{}{
			"from":             from,
			"to":               to,
			"in_failover_mode": inFailoverMode,
		},
		Timestamp: time.Now(),
	})
}

// OnHealthProbe is wired into the health Checker's probe outcome path.
func (h *Hub) OnHealthProbe(provider string, healthy bool) {
	h.Broadcast(Event{
		Type: "health_probe",
		Data: map[string]interface{}{
			"provider": provider,
			"healthy":  healthy,
		},
		Timestamp: time.Now(),
	})
}

// HandleWebSocket upgrades the request and registers a new client on hub.
func HandleWebSocket(hub *Hub, c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("opsfeed: upgrade failed: %v", err)
		return
	}

	client := &Client{ID: uuid.NewString(), conn: conn, send: make(chan Event, 32), hub: hub}
	hub.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() { c.hub.unregister <- c }()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("opsfeed: read error: %v", err)
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				log.Printf("opsfeed: marshal error: %v", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
