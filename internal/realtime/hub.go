// Package realtime pushes notifications to connected users over WebSocket.
//
// A user may hold several connections (tabs, devices). Every notification
// addressed to that user is written to each of them; connections of other
// users never see it. Delivery is best effort: users who are offline get
// nothing here and rely on the webhook channel.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mbd888/taskhold/internal/metrics"
	"github.com/mbd888/taskhold/internal/notify"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// sameHost accepts non-browser clients and pages served from the API host.
func sameHost(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// Event is the frame written to a connection.
type Event struct {
	Type      notify.EventType `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Key       string           `json:"key,omitempty"`
	Data      map[string]any   `json:"data"`
}

// Subscription narrows what a connection receives. Empty fields match all.
type Subscription struct {
	EventTypes  []notify.EventType `json:"eventTypes"`
	ContractIDs []string           `json:"contractIds"`
}

// Client is one WebSocket connection of one user.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	send   chan []byte
	mu     sync.RWMutex
	sub    Subscription
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

type delivery struct {
	userID string
	event  *Event
}

// Hub routes notifications to the connections of their recipient.
type Hub struct {
	clients    map[string]map[*Client]struct{}
	count      int
	deliveries chan delivery
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int
	now        func() time.Time
	upgrader   websocket.Upgrader

	totalEvents  atomic.Int64
	dropped      atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		deliveries: make(chan delivery, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
		now:        time.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     sameHost,
		},
	}
}

// WithAllowedOrigins also accepts browser connections from origins, the
// same list the CORS middleware serves. An empty list or "*" keeps the
// same-host rule.
func (h *Hub) WithAllowedOrigins(origins []string) *Hub {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			return h
		}
		allowed[o] = true
	}
	if len(allowed) == 0 {
		return h
	}
	h.upgrader.CheckOrigin = func(r *http.Request) bool {
		return sameHost(r) || allowed[r.Header.Get("Origin")]
	}
	return h
}

// Run starts the hub's main loop. It returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing client connections")
			h.mu.Lock()
			for userID, conns := range h.clients {
				for client := range conns {
					close(client.send) // writePump sends CloseMessage on closed channel
				}
				delete(h.clients, userID)
			}
			h.count = 0
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			conns := h.clients[client.userID]
			if conns == nil {
				conns = make(map[*Client]struct{})
				h.clients[client.userID] = conns
			}
			conns[client] = struct{}{}
			h.count++
			h.totalClients.Add(1)
			if current := int64(h.count); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := h.count
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "user_id", client.userID, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			n := h.count
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client disconnected", "user_id", client.userID, "total", n)

		case d := <-h.deliveries:
			h.totalEvents.Add(1)
			msg := h.serialize(d.event)
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients[d.userID] {
				if !shouldSend(client, d.event) {
					continue
				}
				select {
				case client.send <- msg:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					h.remove(client)
				}
				n := h.count
				h.mu.Unlock()
				metrics.ActiveWebSocketClients.Set(float64(n))
			}
		}
	}
}

// remove drops a client and closes its send channel. Callers hold h.mu.
func (h *Hub) remove(client *Client) {
	conns, ok := h.clients[client.userID]
	if !ok {
		return
	}
	if _, ok := conns[client]; !ok {
		return
	}
	delete(conns, client)
	close(client.send)
	h.count--
	if len(conns) == 0 {
		delete(h.clients, client.userID)
	}
}

// shouldSend checks if event matches the client's subscription.
func shouldSend(client *Client, event *Event) bool {
	client.mu.RLock()
	sub := client.sub
	client.mu.RUnlock()

	if len(sub.EventTypes) > 0 {
		matched := false
		for _, t := range sub.EventTypes {
			if t == event.Type {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if len(sub.ContractIDs) > 0 {
		contractID, _ := event.Data["contractId"].(string)
		if contractID == "" {
			return true
		}
		for _, id := range sub.ContractIDs {
			if id == contractID {
				return true
			}
		}
		return false
	}

	return true
}

func (h *Hub) serialize(event *Event) []byte {
	data, _ := json.Marshal(event)
	return data
}

// Notify queues an event for every connection of userID. It never blocks;
// when the queue is full the event is dropped and counted.
func (h *Hub) Notify(ctx context.Context, userID string, event notify.EventType, payload map[string]any) error {
	e := &Event{Type: event, Timestamp: h.now(), Key: notify.DedupKey(ctx), Data: payload}
	select {
	case h.deliveries <- delivery{userID: userID, event: e}:
	default:
		h.dropped.Add(1)
		h.logger.Warn("realtime queue full, dropping event", "user_id", userID, "event", string(event))
	}
	return nil
}

// Connected reports whether userID has at least one open connection.
func (h *Hub) Connected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

// Stats returns hub statistics.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": h.count,
		"connectedUsers":   len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"droppedEvents":    h.dropped.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleWebSocket handles GET /v1/ws. The connection belongs to the
// authenticated user.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	userID := c.GetString("authUserID")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Authentication required"})
		return
	}

	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "server shutting down"})
		return
	default:
	}

	h.mu.RLock()
	n := h.count
	h.mu.RUnlock()
	if n >= h.maxClients {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "too many connections"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, 64),
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump reads subscription updates and keeps the read deadline fresh.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "user_id", c.userID, "error", err)
			}
			break
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

// writePump writes queued frames and pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "user_id", c.userID, "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
