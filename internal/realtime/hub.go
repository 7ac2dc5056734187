// Package realtime streams credit changes to connected clients over
// WebSocket, so a dashboard shows a balance drop the moment a chat reply
// is charged instead of polling.
//
// Each connection belongs to one user and only sees that user's events.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mbd888/credgate/internal/credits"
	"github.com/mbd888/credgate/internal/identity"
	"github.com/mbd888/credgate/internal/metrics"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// Message types written to the socket.
const (
	TypeSnapshot = "credits.snapshot"
	TypeChanged  = "credits.changed"
)

const (
	// MaxClients is the maximum number of concurrent connections.
	MaxClients = 10000
	// MaxClientsPerUser bounds the tabs one user can hold open.
	MaxClientsPerUser = 8

	sendBuffer   = 64
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

// Message is the envelope for every frame sent to a client.
type Message struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Filter narrows the event kinds a client receives. Clients send it as a
// JSON text frame at any time; an empty filter means everything.
type Filter struct {
	Kinds []credits.EventKind `json:"kinds"`
}

func (f Filter) allows(kind credits.EventKind) bool {
	return len(f.Kinds) == 0 || slices.Contains(f.Kinds, kind)
}

// Source is where the hub gets events and initial snapshots.
type Source interface {
	Subscribe(o credits.Observer) func()
	Snapshot(ctx context.Context, userID string) (*credits.Account, error)
}

// Client is one WebSocket connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	send   chan []byte
	mu     sync.RWMutex
	filter Filter
}

// Hub fans ledger events out to the connections of the affected user.
type Hub struct {
	source     Source
	clients    map[string]map[*Client]struct{} // by user ID
	count      int
	events     chan credits.Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits
	upgrader   websocket.Upgrader
	maxClients int
	maxPerUser int

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
	dropped      atomic.Int64
}

// Option configures a Hub.
type Option func(*Hub)

// WithAllowedOrigins permits browser connections from these origins in
// addition to the serving host.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) {
		same := h.upgrader.CheckOrigin
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			return same(r) || slices.Contains(origins, r.Header.Get("Origin"))
		}
	}
}

// WithLimits overrides the connection limits.
func WithLimits(total, perUser int) Option {
	return func(h *Hub) {
		h.maxClients, h.maxPerUser = total, perUser
	}
}

// NewHub creates a hub fed by source.
func NewHub(source Source, logger *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		source:     source,
		clients:    make(map[string]map[*Client]struct{}),
		events:     make(chan credits.Event, 1024),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
		maxPerUser: MaxClientsPerUser,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     sameHost,
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func sameHost(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// publish is the ledger observer. It runs on the mutating goroutine, so it
// never blocks: a full queue drops the event.
func (h *Hub) publish(e credits.Event) {
	select {
	case h.events <- e:
	default:
		h.dropped.Add(1)
		metrics.StreamEventsDropped.Inc()
	}
}

// Run subscribes to the source and fans events out until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	unsubscribe := h.source.Subscribe(h.publish)
	defer unsubscribe()
	defer close(h.done)
	h.logger.Info("credit stream hub started")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for userID, set := range h.clients {
				for client := range set {
					close(client.send) // writePump sends a close frame
				}
				delete(h.clients, userID)
			}
			h.count = 0
			h.mu.Unlock()
			metrics.ActiveStreamClients.Set(0)
			h.logger.Info("credit stream hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			set := h.clients[client.userID]
			if set == nil {
				set = make(map[*Client]struct{})
				h.clients[client.userID] = set
			}
			set[client] = struct{}{}
			h.count++
			n := h.count
			h.mu.Unlock()
			h.totalClients.Add(1)
			if int64(n) > h.peakClients.Load() {
				h.peakClients.Store(int64(n))
			}
			metrics.ActiveStreamClients.Set(float64(n))
			h.logger.Debug("stream client connected", "user_id", client.userID, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			n := h.count
			h.mu.Unlock()
			metrics.ActiveStreamClients.Set(float64(n))

		case e := <-h.events:
			h.totalEvents.Add(1)
			h.deliver(e)
		}
	}
}

func (h *Hub) removeLocked(client *Client) {
	set, ok := h.clients[client.userID]
	if !ok {
		return
	}
	if _, ok := set[client]; !ok {
		return
	}
	delete(set, client)
	if len(set) == 0 {
		delete(h.clients, client.userID)
	}
	close(client.send)
	h.count--
}

func (h *Hub) deliver(e credits.Event) {
	frame, err := json.Marshal(Message{Type: TypeChanged, Timestamp: e.At, Data: e})
	if err != nil {
		return
	}

	h.mu.RLock()
	var slow []*Client
	for client := range h.clients[e.UserID] {
		client.mu.RLock()
		ok := client.filter.allows(e.Kind)
		client.mu.RUnlock()
		if !ok {
			continue
		}
		select {
		case client.send <- frame:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	if len(slow) > 0 {
		h.mu.Lock()
		for _, client := range slow {
			h.removeLocked(client)
		}
		n := h.count
		h.mu.Unlock()
		metrics.ActiveStreamClients.Set(float64(n))
		h.logger.Warn("dropped slow stream clients", "user_id", e.UserID, "count", len(slow))
	}
}

// Stats returns hub statistics.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]any{
		"connectedClients": h.count,
		"connectedUsers":   len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
		"droppedEvents":    h.dropped.Load(),
	}
}

// RegisterRoutes sets up the stream route. The group must already run
// identity.RequireUser.
func (h *Hub) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/credits/stream", h.HandleStream)
}

// HandleStream upgrades GET /credits/stream to a WebSocket. The first frame
// is a snapshot of the account; each later frame is one ledger event.
func (h *Hub) HandleStream(c *gin.Context) {
	select {
	case <-h.done:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting_down"})
		return
	default:
	}

	userID := identity.UserID(c)
	h.mu.RLock()
	total, mine := h.count, len(h.clients[userID])
	h.mu.RUnlock()
	if total >= h.maxClients || mine >= h.maxPerUser {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "too_many_connections"})
		return
	}

	acct, err := h.source.Snapshot(c.Request.Context(), userID)
	if err != nil {
		h.logger.Warn("stream snapshot failed", "user_id", userID, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "datastore_unavailable"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, sendBuffer),
	}
	if frame, err := json.Marshal(Message{Type: TypeSnapshot, Timestamp: time.Now().UTC(), Data: acct}); err == nil {
		client.send <- frame
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

// readPump applies filter updates and keeps the read deadline fresh.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "user_id", c.userID, "error", err)
			}
			return
		}

		var f Filter
		if err := json.Unmarshal(message, &f); err == nil {
			c.mu.Lock()
			c.filter = f
			c.mu.Unlock()
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "user_id", c.userID, "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
