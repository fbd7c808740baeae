package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"tradebot-engine/internal/events"
	"tradebot-engine/internal/logging"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin is enforced by CORS and the bearer token
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSClient is one authenticated websocket connection
type WSClient struct {
	conn      *websocket.Conn
	send      chan []byte
	hub       *WSHub
	userID    string
	closeChan chan struct{}
}

type userMessage struct {
	userID string
	data   []byte
}

// WSHub fans engine events out to the connections of the bot owner
type WSHub struct {
	clients     map[*WSClient]bool
	userClients map[string]map[*WSClient]bool
	userCast    chan userMessage
	register    chan *WSClient
	unregister  chan *WSClient
	done        chan struct{} // Closed when Run returns
	mu          sync.RWMutex
	log         *logging.Logger
}

// NewWSHub creates a hub. Call Run before registering clients.
func NewWSHub(log *logging.Logger) *WSHub {
	if log == nil {
		log = logging.Default()
	}
	return &WSHub{
		clients:     make(map[*WSClient]bool),
		userClients: make(map[string]map[*WSClient]bool),
		userCast:    make(chan userMessage, 1024),
		register:    make(chan *WSClient),
		unregister:  make(chan *WSClient),
		done:        make(chan struct{}),
		log:         log.WithComponent("websocket"),
	}
}

// Run serves register, unregister and delivery until ctx is done
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			if h.userClients[client.userID] == nil {
				h.userClients[client.userID] = make(map[*WSClient]bool)
			}
			h.userClients[client.userID][client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			h.mu.Unlock()

		case msg := <-h.userCast:
			h.mu.Lock()
			for client := range h.userClients[msg.userID] {
				select {
				case client.send <- msg.data:
				default:
					// Slow consumer
					h.remove(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// remove must be called with h.mu held
func (h *WSHub) remove(client *WSClient) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	if set, ok := h.userClients[client.userID]; ok {
		delete(set, client)
		if len(set) == 0 {
			delete(h.userClients, client.userID)
		}
	}
	close(client.send)
}

func (h *WSHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		h.remove(client)
	}
}

// Attach forwards every bus event that names an owner to that owner's connections
func (h *WSHub) Attach(bus *events.EventBus) {
	if bus == nil {
		return
	}
	bus.SubscribeAll(func(e events.Event) {
		if e.UserID == "" {
			return
		}
		h.BroadcastToUser(e.UserID, e)
	})
}

// BroadcastToUser queues an event for one user's connections
func (h *WSHub) BroadcastToUser(userID string, event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.WithError(err).Warn("Failed to marshal event", "type", string(event.Type))
		return
	}
	select {
	case h.userCast <- userMessage{userID: userID, data: data}:
	default:
		h.log.Warn("Broadcast channel full, dropping message", "user_id", userID, "type", string(event.Type))
	}
}

// GetUserClientCount returns the number of connections for a user
func (h *WSHub) GetUserClientCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.userClients[userID])
}

// GetTotalClientCount returns the number of connections
func (h *WSHub) GetTotalClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closeChan:
			return
		}
	}
}

// readPump only drains control frames; clients do not send commands
func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
		close(c.closeChan)
	}()

	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.WithError(err).Debug("WebSocket read error", "user_id", c.userID)
			}
			return
		}
	}
}

// handleWebSocket upgrades an authenticated request and streams the user's events
func (s *Server) handleWebSocket(c *gin.Context) {
	userID, ok := s.getUserIDRequired(c)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		requestLogger(c).WithError(err).Warn("Failed to upgrade connection")
		return
	}

	client := &WSClient{
		conn:      conn,
		send:      make(chan []byte, wsSendBuffer),
		hub:       s.hub,
		userID:    userID,
		closeChan: make(chan struct{}),
	}
	welcome, _ := json.Marshal(gin.H{
		"type":      "CONNECTED",
		"user_id":   userID,
		"timestamp": time.Now(),
	})
	client.send <- welcome

	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}
