package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"nifty-options-bot/internal/position"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	EventMarketUpdate      = "market_update"
	EventTradeNotification = "trade_notification"
	EventConnected         = "connected"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origins are enforced by the CORS configuration and the bearer token
		return true
	},
}

// Event is the envelope every pushed message uses
type Event struct {
	Event     string      `json:"event"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// UserWSClient is one websocket connection of a user
type UserWSClient struct {
	conn      *websocket.Conn
	send      chan []byte
	hub       *UserHub
	userID    string
	closeChan chan struct{}
}

// UserHub fans events out to every connection of a user. It implements
// position.Notifier.
type UserHub struct {
	userClients map[string]map[*UserWSClient]bool
	userCast    chan userMessage
	register    chan *UserWSClient
	unregister  chan *UserWSClient
	done        chan struct{}
	mu          sync.RWMutex
	logger      zerolog.Logger
}

type userMessage struct {
	userID string
	data   []byte
}

var _ position.Notifier = (*UserHub)(nil)

// NewUserHub creates a user-aware websocket hub. Run must be started
// before clients connect.
func NewUserHub(logger zerolog.Logger) *UserHub {
	return &UserHub{
		userClients: make(map[string]map[*UserWSClient]bool),
		userCast:    make(chan userMessage, 256),
		register:    make(chan *UserWSClient),
		unregister:  make(chan *UserWSClient),
		done:        make(chan struct{}),
		logger:      logger.With().Str("component", "ws_hub").Logger(),
	}
}

// Run serves registrations and deliveries until ctx is done, then closes
// every connection
func (h *UserHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for userID, clients := range h.userClients {
				for client := range clients {
					close(client.send)
				}
				delete(h.userClients, userID)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.userClients[client.userID] == nil {
				h.userClients[client.userID] = make(map[*UserWSClient]bool)
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
					h.logger.Warn().Str("user_id", msg.userID).Msg("Client too slow, dropping connection")
					h.remove(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// remove must be called with mu held
func (h *UserHub) remove(client *UserWSClient) {
	clients, ok := h.userClients[client.userID]
	if !ok || !clients[client] {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.userClients, client.userID)
	}
	close(client.send)
}

// PublishMarketUpdate pushes the composite dashboard snapshot
func (h *UserHub) PublishMarketUpdate(userID string, update position.MarketUpdate) {
	h.sendToUser(userID, EventMarketUpdate, update)
}

// NotifyTrade pushes a trade notification message
func (h *UserHub) NotifyTrade(userID, message string) {
	h.sendToUser(userID, EventTradeNotification, gin.H{"message": message})
}

func (h *UserHub) sendToUser(userID, event string, data interface{}) {
	if h.ClientCount(userID) == 0 {
		return
	}

	payload, err := json.Marshal(Event{Event: event, Data: data, Timestamp: time.Now()})
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("Failed to marshal event")
		return
	}

	select {
	case h.userCast <- userMessage{userID: userID, data: payload}:
	default:
		h.logger.Warn().Str("user_id", userID).Str("event", event).Msg("Hub queue full, dropping event")
	}
}

// ClientCount returns the number of open connections for a user
func (h *UserHub) ClientCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.userClients[userID])
}

// ConnectedUsers returns the ids of users with at least one connection
func (h *UserHub) ConnectedUsers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	users := make([]string, 0, len(h.userClients))
	for userID := range h.userClients {
		users = append(users, userID)
	}
	return users
}

// serve upgrades the request and attaches the connection to userID
func (h *UserHub) serve(c *gin.Context, userID string) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to upgrade connection")
		return
	}

	client := &UserWSClient{
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		hub:       h,
		userID:    userID,
		closeChan: make(chan struct{}),
	}
	welcome, err := json.Marshal(Event{
		Event:     EventConnected,
		Data:      gin.H{"user_id": userID},
		Timestamp: time.Now(),
	})
	if err == nil {
		client.send <- welcome
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// writePump pumps messages from the hub to the websocket connection
func (c *UserWSClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closeChan:
			return
		}
	}
}

// readPump drains client frames so pongs and close frames are processed
func (c *UserWSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
		close(c.closeChan)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug().Err(err).Str("user_id", c.userID).Msg("WebSocket read error")
			}
			return
		}
	}
}
