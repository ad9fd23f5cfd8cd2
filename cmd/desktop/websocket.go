package main

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/kimhsiao/adherence/backend/internal/logging"
	"github.com/kimhsiao/adherence/backend/internal/models"
	syncengine "github.com/kimhsiao/adherence/backend/internal/sync"
	"github.com/kimhsiao/adherence/backend/internal/uuid"
)

const (
	wsSendBuffer  = 256
	wsPongWait    = 60 * time.Second
	wsPingPeriod  = 30 * time.Second
	wsWriteWait   = 10 * time.Second
	wsMaxReadSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     isLocalOrigin,
}

// isLocalOrigin only admits browsers served from the loopback interface.
func isLocalOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	req, err := http.NewRequest(http.MethodGet, origin, nil)
	if err != nil {
		return false
	}
	host := req.URL.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// WebSocket event types.
const (
	EventSyncStarted         = "sync.started"
	EventSyncCompleted       = "sync.completed"
	EventSyncItemFailed      = "sync.item_failed"
	EventConnectivityChanged = "connectivity.changed"

	EventRiskAssessed = "risk.assessed"
	EventRiskFailed   = "risk.failed"
)

var syncEventNames = map[syncengine.SyncEventType]string{
	syncengine.SyncEventStarted:             EventSyncStarted,
	syncengine.SyncEventCompleted:           EventSyncCompleted,
	syncengine.SyncEventItemFailed:          EventSyncItemFailed,
	syncengine.SyncEventConnectivityChanged: EventConnectivityChanged,
}

// WSEnvelope wraps all WebSocket messages.
type WSEnvelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

// WSClient represents a WebSocket client connection.
type WSClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub

	// An empty set receives every event.
	subMu         sync.RWMutex
	subscriptions map[string]bool
}

func (c *WSClient) wants(eventType string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return len(c.subscriptions) == 0 || c.subscriptions[eventType]
}

// WSHub maintains active client connections and broadcasts events.
type WSHub struct {
	clients    map[string]*WSClient
	broadcast  chan WSEnvelope
	register   chan *WSClient
	unregister chan *WSClient
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
	now        func() time.Time
}

var _ syncengine.SyncEventHandler = (*WSHub)(nil)

// NewWSHub creates a hub and starts its loop.
func NewWSHub() *WSHub {
	hub := &WSHub{
		clients:    make(map[string]*WSClient),
		broadcast:  make(chan WSEnvelope, wsSendBuffer),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		done:       make(chan struct{}),
		now:        time.Now,
	}
	go hub.run()
	return hub
}

func (h *WSHub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("WebSocket client connected", map[string]interface{}{"client_id": client.id, "total": total})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("WebSocket client disconnected", map[string]interface{}{"client_id": client.id, "total": total})

		case env := <-h.broadcast:
			bytes, err := json.Marshal(env)
			if err != nil {
				logging.Error("Failed to marshal WebSocket message", err, map[string]interface{}{"type": env.Type})
				continue
			}
			h.mu.Lock()
			for id, client := range h.clients {
				if !client.wants(env.Type) {
					continue
				}
				select {
				case client.send <- bytes:
				default:
					// Slow consumer.
					close(client.send)
					delete(h.clients, id)
					logging.Warn("Dropped slow WebSocket client", map[string]interface{}{"client_id": id})
				}
			}
			h.mu.Unlock()
		}
	}
}

// Stop disconnects every client and ends the loop.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues an event for subscribed clients. Events are dropped when
// the hub is stopped or its queue is full.
func (h *WSHub) Broadcast(messageType string, data map[string]interface{}) {
	env := WSEnvelope{
		Type:      messageType,
		Data:      data,
		Timestamp: h.now().Unix(),
	}
	select {
	case <-h.done:
	case h.broadcast <- env:
	default:
		logging.Warn("WebSocket broadcast queue full", map[string]interface{}{"type": messageType})
	}
}

// OnSyncEvent forwards engine events to clients.
func (h *WSHub) OnSyncEvent(event syncengine.SyncEvent) {
	name, ok := syncEventNames[event.Type]
	if !ok {
		name = string(event.Type)
	}
	h.Broadcast(name, event.Data)
}

// BroadcastRiskAssessed notifies clients of a fresh assessment.
func (h *WSHub) BroadcastRiskAssessed(a *models.RiskAssessment) {
	h.Broadcast(EventRiskAssessed, map[string]interface{}{
		"patient_id": a.PatientID,
		"risk_level": a.RiskLevel,
		"risk_score": a.RiskScore,
		"alerts":     len(a.Alerts),
	})
}

// BroadcastRiskFailed notifies clients that a patient could not be assessed.
func (h *WSHub) BroadcastRiskFailed(patientID string, err error) {
	h.Broadcast(EventRiskFailed, map[string]interface{}{
		"patient_id": patientID,
		"error":      err.Error(),
	})
}

// readPump handles subscribe, unsubscribe and ping actions until the
// connection closes.
func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxReadSize)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn("WebSocket read error", map[string]interface{}{"client_id": c.id, "error": err.Error()})
			}
			return
		}

		var msg struct {
			Action string   `json:"action"`
			Events []string `json:"events"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			logging.Debug("Invalid WebSocket message", map[string]interface{}{"client_id": c.id})
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.subMu.Lock()
			for _, e := range msg.Events {
				c.subscriptions[e] = true
			}
			c.subMu.Unlock()
			c.reply(map[string]interface{}{"action": "subscribe_ack", "subscribed": msg.Events})

		case "unsubscribe":
			c.subMu.Lock()
			for _, e := range msg.Events {
				delete(c.subscriptions, e)
			}
			c.subMu.Unlock()

		case "ping":
			c.reply(map[string]interface{}{"action": "pong"})
		}
	}
}

// writePump writes queued messages and keeps the connection alive.
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
		}
	}
}

// reply sends a control message to this client only. It never blocks the
// read loop.
func (c *WSClient) reply(msg map[string]interface{}) {
	msg["timestamp"] = time.Now().Unix()
	bytes, err := json.Marshal(msg)
	if err != nil {
		return
	}
	defer func() {
		// send may already be closed by the hub.
		_ = recover()
	}()
	select {
	case c.send <- bytes:
	default:
	}
}

// HandleWebSocket upgrades GET /ws and attaches the client to hub.
func HandleWebSocket(hub *WSHub) echo.HandlerFunc {
	return func(c echo.Context) error {
		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			logging.Warn("WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
			return nil
		}

		client := &WSClient{
			id:            uuid.New(),
			conn:          conn,
			send:          make(chan []byte, wsSendBuffer),
			hub:           hub,
			subscriptions: make(map[string]bool),
		}

		select {
		case hub.register <- client:
		case <-hub.done:
			conn.Close()
			return nil
		}

		go client.writePump()
		go client.readPump()
		return nil
	}
}
