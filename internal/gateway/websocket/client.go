package websocket

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/vigil/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// Client represents a single WebSocket connection
type Client struct {
	ID     string
	conn   *websocket.Conn
	hub    *Hub
	send   chan []byte
	logger *logger.Logger

	mu       sync.RWMutex
	agentIDs map[string]bool
	closed   bool
}

// NewClient creates a new WebSocket client
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:       id,
		conn:     conn,
		hub:      hub,
		send:     make(chan []byte, sendBuffer),
		agentIDs: make(map[string]bool),
		logger:   log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump reads client requests until the connection closes
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("", "", ErrorCodeBadRequest, "Invalid message format")
			continue
		}
		c.handleMessage(ctx, &msg)
	}
}

func (c *Client) handleMessage(ctx context.Context, msg *Message) {
	c.logger.Debug("Received message", zap.String("action", msg.Action), zap.String("id", msg.ID))

	switch msg.Action {
	case ActionHealthCheck:
		c.respond(msg, map[string]interface{}{"status": "ok", "service": "vigil"})
	case ActionSubscribe, ActionUnsubscribe:
		var req SubscribeRequest
		if err := msg.ParsePayload(&req); err != nil {
			c.sendError(msg.ID, msg.Action, ErrorCodeBadRequest, "Invalid payload: "+err.Error())
			return
		}
		if len(req.AgentIDs) == 0 {
			c.sendError(msg.ID, msg.Action, ErrorCodeValidation, "agent_ids is required")
			return
		}
		if msg.Action == ActionSubscribe {
			c.hub.SubscribeAgents(c, req.AgentIDs)
		} else {
			c.hub.UnsubscribeAgents(c, req.AgentIDs)
		}
		c.respond(msg, map[string]interface{}{"success": true, "agent_ids": c.subscriptionList()})
	default:
		c.sendError(msg.ID, msg.Action, ErrorCodeUnknownAction, "Unknown action: "+msg.Action)
	}
}

func (c *Client) respond(req *Message, payload interface{}) {
	resp, err := NewResponse(req.ID, req.Action, payload)
	if err != nil {
		c.logger.Error("Failed to create response", zap.Error(err))
		return
	}
	c.sendMessage(resp)
}

func (c *Client) sendError(id, action, code, message string) {
	msg, err := NewError(id, action, code, message)
	if err != nil {
		c.logger.Error("Failed to create error message", zap.Error(err))
		return
	}
	c.sendMessage(msg)
}

func (c *Client) sendMessage(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}
	if !c.enqueue(data) {
		c.logger.Warn("Client send buffer full")
	}
}

// WritePump writes queued messages and keepalive pings to the connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// enqueue reports whether data was queued; it fails once the hub closed the client.
func (c *Client) enqueue(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) filtered() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.agentIDs) > 0
}

func (c *Client) addSubscription(agentID string) {
	c.mu.Lock()
	c.agentIDs[agentID] = true
	c.mu.Unlock()
}

func (c *Client) removeSubscription(agentID string) {
	c.mu.Lock()
	delete(c.agentIDs, agentID)
	c.mu.Unlock()
}

func (c *Client) subscriptions() map[string]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]bool, len(c.agentIDs))
	for id := range c.agentIDs {
		out[id] = true
	}
	return out
}

func (c *Client) subscriptionList() []string {
	subs := c.subscriptions()
	out := make([]string, 0, len(subs))
	for id := range subs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
