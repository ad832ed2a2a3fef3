package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/vigil/internal/common/logger"
	"github.com/kandev/vigil/internal/events"
	"github.com/kandev/vigil/internal/events/bus"
)

// Hub manages all WebSocket client connections and fans bus events out to them.
type Hub struct {
	clients map[*Client]bool

	// Clients that narrowed their stream to specific agents
	agentSubscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *bus.Event

	sub bus.Subscription

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:          make(map[*Client]bool),
		agentSubscribers: make(map[string]map[*Client]bool),
		register:         make(chan *Client),
		unregister:       make(chan *Client),
		broadcast:        make(chan *bus.Event, 256),
		logger:           log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Attach subscribes the hub to every Vigil event on eventBus.
func (h *Hub) Attach(eventBus bus.EventBus) error {
	sub, err := eventBus.Subscribe(events.AllSubjects, func(ctx context.Context, event *bus.Event) error {
		h.Broadcast(event)
		return nil
	})
	if err != nil {
		return err
	}
	h.sub = sub
	return nil
}

// Run starts the hub's main processing loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			if h.sub != nil {
				_ = h.sub.Unsubscribe()
			}
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case event := <-h.broadcast:
			h.broadcastEvent(event)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		client.closeSend()
		delete(h.clients, client)
	}
	h.agentSubscribers = make(map[string]map[*Client]bool)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.closeSend()

		for agentID := range client.subscriptions() {
			h.dropSubscriber(agentID, client)
		}
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

func (h *Hub) dropSubscriber(agentID string, client *Client) {
	if clients, ok := h.agentSubscribers[agentID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.agentSubscribers, agentID)
		}
	}
}

// broadcastEvent sends an event to every unfiltered client and to the
// subscribers of the agent it concerns.
func (h *Hub) broadcastEvent(event *bus.Event) {
	msg, err := NewNotification(event.Type, event)
	if err != nil {
		h.logger.Error("Failed to build notification", zap.Error(err))
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return
	}

	agentID, _ := event.Data["agent_id"].(string)

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if agentID != "" && client.filtered() && !h.agentSubscribers[agentID][client] {
			continue
		}
		if !client.enqueue(data) {
			h.logger.Debug("Client buffer full, dropping event",
				zap.String("client_id", client.ID),
				zap.String("event_type", event.Type))
		}
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast queues an event for delivery. Events are dropped when the queue is full.
func (h *Hub) Broadcast(event *bus.Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("Broadcast queue full, dropping event", zap.String("event_type", event.Type))
	}
}

// SubscribeAgents narrows client to events of the given agents.
func (h *Hub) SubscribeAgents(client *Client, agentIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, agentID := range agentIDs {
		if _, ok := h.agentSubscribers[agentID]; !ok {
			h.agentSubscribers[agentID] = make(map[*Client]bool)
		}
		h.agentSubscribers[agentID][client] = true
		client.addSubscription(agentID)
	}
}

// UnsubscribeAgents removes agents from client's filter. A client left with
// no subscriptions receives every event again.
func (h *Hub) UnsubscribeAgents(client *Client, agentIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, agentID := range agentIDs {
		client.removeSubscription(agentID)
		h.dropSubscriber(agentID, client)
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
