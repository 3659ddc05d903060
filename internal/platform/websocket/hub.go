// Package websocket is the push channel: a hub of named groups
// ("doctor:<id>", "room:<id>", "user:<id>") that WebSocket clients join, and
// brokers that fan published events out across server instances.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/telehealth/internal/platform/metrics"
)

// Group name helpers.
func DoctorGroup(doctorID string) string { return "doctor:" + doctorID }
func UserGroup(userID string) string     { return "user:" + userID }
func RoomGroup(roomID string) string     { return "room:" + roomID }

// Event is a message pushed to WebSocket clients.
type Event struct {
	Type      string          `json:"type"`
	Group     string          `json:"group,omitempty"`
	From      string          `json:"from,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEvent builds an Event with data marshalled to JSON.
func NewEvent(eventType string, data interface{}) (Event, error) {
	ev := Event{Type: eventType, Timestamp: time.Now().UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s event: %w", eventType, err)
		}
		ev.Data = raw
	}
	return ev, nil
}

// Publisher pushes events to a group. Delivery is best-effort.
type Publisher interface {
	Publish(ctx context.Context, group string, ev Event) error
}

// Client represents a single WebSocket connection.
type Client struct {
	ID     string
	UserID string
	Send   chan []byte

	groups map[string]struct{}
}

// NewClient creates a client with a buffered send queue.
func NewClient(id, userID string, buffer int) *Client {
	return &Client{
		ID:     id,
		UserID: userID,
		Send:   make(chan []byte, buffer),
		groups: make(map[string]struct{}),
	}
}

// Hub tracks connected clients and their group memberships. All operations
// are safe for concurrent use.
type Hub struct {
	mu      sync.RWMutex
	groups  map[string]map[*Client]struct{}
	clients map[string]*Client

	logger zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		groups:  make(map[string]map[*Client]struct{}),
		clients: make(map[string]*Client),
		logger:  logger.With().Str("component", "ws-hub").Logger(),
	}
}

// Register adds a client to the hub and joins it to groups.
func (h *Hub) Register(client *Client, groups ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.ID]; !ok {
		metrics.WebSocketConnections.Inc()
	}
	h.clients[client.ID] = client
	h.joinLocked(client, groups)
}

// Unregister removes a client from every group and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cur, ok := h.clients[client.ID]; !ok || cur != client {
		return
	}
	for group := range client.groups {
		h.removeLocked(client, group)
	}
	delete(h.clients, client.ID)
	close(client.Send)
	metrics.WebSocketConnections.Dec()
}

// Join adds groups to an already-registered client.
func (h *Hub) Join(client *Client, groups ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	h.joinLocked(client, groups)
}

// Leave removes groups from a client.
func (h *Hub) Leave(client *Client, groups ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, g := range groups {
		h.removeLocked(client, g)
	}
}

func (h *Hub) joinLocked(client *Client, groups []string) {
	for _, g := range groups {
		if h.groups[g] == nil {
			h.groups[g] = make(map[*Client]struct{})
		}
		h.groups[g][client] = struct{}{}
		client.groups[g] = struct{}{}
	}
}

func (h *Hub) removeLocked(client *Client, group string) {
	if members, ok := h.groups[group]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
	delete(client.groups, group)
}

// Broadcast delivers ev to every member of group except the client whose ID
// is exclude, and returns how many clients it was queued for. Clients with a
// full send buffer are skipped.
func (h *Hub) Broadcast(group string, ev Event, exclude string) int {
	ev.Group = group
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error().Err(err).Str("event", ev.Type).Msg("marshal event")
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for client := range h.groups[group] {
		if client.ID == exclude {
			continue
		}
		select {
		case client.Send <- data:
			n++
		default:
			h.logger.Warn().Str("client_id", client.ID).Str("event", ev.Type).Msg("send buffer full, dropping event")
		}
	}
	return n
}

// SendTo queues ev for a single client by ID.
func (h *Hub) SendTo(clientID string, ev Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		return false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	client, ok := h.clients[clientID]
	if !ok {
		return false
	}
	select {
	case client.Send <- data:
		return true
	default:
		return false
	}
}

// Deliver hands an envelope received from a broker to local clients.
func (h *Hub) Deliver(env Envelope) int {
	return h.Broadcast(env.Group, env.Event, env.Exclude)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
