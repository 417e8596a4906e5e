// Package events fans licensing activity out to connected admin dashboards
// over WebSocket.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// historySize is how many recent events a newly connected dashboard replays.
const historySize = 50

// Message is one licensing event as sent to dashboards.
type Message struct {
	Type      string         `json:"type"`
	LicenseID string         `json:"license_id"`
	At        time.Time      `json:"at"`
	Extra     map[string]any `json:"extra,omitempty"`
}

type encoded struct {
	licenseID string
	data      []byte
}

// Hub tracks connected dashboards and keeps a short history so a dashboard
// opened after a dispense still sees it.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	history []encoded
	next    int
	logger  *slog.Logger
	now     func() time.Time
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		history: make([]encoded, 0, historySize),
		logger:  logger,
		now:     time.Now,
	}
}

// Register adds c and queues the history it is subscribed to, oldest first.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[c] = struct{}{}
	for _, e := range h.replay() {
		if c.wants(e.licenseID) {
			c.offer(e.data)
		}
	}
	h.logger.Debug("dashboard connected", "clients", len(h.clients), "license_id", c.licenseID)
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Publish stamps and broadcasts an event. It never blocks on slow clients.
func (h *Hub) Publish(kind, licenseID string, extra map[string]any) {
	h.Broadcast(Message{
		Type:      kind,
		LicenseID: licenseID,
		At:        h.now().UTC(),
		Extra:     extra,
	})
}

func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast", "error", err)
		return
	}
	e := encoded{licenseID: msg.LicenseID, data: data}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.remember(e)
	for c := range h.clients {
		if !c.wants(e.licenseID) {
			continue
		}
		if !c.offer(data) {
			h.logger.Warn("dashboard buffer full, dropping event", "type", msg.Type)
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) remember(e encoded) {
	if len(h.history) < historySize {
		h.history = append(h.history, e)
		return
	}
	h.history[h.next] = e
	h.next = (h.next + 1) % historySize
}

// replay returns the history in publish order. Callers hold mu.
func (h *Hub) replay() []encoded {
	out := make([]encoded, 0, len(h.history))
	out = append(out, h.history[h.next:]...)
	return append(out, h.history[:h.next]...)
}
