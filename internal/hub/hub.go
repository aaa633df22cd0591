// Package hub fans console updates out to every open browser tab of a user
// over WebSocket.
package hub

import (
	"log/slog"
	"sync"

	"github.com/ashureev/rentdesk/internal/console"
)

const sendBuffer = 256

// client is one connected tab. Updates are queued on send and written by the
// connection's writer goroutine.
type client struct {
	userID    string
	sessionID string
	send      chan console.Update
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(userID, sessionID string) *client {
	return &client{
		userID:    userID,
		sessionID: sessionID,
		send:      make(chan console.Update, sendBuffer),
		done:      make(chan struct{}),
	}
}

// enqueue queues u without blocking and reports whether it was accepted.
func (c *client) enqueue(u console.Update) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- u:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Hub tracks the connected tabs of every user. It implements console.Publisher.
type Hub struct {
	logger *slog.Logger

	mu     sync.RWMutex
	active map[string]map[string]*client
}

// New creates an empty Hub.
func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		active: make(map[string]map[string]*client),
	}
}

// Register adds c for its user and tab, closing any connection the tab had.
func (h *Hub) Register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.active[c.userID]; !exists {
		h.active[c.userID] = make(map[string]*client)
	}
	if existing, exists := h.active[c.userID][c.sessionID]; exists && existing != c {
		existing.close()
	}

	h.active[c.userID][c.sessionID] = c
	h.logger.Info("Console tab registered", "user_id", c.userID, "session_id", c.sessionID)
}

// Unregister removes c if it is still the tab's current connection.
func (h *Hub) Unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sessions, ok := h.active[c.userID]; ok {
		if current, exists := sessions[c.sessionID]; exists && current == c {
			delete(sessions, c.sessionID)
			if len(sessions) == 0 {
				delete(h.active, c.userID)
			}
			h.logger.Info("Console tab unregistered", "user_id", c.userID, "session_id", c.sessionID)
		}
	}
	c.close()
}

// Publish queues u for every tab of userID. A tab whose queue is full misses
// the update.
func (h *Hub) Publish(userID string, u console.Update) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sid, c := range h.active[userID] {
		if !c.enqueue(u) {
			h.logger.Warn("Dropping console update for slow tab", "user_id", userID, "session_id", sid, "type", u.Type)
		}
	}
}

// Tabs returns the number of open tabs of userID.
func (h *Hub) Tabs(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active[userID])
}

// CloseUser disconnects every tab of userID.
func (h *Hub) CloseUser(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sid, c := range h.active[userID] {
		c.close()
		h.logger.Info("Console tab closed", "user_id", userID, "session_id", sid)
	}
	delete(h.active, userID)
}

// Close disconnects every tab.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sessions := range h.active {
		for _, c := range sessions {
			c.close()
		}
	}
	h.active = make(map[string]map[string]*client)
}
