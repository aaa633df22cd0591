package console

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/rentdesk/internal/countdown"
)

// Manager owns one Console per user.
type Manager struct {
	cfg  Config
	deps Deps

	mu       sync.Mutex
	consoles map[string]*Console
	closed   bool
}

// NewManager creates a Manager whose consoles share cfg and deps.
func NewManager(cfg Config, deps Deps) *Manager {
	if deps.Clock == nil {
		deps.Clock = countdown.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		consoles: make(map[string]*Console),
	}
}

// Get returns the user's console, creating it and restoring any persisted
// active rental on first use. It returns ErrManagerClosed after Close.
func (m *Manager) Get(ctx context.Context, userID string) (*Console, error) {
	now := m.deps.Clock.Now()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if c, ok := m.consoles[userID]; ok {
		c.touch(now)
		m.mu.Unlock()
		return c, nil
	}
	c := newConsole(userID, m.cfg, m.deps)
	c.touch(now)
	m.consoles[userID] = c
	m.mu.Unlock()

	if err := c.Restore(ctx); err != nil {
		c.logger.Warn("Failed to restore rental", "error", err)
	}
	return c, nil
}

// Lookup returns the user's console if one exists.
func (m *Manager) Lookup(userID string) (*Console, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.consoles[userID]
	return c, ok
}

// Expire tells the user's console, if loaded, that rentalID ended.
func (m *Manager) Expire(userID, rentalID string) {
	if c, ok := m.Lookup(userID); ok {
		c.rentalEnded(rentalID)
	}
}

// Count returns the number of loaded consoles.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.consoles)
}

// EvictIdle closes and forgets consoles that have not been used for idle and
// have no running rental. Users for which inUse reports true are kept.
// A later Get recreates the console from storage.
func (m *Manager) EvictIdle(idle time.Duration, inUse func(userID string) bool) int {
	now := m.deps.Clock.Now()

	m.mu.Lock()
	var evicted []*Console
	for userID, c := range m.consoles {
		if inUse != nil && inUse(userID) {
			continue
		}
		if !c.idle(now, idle) {
			continue
		}
		delete(m.consoles, userID)
		evicted = append(evicted, c)
	}
	m.mu.Unlock()

	for _, c := range evicted {
		c.Close()
	}
	return len(evicted)
}

// StartEviction runs EvictIdle every interval until ctx is done.
func (m *Manager) StartEviction(ctx context.Context, interval, idle time.Duration, inUse func(userID string) bool) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.EvictIdle(idle, inUse); n > 0 {
					m.deps.Logger.Info("Evicted idle consoles", "count", n)
				}
			}
		}
	}()
}

// Close stops every console.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	consoles := make([]*Console, 0, len(m.consoles))
	for _, c := range m.consoles {
		consoles = append(consoles, c)
	}
	m.consoles = make(map[string]*Console)
	m.mu.Unlock()

	for _, c := range consoles {
		c.Close()
	}
}
