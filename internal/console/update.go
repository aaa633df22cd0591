package console

import (
	"github.com/ashureev/rentdesk/internal/countdown"
	"github.com/ashureev/rentdesk/internal/domain"
)

// Update types pushed to the browser.
const (
	UpdateLog       = "log"
	UpdateStatus    = "status"
	UpdatePreview   = "preview"
	UpdateToken     = "token"
	UpdateCountdown = "countdown"
)

// Status colors understood by the frontend.
const (
	ColorMuted = "#9aa4b2"
	ColorWarn  = "#f0ad4e"
	ColorOK    = "#2ea043"
	ColorError = "red"
)

// Status is the one-line status shown above the console output.
type Status struct {
	Text  string `json:"text"`
	Color string `json:"color"`
}

// Update is one UI change for a user's browser tabs.
type Update struct {
	Type      string                 `json:"type"`
	Message   string                 `json:"message,omitempty"`
	Status    *Status                `json:"status,omitempty"`
	Payment   *domain.PaymentRequest `json:"payment,omitempty"`
	Rendered  string                 `json:"rendered,omitempty"`
	Token     string                 `json:"token,omitempty"`
	Countdown *countdown.Frame       `json:"countdown,omitempty"`
	Visible   bool                   `json:"visible,omitempty"`
}

// Publisher delivers updates to every connected tab of a user. Publish must
// not block on slow clients.
type Publisher interface {
	Publish(userID string, u Update)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(userID string, u Update)

// Publish calls f.
func (f PublisherFunc) Publish(userID string, u Update) { f(userID, u) }
