package console

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ashureev/rentdesk/internal/events"
)

// EventsDialer opens the rental service's event stream at a fixed URL.
type EventsDialer struct {
	Client *http.Client
	URL    string
	Logger *slog.Logger
}

// Dial implements StreamDialer.
func (d EventsDialer) Dial(ctx context.Context) (EventStream, error) {
	s, err := events.Dial(ctx, d.Client, d.URL, d.Logger)
	if err != nil {
		return nil, err
	}
	return s, nil
}
