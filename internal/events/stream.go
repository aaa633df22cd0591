// Package events consumes the rental service's server-sent event stream.
package events

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/containerd/errdefs"
	"github.com/containerd/errdefs/pkg/errhttp"
	"github.com/tidwall/gjson"
)

// KindHeartbeat is the event kind the service emits to keep the stream open.
const KindHeartbeat = "heartbeat"

const (
	maxLineSize   = 1 << 20
	eventsBufSize = 16
)

// ErrStreamEnded is reported by Err when the service closed the stream.
var ErrStreamEnded = errors.New("event stream ended")

// Event is one dispatched server-sent event.
type Event struct {
	ID   string
	Type string
	Data string
}

// IsJSON reports whether the payload is valid JSON.
func (e Event) IsJSON() bool {
	return gjson.Valid(e.Data)
}

// Kind returns the payload's "event" field, or "" for non-JSON payloads.
func (e Event) Kind() string {
	if !e.IsJSON() {
		return ""
	}
	return gjson.Get(e.Data, "event").String()
}

// IsHeartbeat reports whether the event is a keep-alive.
func (e Event) IsHeartbeat() bool {
	return e.Kind() == KindHeartbeat
}

// Stream is an open event stream. Events are delivered in order on Events
// until the stream ends or Close is called.
type Stream struct {
	body   io.ReadCloser
	cancel context.CancelFunc
	events chan Event
	logger *slog.Logger

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
	err       error
}

// Dial opens the stream at url with client. The stream lives until ctx ends
// or Close is called.
func Dial(ctx context.Context, client *http.Client, url string, logger *slog.Logger) (*Stream, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build event stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: connect event stream: %w", errdefs.ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: event stream returned %d", errhttp.ToNative(resp.StatusCode), resp.StatusCode)
	}

	s := &Stream{
		body:   resp.Body,
		cancel: cancel,
		events: make(chan Event, eventsBufSize),
		logger: logger,
	}
	go s.read(ctx)
	return s, nil
}

// Events returns the delivery channel. It is closed when the stream ends.
func (s *Stream) Events() <-chan Event {
	return s.events
}

// Err returns why the stream ended. It is nil while the stream is open and
// after a local Close.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close releases the connection. It is safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
	})
	return nil
}

func (s *Stream) read(ctx context.Context) {
	defer close(s.events)
	defer func() {
		if err := s.body.Close(); err != nil {
			s.logger.Debug("Failed to close event stream body", "error", err)
		}
	}()

	err := Parse(s.body, func(ev Event) bool {
		select {
		case s.events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	switch {
	case err != nil:
		s.err = err
	case ctx.Err() != nil:
		s.err = ctx.Err()
	default:
		s.err = ErrStreamEnded
	}
}

// Parse reads server-sent events from r and calls emit for each one until r
// is exhausted or emit returns false.
func Parse(r io.Reader, emit func(Event) bool) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxLineSize)

	var (
		ev      Event
		data    strings.Builder
		hasData bool
	)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if hasData {
				ev.Data = data.String()
				if !emit(ev) {
					return nil
				}
			}
			ev = Event{ID: ev.ID}
			data.Reset()
			hasData = false
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "event":
			ev.Type = value
		case "id":
			ev.ID = value
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return nil
}
