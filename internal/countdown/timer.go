// Package countdown drives the rental countdown: a single active session per
// Timer that renders HH:MM:SS and a progress percentage every tick and fires
// an expiry hook exactly once when the rental runs out.
package countdown

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
)

// DefaultDuration is the rental length used when the caller has no better value.
const DefaultDuration = time.Hour

const defaultInterval = time.Second

// State is the lifecycle position of a Timer.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateExpired:
		return "expired"
	default:
		return "idle"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Frame is one rendered view of the countdown.
type Frame struct {
	SessionID string  `json:"session_id,omitempty"`
	Text      string  `json:"text"`
	Percent   float64 `json:"percent"`
	State     State   `json:"state"`
}

// Sink receives rendered frames. It is called with the Timer's lock held and
// must not call back into the Timer.
type Sink interface {
	Render(Frame)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Frame)

// Render calls f.
func (f SinkFunc) Render(fr Frame) { f(fr) }

// ExpiryFunc runs once per session after it expires, outside the Timer's lock.
type ExpiryFunc func(sessionID string)

// Option configures a Timer.
type Option func(*Timer)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(t *Timer) { t.clock = c }
}

// WithInterval overrides the one-second tick interval.
func WithInterval(d time.Duration) Option {
	return func(t *Timer) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithExpiryHook registers fn to run on expiry.
func WithExpiryHook(fn ExpiryFunc) Option {
	return func(t *Timer) { t.onExpire = fn }
}

// WithLogger sets the logger used for lifecycle events.
func WithLogger(l *slog.Logger) Option {
	return func(t *Timer) {
		if l != nil {
			t.logger = l
		}
	}
}

// Timer owns at most one running countdown session. Start and Cancel are its
// only mutators; a new Start always releases the previous ticker first.
type Timer struct {
	clock    Clock
	interval time.Duration
	sink     Sink
	onExpire ExpiryFunc
	logger   *slog.Logger

	mu     sync.Mutex
	active *session
	state  State
	last   Frame
}

type session struct {
	id     string
	end    time.Time
	total  time.Duration
	ticker Ticker
	done   chan struct{}
}

// New creates an idle Timer rendering into sink. A nil sink discards frames.
func New(sink Sink, opts ...Option) *Timer {
	if sink == nil {
		sink = SinkFunc(func(Frame) {})
	}
	t := &Timer{
		clock:    RealClock{},
		interval: defaultInterval,
		sink:     sink,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start begins a session lasting d, cancelling any running one, and returns
// the new session ID.
func (t *Timer) Start(d time.Duration) (string, error) {
	if d <= 0 {
		return "", fmt.Errorf("%w: countdown duration must be positive, got %s", errdefs.ErrInvalidArgument, d)
	}
	now := t.clock.Now()
	return t.begin(now.Add(d), d, now), nil
}

// Resume begins a session that ends at end and whose full length was total.
// It is used to pick up a rental that started before the Timer existed.
func (t *Timer) Resume(end time.Time, total time.Duration) (string, error) {
	if total <= 0 {
		return "", fmt.Errorf("%w: countdown duration must be positive, got %s", errdefs.ErrInvalidArgument, total)
	}
	now := t.clock.Now()
	if !end.After(now) {
		return "", fmt.Errorf("%w: rental ended at %s", errdefs.ErrFailedPrecondition, end.Format(time.RFC3339))
	}
	return t.begin(end, total, now), nil
}

func (t *Timer) begin(end time.Time, total time.Duration, now time.Time) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.releaseLocked()

	s := &session{
		id:     uuid.NewString(),
		end:    end,
		total:  total,
		ticker: t.clock.NewTicker(t.interval),
		done:   make(chan struct{}),
	}
	t.active = s
	t.state = StateRunning
	t.renderLocked(s, now)

	t.logger.Debug("Countdown started", "session_id", s.id, "ends_at", end, "total", total)

	go t.run(s)
	return s.id
}

// Cancel stops the running session, if any, without firing the expiry hook.
func (t *Timer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == nil {
		return
	}
	t.logger.Debug("Countdown cancelled", "session_id", t.active.id)
	t.releaseLocked()
	t.state = StateIdle
}

// State reports the current lifecycle state.
func (t *Timer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Snapshot returns the most recently rendered frame.
func (t *Timer) Snapshot() Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Remaining returns the time left in the running session, or zero.
func (t *Timer) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active == nil {
		return 0
	}
	return remainingAt(t.active, t.clock.Now())
}

func (t *Timer) run(s *session) {
	for {
		select {
		case <-s.done:
			return
		case <-s.ticker.C():
			if t.tick(s) {
				return
			}
		}
	}
}

// tick evaluates s against the wall clock and reports whether s is finished.
func (t *Timer) tick(s *session) bool {
	t.mu.Lock()
	if t.active != s {
		t.mu.Unlock()
		return true
	}

	if t.renderLocked(s, t.clock.Now()) > 0 {
		t.mu.Unlock()
		return false
	}

	t.releaseLocked()
	t.state = StateExpired
	t.last = Frame{SessionID: s.id, Text: ExpiredText, Percent: 0, State: StateExpired}
	t.sink.Render(t.last)
	t.mu.Unlock()

	t.logger.Info("Rental countdown expired", "session_id", s.id)
	if t.onExpire != nil {
		t.onExpire(s.id)
	}
	return true
}

func (t *Timer) renderLocked(s *session, now time.Time) time.Duration {
	remaining := remainingAt(s, now)
	t.last = Frame{
		SessionID: s.id,
		Text:      FormatRemaining(remaining),
		Percent:   Percent(remaining, s.total),
		State:     StateRunning,
	}
	t.sink.Render(t.last)
	return remaining
}

func (t *Timer) releaseLocked() {
	if t.active == nil {
		return
	}
	t.active.ticker.Stop()
	close(t.active.done)
	t.active = nil
}

func remainingAt(s *session, now time.Time) time.Duration {
	remaining := s.end.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}
