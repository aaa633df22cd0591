// Package console implements the per-user rental console: it dispatches the
// payment, verification and upload actions to the rental service, relays the
// live-event stream, drives the rental countdown and publishes every UI change
// to the user's browser tabs.
package console

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/rentdesk/internal/countdown"
	"github.com/ashureev/rentdesk/internal/domain"
	"github.com/ashureev/rentdesk/internal/events"
	"github.com/ashureev/rentdesk/internal/payment"
	"github.com/ashureev/rentdesk/internal/remote"
	"github.com/ashureev/rentdesk/internal/store"
	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	"github.com/tidwall/pretty"
)

const (
	tokenPreviewLen = 40
	persistTimeout  = 5 * time.Second
)

// RentalService is the subset of the rental service client the console uses.
type RentalService interface {
	CreatePayment(ctx context.Context, req remote.CreatePaymentRequest) (*domain.PaymentRequest, error)
	Verify(ctx context.Context, txSignature, wallet string) (*remote.Verification, error)
	UploadDocument(ctx context.Context, token, filename string, r io.Reader) (*remote.UploadResult, error)
}

// EventStream is an open live-event stream.
type EventStream interface {
	Events() <-chan events.Event
	Err() error
	Close() error
}

// StreamDialer opens the live-event stream.
type StreamDialer interface {
	Dial(ctx context.Context) (EventStream, error)
}

// Config holds the rental terms every console uses.
type Config struct {
	RentalDuration time.Duration
	RentalHours    int
	DevTxSignature string
	Quote          payment.Quote
}

// Deps are the collaborators shared by all consoles.
type Deps struct {
	Remote    RentalService
	Dialer    StreamDialer
	Repo      store.Repository
	Publisher Publisher
	Logger    *slog.Logger

	// Clock and TickInterval override the countdown's wall clock in tests.
	Clock        countdown.Clock
	TickInterval time.Duration
}

// Console is one user's rental console. All methods are safe for concurrent use.
type Console struct {
	userID string
	cfg    Config
	deps   Deps
	logger *slog.Logger
	timer  *countdown.Timer
	log    *history

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	status    Status
	preview   *domain.PaymentRequest
	token     string
	wallet    string
	rentalID  string
	sessionID string
	stream    EventStream
	streamGen int
	lastUsed  time.Time
}

func newConsole(userID string, cfg Config, deps Deps) *Console {
	if deps.Clock == nil {
		deps.Clock = countdown.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Publisher == nil {
		deps.Publisher = PublisherFunc(func(string, Update) {})
	}
	if cfg.RentalDuration <= 0 {
		cfg.RentalDuration = countdown.DefaultDuration
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Console{
		userID: userID,
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With("user_id", userID),
		log:    newHistory(defaultHistoryLines),
		ctx:    ctx,
		cancel: cancel,
		status: Status{Text: "Idle", Color: ColorMuted},
	}

	opts := []countdown.Option{
		countdown.WithClock(deps.Clock),
		countdown.WithExpiryHook(c.onExpire),
		countdown.WithLogger(c.logger),
	}
	if deps.TickInterval > 0 {
		opts = append(opts, countdown.WithInterval(deps.TickInterval))
	}
	c.timer = countdown.New(countdown.SinkFunc(c.renderCountdown), opts...)
	return c
}

// Preview renders a local payment descriptor for wallet.
func (c *Console) Preview(wallet string) domain.PaymentRequest {
	p := payment.Preview(wallet, c.cfg.Quote)

	c.mu.Lock()
	c.preview = &p
	c.mu.Unlock()

	c.publish(Update{Type: UpdatePreview, Payment: &p, Rendered: payment.Render(p)})
	return p
}

// CreatePayment asks the rental service for a payment request for wallet.
func (c *Console) CreatePayment(ctx context.Context, wallet string) (*domain.PaymentRequest, error) {
	wallet = payment.WalletOrDefault(wallet)
	c.setStatus("Creating payment...", ColorMuted)

	req, err := c.deps.Remote.CreatePayment(ctx, remote.CreatePaymentRequest{
		WalletAddress: wallet,
		RentalHours:   c.cfg.RentalHours,
		Amount:        c.cfg.Quote.Amount,
	})
	if err != nil {
		c.logger.Warn("Create payment failed", "error", err)
		c.logf("Create payment error: %v", err)
		c.setStatus("Error creating payment", ColorError)
		return nil, err
	}

	c.rememberWallet(ctx, wallet)
	if err := c.deps.Repo.CreatePayment(ctx, &domain.Payment{
		ID:        uuid.NewString(),
		UserID:    c.userID,
		Wallet:    wallet,
		Request:   *req,
		CreatedAt: c.deps.Clock.Now(),
	}); err != nil {
		c.logger.Warn("Failed to persist payment", "error", err, "reference", req.Reference)
	}

	c.logf("Payment created: %s", mustJSON(req))
	c.setStatus("Payment created, verify to get token", ColorWarn)
	return req, nil
}

// Verify confirms the payment for wallet. On success the console keeps the
// access token, connects the live-event stream and starts the countdown.
func (c *Console) Verify(ctx context.Context, wallet string) (*remote.Verification, error) {
	wallet = payment.WalletOrDefault(wallet)
	c.setStatus("Verifying...", ColorMuted)

	v, err := c.deps.Remote.Verify(ctx, c.cfg.DevTxSignature, wallet)
	if err != nil {
		c.logger.Warn("Verify failed", "error", err)
		c.logf("Verify error: %v", err)
		c.setStatus("Verification error", ColorError)
		return nil, err
	}
	if !v.HasToken() {
		c.logf("Verify returned: %s", mustJSON(v))
		c.setStatus("Verification failed", ColorError)
		return v, ErrNotVerified
	}

	// Stop the previous rental before the new stream is dialed.
	c.mu.Lock()
	c.token = v.Token
	c.wallet = wallet
	c.timer.Cancel()
	c.sessionID = ""
	c.rentalID = ""
	c.mu.Unlock()
	c.rememberWallet(ctx, wallet)

	c.publish(Update{Type: UpdateToken, Token: v.Token})
	c.setStatus("Verified, token received", ColorOK)
	c.connectEvents()

	if err := c.startRental(ctx, wallet, v.Token); err != nil {
		return v, err
	}

	c.logf("Received token (dev): %s", remote.Preview(v.Token, tokenPreviewLen))
	return v, nil
}

// Upload sends a document to the rental service using the current token.
// A nil reader means no file was selected.
func (c *Console) Upload(ctx context.Context, filename string, r io.Reader) (*remote.UploadResult, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	if token == "" {
		c.logf("No JWT, verify first.")
		c.setStatus("No token", ColorError)
		return nil, ErrNoToken
	}
	if r == nil || filename == "" {
		c.logf("No file selected.")
		return nil, ErrNoFile
	}

	c.setStatus("Uploading...", ColorMuted)
	res, err := c.deps.Remote.UploadDocument(ctx, token, filename, r)
	if err != nil {
		c.logger.Warn("Upload failed", "error", err, "filename", filename)
		c.logf("Upload error: %v", err)
		c.setStatus("Upload failed", ColorError)
		return nil, err
	}

	c.logf("Upload result: %s", mustJSON(res))
	c.setStatus("Upload complete", ColorOK)
	return res, nil
}

// Restore resumes the user's persisted active rental, if any. Rentals whose
// end has already passed are marked expired instead.
func (c *Console) Restore(ctx context.Context) error {
	rental, err := c.deps.Repo.GetActiveRental(ctx, c.userID)
	if err != nil {
		return fmt.Errorf("load active rental: %w", err)
	}
	if rental == nil {
		return nil
	}

	now := c.deps.Clock.Now()
	if !rental.IsActive(now) {
		if err := c.deps.Repo.UpdateRentalStatus(ctx, rental.ID, domain.RentalExpired, rental.EndsAt); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("expire stale rental: %w", err)
		}
		return nil
	}

	c.mu.Lock()
	sessionID, err := c.timer.Resume(rental.EndsAt, rental.Duration)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("resume countdown: %w", err)
	}
	c.token = rental.Token
	c.wallet = rental.Wallet
	c.rentalID = rental.ID
	c.sessionID = sessionID
	c.mu.Unlock()

	c.logger.Info("Rental restored", "rental_id", rental.ID, "remaining", rental.Remaining(now))
	c.publish(Update{Type: UpdateToken, Token: rental.Token})
	c.logf("Rental restored, %s remaining", countdown.FormatRemaining(rental.Remaining(now)))
	c.setStatus("Verified, token received", ColorOK)
	c.connectEvents()
	return nil
}

// View is a point-in-time copy of the console state.
type View struct {
	Status    Status                 `json:"status"`
	Countdown countdown.Frame        `json:"countdown"`
	Visible   bool                   `json:"visible"`
	Preview   *domain.PaymentRequest `json:"preview,omitempty"`
	Token     string                 `json:"token,omitempty"`
	Wallet    string                 `json:"wallet,omitempty"`
	RentalID  string                 `json:"rental_id,omitempty"`
}

// View returns the current console state.
func (c *Console) View() View {
	frame := c.timer.Snapshot()

	c.mu.Lock()
	defer c.mu.Unlock()
	return View{
		Status:    c.status,
		Countdown: frame,
		Visible:   frame.Text != "",
		Preview:   c.preview,
		Token:     c.token,
		Wallet:    c.wallet,
		RentalID:  c.rentalID,
	}
}

// Replay returns the updates that bring a newly connected tab up to date:
// the retained log lines followed by the current state.
func (c *Console) Replay() []Update {
	v := c.View()
	st := v.Status

	lines := c.log.all()
	out := make([]Update, 0, len(lines)+4)
	for _, line := range lines {
		out = append(out, Update{Type: UpdateLog, Message: line})
	}
	out = append(out, Update{Type: UpdateStatus, Status: &st})
	if v.Preview != nil {
		out = append(out, Update{Type: UpdatePreview, Payment: v.Preview, Rendered: payment.Render(*v.Preview)})
	}
	if v.Token != "" {
		out = append(out, Update{Type: UpdateToken, Token: v.Token})
	}
	if v.Visible {
		frame := v.Countdown
		out = append(out, Update{Type: UpdateCountdown, Countdown: &frame, Visible: true})
	}
	return out
}

// Close stops the countdown and the event stream.
func (c *Console) Close() {
	c.cancel()
	c.timer.Cancel()

	c.mu.Lock()
	stream := c.stream
	c.stream = nil
	c.streamGen++
	c.mu.Unlock()

	if stream != nil {
		_ = stream.Close()
	}
}

func (c *Console) touch(now time.Time) {
	c.mu.Lock()
	c.lastUsed = now
	c.mu.Unlock()
}

// idle reports whether the console has gone unused for at least d with no
// running rental and no event stream.
func (c *Console) idle(now time.Time, d time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream == nil && c.timer.State() != countdown.StateRunning && now.Sub(c.lastUsed) >= d
}

// rentalEnded handles a rental the reaper expired in storage.
func (c *Console) rentalEnded(rentalID string) {
	c.mu.Lock()
	if c.rentalID != rentalID || c.timer.State() == countdown.StateRunning {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.finishRental("", rentalID)
}

func (c *Console) startRental(ctx context.Context, wallet, token string) error {
	now := c.deps.Clock.Now()
	rental := &domain.Rental{
		ID:        uuid.NewString(),
		UserID:    c.userID,
		Wallet:    wallet,
		Token:     token,
		Duration:  c.cfg.RentalDuration,
		StartedAt: now,
		EndsAt:    now.Add(c.cfg.RentalDuration),
		Status:    domain.RentalActive,
	}
	if claims, err := remote.ParseClaims(token); err != nil {
		c.logger.Debug("Token claims unreadable", "error", err)
	} else {
		rental.TokenSubject = claims.Subject
		c.logger.Info("Token issued", "subject", claims.Subject, "expires_at", claims.ExpiresAt)
	}

	if err := c.deps.Repo.CreateRental(ctx, rental); err != nil {
		c.logger.Warn("Failed to persist rental", "error", err, "rental_id", rental.ID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	sessionID, err := c.timer.Start(c.cfg.RentalDuration)
	if err != nil {
		return fmt.Errorf("start countdown: %w", err)
	}
	c.rentalID = rental.ID
	c.sessionID = sessionID
	return nil
}

// onExpire runs on the countdown goroutine once a session reaches zero.
func (c *Console) onExpire(sessionID string) {
	c.finishRental(sessionID, "")
}

// finishRental performs the expiry side effects if the ending session or
// rental is still the current one. Empty IDs are not compared.
func (c *Console) finishRental(sessionID, rentalID string) {
	c.mu.Lock()
	if (sessionID != "" && sessionID != c.sessionID) || (rentalID != "" && rentalID != c.rentalID) {
		c.mu.Unlock()
		return
	}
	rentalID = c.rentalID
	stream := c.stream
	c.stream = nil
	c.streamGen++
	c.mu.Unlock()

	c.setStatus("Rental expired", ColorError)
	if stream != nil {
		_ = stream.Close()
	}

	if rentalID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := c.deps.Repo.UpdateRentalStatus(ctx, rentalID, domain.RentalExpired, c.deps.Clock.Now()); err != nil && !errdefs.IsNotFound(err) {
		c.logger.Warn("Failed to mark rental expired", "error", err, "rental_id", rentalID)
	}
}

// connectEvents replaces the live-event stream. Dialing and relaying happen
// in the background.
func (c *Console) connectEvents() {
	c.mu.Lock()
	prev := c.stream
	c.stream = nil
	c.streamGen++
	gen := c.streamGen
	c.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
	if c.deps.Dialer == nil {
		return
	}

	c.logf("Connecting SSE...")
	go c.runEvents(gen)
}

func (c *Console) runEvents(gen int) {
	s, err := c.deps.Dialer.Dial(c.ctx)
	if err != nil {
		if c.currentStream(gen) {
			c.logger.Warn("Event stream connect failed", "error", err)
			c.logf("SSE error")
			c.setStatus("SSE disconnected", ColorError)
		}
		return
	}

	c.mu.Lock()
	if gen != c.streamGen {
		c.mu.Unlock()
		_ = s.Close()
		return
	}
	c.stream = s
	c.mu.Unlock()

	for ev := range s.Events() {
		c.relayEvent(ev)
	}

	if err := s.Err(); err != nil && c.currentStream(gen) {
		c.logger.Info("Event stream ended", "error", err)
		c.logf("SSE error")
		c.setStatus("SSE disconnected", ColorError)
	}
}

func (c *Console) relayEvent(ev events.Event) {
	switch {
	case ev.IsHeartbeat():
		c.logf("[heartbeat]")
	case ev.IsJSON():
		c.logf("SSE: %s", pretty.Ugly([]byte(ev.Data)))
	default:
		c.logf("SSE raw: %s", ev.Data)
	}
}

func (c *Console) currentStream(gen int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.streamGen
}

func (c *Console) renderCountdown(f countdown.Frame) {
	c.publish(Update{Type: UpdateCountdown, Countdown: &f, Visible: true})
}

func (c *Console) rememberWallet(ctx context.Context, wallet string) {
	if err := c.deps.Repo.UpdateWallet(ctx, c.userID, wallet); err != nil && !errdefs.IsNotFound(err) {
		c.logger.Debug("Failed to remember wallet", "error", err)
	}
}

func (c *Console) setStatus(text, color string) {
	st := Status{Text: text, Color: color}
	c.mu.Lock()
	c.status = st
	c.mu.Unlock()
	c.publish(Update{Type: UpdateStatus, Status: &st})
}

func (c *Console) logf(format string, args ...interface{}) {
	ts := c.deps.Clock.Now().Format("15:04:05")
	line := fmt.Sprintf("[%s] ", ts) + fmt.Sprintf(format, args...)
	c.log.add(line)
	c.publish(Update{Type: UpdateLog, Message: line})
}

func (c *Console) publish(u Update) {
	c.deps.Publisher.Publish(c.userID, u)
}

func mustJSON(v interface{}) string {
	out, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(out)
}
