package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/rentdesk/internal/console"
	"github.com/ashureev/rentdesk/internal/domain"
	"github.com/ashureev/rentdesk/internal/identity"
	"github.com/ashureev/rentdesk/internal/store"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/containerd/errdefs/pkg/errhttp"
)

// TypePong answers a client ping.
const TypePong = "pong"

const (
	writeTimeout    = 10 * time.Second
	lastSeenTimeout = 5 * time.Second
)

// Session is the console a tab is attached to.
type Session interface {
	Replay() []console.Update
	Preview(wallet string) domain.PaymentRequest
}

// OpenFunc returns the console of userID, creating it if needed.
type OpenFunc func(ctx context.Context, userID string) (Session, error)

// Handler upgrades console tabs to WebSocket and attaches them to the Hub.
type Handler struct {
	hub           *Hub
	open          OpenFunc
	repo          store.Repository
	allowedOrigin string
	isDev         bool
}

// NewHandler creates a WebSocket handler. repo may be nil, in which case
// last-seen times are not recorded.
func NewHandler(hub *Hub, open OpenFunc, repo store.Repository, allowedOrigin string, isDev bool) *Handler {
	return &Handler{
		hub:           hub,
		open:          open,
		repo:          repo,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// wsMessage is a message sent by the browser.
type wsMessage struct {
	Type   string `json:"type"`
	Wallet string `json:"wallet,omitempty"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	logger := h.hub.logger.With("user_id", userID, "session_id", sessionID)
	logger.Info("WebSocket connection request", "ip", identity.IPFromRequest(r))

	if userID == "" {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	sess, err := h.open(r.Context(), userID)
	if err != nil {
		logger.Warn("Console unavailable", "error", err)
		http.Error(w, "console unavailable", errhttp.ToHTTP(err))
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Register before taking the replay so nothing published in between is
	// lost. The writer sends the replay ahead of anything queued meanwhile.
	c := newClient(userID, sessionID)
	h.hub.Register(c)
	defer h.hub.Unregister(c)
	replay := sess.Replay()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		h.writeLoop(ctx, ws, c, replay, logger)
	}()

	h.readLoop(ctx, ws, c, sess, logger)
	cancel()
	<-writerDone
	logger.Info("Console tab disconnected")
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, c *client, sess Session, logger *slog.Logger) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				logger.Debug("WebSocket closed")
			} else {
				logger.Warn("WebSocket read error", "error", err)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			logger.Debug("Ignoring malformed message", "error", err)
			continue
		}

		switch msg.Type {
		case "ping":
			c.enqueue(console.Update{Type: TypePong})
		case "preview":
			sess.Preview(msg.Wallet)
		default:
			logger.Debug("Ignoring unknown message", "type", msg.Type)
			continue
		}

		h.touch(c.userID, logger)
	}
}

func (h *Handler) writeLoop(ctx context.Context, ws *websocket.Conn, c *client, replay []console.Update, logger *slog.Logger) {
	write := func(u console.Update) bool {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := wsjson.Write(wctx, ws, u)
		cancel()
		if err != nil {
			if ctx.Err() == nil {
				logger.Debug("WebSocket write error", "error", err)
			}
			return false
		}
		return true
	}

	for _, u := range replay {
		if !write(u) {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			_ = ws.Close(websocket.StatusNormalClosure, "session replaced")
			return
		case u := <-c.send:
			if !write(u) {
				return
			}
		}
	}
}

// touch records activity asynchronously.
func (h *Handler) touch(userID string, logger *slog.Logger) {
	if h.repo == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), lastSeenTimeout)
		defer cancel()
		if err := h.repo.UpdateLastSeen(ctx, userID, time.Now()); err != nil {
			logger.Warn("Failed to update last seen", "error", err)
		}
	}()
}
