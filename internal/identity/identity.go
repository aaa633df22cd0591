// Package identity resolves the anonymous rentdesk user behind a request.
//
// A device is identified by a long-lived cookie; each browser tab adds its own
// session ID so pushes and action locks can tell tabs apart.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/rentdesk/internal/domain"
	"github.com/ashureev/rentdesk/internal/store"
)

const (
	AnonCookieName        = "rentdesk_anon_id"
	SessionHeaderName     = "X-Rentdesk-Session-ID"
	DefaultSessionIDValue = "default"
	anonCookieMaxAge      = 30 * 24 * time.Hour
)

var (
	anonIDPattern    = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// Identity is the user and browser tab a request comes from.
type Identity struct {
	User      *domain.User
	SessionID string
}

type contextKey struct{}

// WithIdentity returns ctx carrying id. An invalid tab session ID is replaced
// with DefaultSessionIDValue.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	id.SessionID = sanitizeSessionID(id.SessionID)
	return context.WithValue(ctx, contextKey{}, id)
}

// NewContext returns ctx carrying a bare user record for userID.
func NewContext(ctx context.Context, userID, sessionID string) context.Context {
	return WithIdentity(ctx, Identity{User: anonUser(userID, time.Time{}), SessionID: sessionID})
}

// FromContext returns the identity stored by WithIdentity.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok && id.User != nil
}

// UserFromContext returns the request's user, or nil.
func UserFromContext(ctx context.Context) *domain.User {
	if id, ok := FromContext(ctx); ok {
		return id.User
	}
	return nil
}

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if u := UserFromContext(ctx); u != nil {
		return u.UserID
	}
	return ""
}

// UsernameFromContext extracts the username from the request context.
func UsernameFromContext(ctx context.Context) string {
	if u := UserFromContext(ctx); u != nil {
		return u.Username
	}
	return ""
}

// SessionIDFromContext extracts the tab session ID from the request context.
func SessionIDFromContext(ctx context.Context) string {
	if id, ok := FromContext(ctx); ok {
		return id.SessionID
	}
	return DefaultSessionIDValue
}

func anonUser(userID string, now time.Time) *domain.User {
	name := "anon-user"
	if len(userID) > 13 {
		name = "anon-" + userID[len(userID)-8:]
	}
	return &domain.User{
		UserID:     userID,
		Username:   name,
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// loadUser returns the stored user for userID, creating it on first contact.
// The returned record includes the wallet the user last submitted.
func loadUser(ctx context.Context, repo store.Repository, userID string) (*domain.User, error) {
	user, err := repo.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if user != nil {
		return user, nil
	}

	user = anonUser(userID, time.Now())
	if err := repo.UpsertUser(ctx, user); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

func newDeviceID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

func isValidAnonID(id string) bool {
	return anonIDPattern.MatchString(id)
}

// deviceID returns the device's anonymous ID from its cookie, minting a new
// one when the cookie is missing or malformed. The cookie is refreshed on
// every request.
func deviceID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	var id string
	if c, err := r.Cookie(AnonCookieName); err == nil && isValidAnonID(c.Value) {
		id = c.Value
	} else if id, err = newDeviceID(); err != nil {
		return "", err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
	return id, nil
}

func sanitizeSessionID(id string) string {
	id = strings.TrimSpace(id)
	if !sessionIDPattern.MatchString(id) {
		return DefaultSessionIDValue
	}
	return id
}

// tabID reads the tab session ID from the header, or from the query string
// for WebSocket upgrades that cannot set headers.
func tabID(r *http.Request) string {
	if sid := r.Header.Get(SessionHeaderName); sid != "" {
		return sid
	}
	return r.URL.Query().Get("session_id")
}

// Middleware resolves the request's device cookie to a stored user and
// attaches it, with the tab session ID, to the request context.
func Middleware(repo store.Repository, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := deviceID(w, r, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish anonymous identity"}`, http.StatusInternalServerError)
				return
			}

			user, err := loadUser(r.Context(), repo, userID)
			if err != nil {
				http.Error(w, `{"error":"failed to initialize anonymous user"}`, http.StatusInternalServerError)
				return
			}

			ctx := WithIdentity(r.Context(), Identity{User: user, SessionID: tabID(r)})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
