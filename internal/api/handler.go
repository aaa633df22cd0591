// Package api provides HTTP handlers for the rentdesk API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/rentdesk/internal/console"
	"github.com/ashureev/rentdesk/internal/domain"
	"github.com/ashureev/rentdesk/internal/identity"
	"github.com/ashureev/rentdesk/internal/remote"
	"github.com/ashureev/rentdesk/internal/store"
	"github.com/containerd/errdefs"
	"github.com/containerd/errdefs/pkg/errhttp"
)

// Console is the per-user console the handlers drive.
type Console interface {
	Preview(wallet string) domain.PaymentRequest
	CreatePayment(ctx context.Context, wallet string) (*domain.PaymentRequest, error)
	Verify(ctx context.Context, wallet string) (*remote.Verification, error)
	Upload(ctx context.Context, filename string, r io.Reader) (*remote.UploadResult, error)
	View() console.View
}

// OpenFunc returns the console of userID, creating it if needed.
type OpenFunc func(ctx context.Context, userID string) (Console, error)

// Handler provides common handler utilities.
type Handler struct {
	repo store.Repository
	open OpenFunc
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, open OpenFunc) *Handler {
	return &Handler{
		repo: repo,
		open: open,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// ErrorFrom writes err with the status its error class maps to. Errors with
// no class are reported as an opaque internal error.
func ErrorFrom(w http.ResponseWriter, err error) {
	status := errhttp.ToHTTP(err)
	if status == http.StatusInternalServerError && !errdefs.IsInternal(err) {
		slog.Error("Unclassified handler error", "error", err)
		Error(w, status, "internal error")
		return
	}
	Error(w, status, err.Error())
}

// console opens the requesting user's console, writing the error response
// when it cannot.
func (h *Handler) console(w http.ResponseWriter, r *http.Request) (Console, bool) {
	c, err := h.open(r.Context(), identity.UserIDFromContext(r.Context()))
	if err != nil {
		ErrorFrom(w, err)
		return nil, false
	}
	return c, true
}

// decodeJSON reads a JSON request body into v. An empty body leaves v unchanged.
func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("%w: malformed request body: %w", errdefs.ErrInvalidArgument, err)
}
