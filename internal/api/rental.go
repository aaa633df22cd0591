package api

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/ashureev/rentdesk/internal/config"
	"github.com/ashureev/rentdesk/internal/identity"
	"github.com/ashureev/rentdesk/internal/payment"
	"github.com/go-chi/chi/v5"
)

const (
	uploadField  = "file"
	historyLimit = 20
)

// actionLocks prevents concurrent payment actions for the same user. A user
// holds the lock while an entry exists.
var actionLocks sync.Map

// RentalHandler handles the payment, verification and upload endpoints.
type RentalHandler struct {
	*Handler
	cfg *config.Config
}

// NewRentalHandler creates a new rental handler.
func NewRentalHandler(base *Handler, cfg *config.Config) *RentalHandler {
	return &RentalHandler{Handler: base, cfg: cfg}
}

// RegisterRoutes registers rental routes.
func (h *RentalHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)
		r.Get("/config", h.GetConfig)
		r.Post("/preview", h.Preview)
		r.Post("/payments", h.CreatePayment)
		r.Get("/payments", h.ListPayments)
		r.Post("/verify", h.Verify)
		r.Post("/upload", h.Upload)
		r.Get("/rental", h.GetRental)
		r.Get("/rentals", h.ListRentals)
	})
}

type walletRequest struct {
	Wallet string `json:"wallet"`
}

// GetMe returns the current user's information.
func (h *RentalHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	user := identity.UserFromContext(r.Context())
	if user == nil || user.UserID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"user_id":    user.UserID,
		"username":   user.Username,
		"session_id": identity.SessionIDFromContext(r.Context()),
		"wallet":     user.Wallet,
	})
}

// GetConfig returns the rental terms for the frontend.
func (h *RentalHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"receiver":         h.cfg.Rental.Receiver,
		"amount":           h.cfg.Rental.Amount,
		"currency":         h.cfg.Rental.Currency,
		"rental_hours":     h.cfg.Rental.Hours,
		"rental_seconds":   int64(h.cfg.Rental.Duration.Seconds()),
		"default_wallet":   payment.DefaultWallet,
		"max_upload_bytes": h.cfg.Rental.MaxUploadBytes,
	})
}

// Preview renders a local payment descriptor and pushes it to the user's tabs.
func (h *RentalHandler) Preview(w http.ResponseWriter, r *http.Request) {
	var req walletRequest
	if err := decodeJSON(r, &req); err != nil {
		ErrorFrom(w, err)
		return
	}

	c, ok := h.console(w, r)
	if !ok {
		return
	}
	p := c.Preview(req.Wallet)
	JSON(w, http.StatusOK, map[string]interface{}{
		"payment":  p,
		"rendered": payment.Render(p),
	})
}

// CreatePayment requests a payment from the rental service.
func (h *RentalHandler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req walletRequest
	if err := decodeJSON(r, &req); err != nil {
		ErrorFrom(w, err)
		return
	}

	userID := identity.UserIDFromContext(r.Context())
	unlock, ok := lockAction(userID)
	if !ok {
		slog.Warn("Payment action already in progress", "user_id", userID)
		Error(w, http.StatusConflict, "action_in_progress")
		return
	}
	defer unlock()

	c, ok := h.console(w, r)
	if !ok {
		return
	}
	p, err := c.CreatePayment(r.Context(), req.Wallet)
	if err != nil {
		slog.Warn("Create payment failed", "error", err, "user_id", userID)
		ErrorFrom(w, err)
		return
	}
	JSON(w, http.StatusOK, p)
}

// ListPayments returns the user's recent payment requests.
func (h *RentalHandler) ListPayments(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	payments, err := h.repo.ListPayments(r.Context(), userID, historyLimit)
	if err != nil {
		slog.Error("Failed to list payments", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to list payments")
		return
	}

	out := make([]map[string]interface{}, 0, len(payments))
	for _, p := range payments {
		out = append(out, map[string]interface{}{
			"id":         p.ID,
			"wallet":     p.Wallet,
			"payment":    p.Request,
			"created_at": p.CreatedAt,
		})
	}
	JSON(w, http.StatusOK, map[string]interface{}{"payments": out})
}

// Verify confirms the payment and starts the rental on success.
func (h *RentalHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req walletRequest
	if err := decodeJSON(r, &req); err != nil {
		ErrorFrom(w, err)
		return
	}

	userID := identity.UserIDFromContext(r.Context())
	unlock, ok := lockAction(userID)
	if !ok {
		slog.Warn("Payment action already in progress", "user_id", userID)
		Error(w, http.StatusConflict, "action_in_progress")
		return
	}
	defer unlock()

	c, ok := h.console(w, r)
	if !ok {
		return
	}
	v, err := c.Verify(r.Context(), req.Wallet)
	if err != nil {
		slog.Warn("Verify failed", "error", err, "user_id", userID)
		ErrorFrom(w, err)
		return
	}

	slog.Info("Rental started", "user_id", userID)
	JSON(w, http.StatusOK, map[string]interface{}{
		"status": v.Status,
		"token":  v.Token,
		"rental": c.View(),
	})
}

// Upload forwards a multipart document to the rental service.
func (h *RentalHandler) Upload(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	c, ok := h.console(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.Rental.MaxUploadBytes)
	file, header, err := r.FormFile(uploadField)
	switch {
	case err == nil:
		defer file.Close()
	case errors.Is(err, http.ErrMissingFile):
		// The console reports the missing file to the user.
		_, err = c.Upload(r.Context(), "", nil)
		ErrorFrom(w, err)
		return
	default:
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	res, err := c.Upload(r.Context(), header.Filename, file)
	if err != nil {
		slog.Warn("Upload failed", "error", err, "user_id", userID, "filename", header.Filename)
		ErrorFrom(w, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

// GetRental returns the user's console state, including the countdown.
func (h *RentalHandler) GetRental(w http.ResponseWriter, r *http.Request) {
	c, ok := h.console(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, c.View())
}

// ListRentals returns the user's recent rentals.
func (h *RentalHandler) ListRentals(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	rentals, err := h.repo.ListRentals(r.Context(), userID, historyLimit)
	if err != nil {
		slog.Error("Failed to list rentals", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to list rentals")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"rentals": rentals})
}

func lockAction(userID string) (func(), bool) {
	if _, held := actionLocks.LoadOrStore(userID, struct{}{}); held {
		return nil, false
	}
	var once sync.Once
	return func() {
		once.Do(func() { actionLocks.Delete(userID) })
	}, true
}
