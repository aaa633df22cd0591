// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/rentdesk/internal/domain"
)

// Repository defines the interface for persisting users, payments and rentals.
type Repository interface {
	// GetUser retrieves a user by their user ID. It returns nil, nil when absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// UpdateWallet records the wallet address a user last submitted.
	UpdateWallet(ctx context.Context, userID, wallet string) error

	// CreatePayment stores a payment request issued by the rental service.
	CreatePayment(ctx context.Context, payment *domain.Payment) error

	// ListPayments returns a user's most recent payments, newest first.
	ListPayments(ctx context.Context, userID string, limit int) ([]*domain.Payment, error)

	// CreateRental stores a new rental. Any other active rental of the same
	// user is marked superseded in the same transaction.
	CreateRental(ctx context.Context, rental *domain.Rental) error

	// GetActiveRental returns the user's active rental, or nil, nil.
	GetActiveRental(ctx context.Context, userID string) (*domain.Rental, error)

	// ListRentals returns a user's most recent rentals, newest first.
	ListRentals(ctx context.Context, userID string, limit int) ([]*domain.Rental, error)

	// UpdateRentalStatus moves an active rental to status at endedAt.
	// It returns ErrNotFound if the rental is not active.
	UpdateRentalStatus(ctx context.Context, rentalID string, status domain.RentalStatus, endedAt time.Time) error

	// GetExpiredRentals returns active rentals whose end instant is before now.
	GetExpiredRentals(ctx context.Context, now time.Time) ([]*domain.Rental, error)

	// CleanupRentals deletes finished rentals that ended before olderThan ago.
	CleanupRentals(ctx context.Context, olderThan time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
