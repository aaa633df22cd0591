package domain

import "time"

// RentalStatus is the persisted lifecycle state of a rental.
type RentalStatus string

const (
	RentalActive     RentalStatus = "active"
	RentalExpired    RentalStatus = "expired"
	RentalSuperseded RentalStatus = "superseded"
)

// Rental is one verified rental window and the token that unlocked it.
type Rental struct {
	ID           string        `json:"id"`
	UserID       string        `json:"user_id"`
	Wallet       string        `json:"wallet"`
	Token        string        `json:"-"`
	TokenSubject string        `json:"token_subject,omitempty"`
	Duration     time.Duration `json:"duration"`
	StartedAt    time.Time     `json:"started_at"`
	EndsAt       time.Time     `json:"ends_at"`
	Status       RentalStatus  `json:"status"`
	EndedAt      *time.Time    `json:"ended_at,omitempty"`
}

// Remaining returns the time left at now, or 0 once the rental has ended.
func (r *Rental) Remaining(now time.Time) time.Duration {
	if r.Status != RentalActive {
		return 0
	}
	left := r.EndsAt.Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// IsActive reports whether the rental is still running at now.
func (r *Rental) IsActive(now time.Time) bool {
	return r.Remaining(now) > 0
}
