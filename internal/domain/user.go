// Package domain contains core domain types for the rentdesk application.
package domain

import (
	"time"
)

// User represents an anonymous browser identity and the wallet it last used.
type User struct {
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	Wallet     string    `json:"wallet,omitempty"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// HasWallet returns true if the user has entered a wallet address before.
func (u *User) HasWallet() bool {
	return u.Wallet != ""
}
