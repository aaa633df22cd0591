package domain

import "time"

// PaymentRequest is the payment descriptor the remote rental service issues.
type PaymentRequest struct {
	Reference string  `json:"reference"`
	To        string  `json:"to"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
	Message   string  `json:"message"`
}

// Payment records a payment request created on behalf of a user.
type Payment struct {
	ID        string
	UserID    string
	Wallet    string
	Request   PaymentRequest
	CreatedAt time.Time
}
