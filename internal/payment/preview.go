// Package payment builds the local payment preview shown before a payment is
// requested from the rental service.
package payment

import (
	"encoding/json"
	"math/rand/v2"
	"strings"

	"github.com/ashureev/rentdesk/internal/domain"
)

const (
	// DefaultWallet is used when the user has not entered a wallet address.
	DefaultWallet = "demo-wallet"
	// DefaultCurrency is the only currency the rental service quotes in.
	DefaultCurrency = "SOL"

	referencePrefix = "preview-"
	referenceLength = 6
	base36          = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// Quote holds the fixed terms a preview is rendered with.
type Quote struct {
	Receiver string
	Amount   float64
	Currency string
}

// WalletOrDefault trims wallet and falls back to DefaultWallet.
func WalletOrDefault(wallet string) string {
	wallet = strings.TrimSpace(wallet)
	if wallet == "" {
		return DefaultWallet
	}
	return wallet
}

// Message is the payment memo for wallet.
func Message(wallet string) string {
	return "Rental for " + WalletOrDefault(wallet)
}

// Preview builds a descriptor with a throwaway reference. It is never sent to
// the rental service.
func Preview(wallet string, q Quote) domain.PaymentRequest {
	currency := q.Currency
	if currency == "" {
		currency = DefaultCurrency
	}
	return domain.PaymentRequest{
		Reference: referencePrefix + randomReference(referenceLength),
		To:        q.Receiver,
		Amount:    q.Amount,
		Currency:  currency,
		Message:   Message(wallet),
	}
}

// Render returns req as two-space indented JSON.
func Render(req domain.PaymentRequest) string {
	out, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(out)
}

func randomReference(n int) string {
	var b strings.Builder
	b.Grow(n)
	for range n {
		b.WriteByte(base36[rand.IntN(len(base36))])
	}
	return b.String()
}
