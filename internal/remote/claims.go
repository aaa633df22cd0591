package remote

import (
	"fmt"
	"time"

	"github.com/containerd/errdefs"
	"github.com/golang-jwt/jwt/v5"
)

// Claims are the fields of a rental access token that rentdesk displays and
// persists. The rental service is the only party that validates tokens.
type Claims struct {
	Subject   string
	AgentID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type tokenClaims struct {
	AgentID string `json:"agent_id"`
	jwt.RegisteredClaims
}

// ParseClaims decodes token without verifying its signature.
func ParseClaims(token string) (*Claims, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: parse token: %w", errdefs.ErrInvalidArgument, errEmptyToken)
	}

	var tc tokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &tc); err != nil {
		return nil, fmt.Errorf("%w: parse token: %w", errdefs.ErrInvalidArgument, err)
	}

	c := &Claims{Subject: tc.Subject, AgentID: tc.AgentID}
	if tc.IssuedAt != nil {
		c.IssuedAt = tc.IssuedAt.Time
	}
	if tc.ExpiresAt != nil {
		c.ExpiresAt = tc.ExpiresAt.Time
	}
	return c, nil
}

// Preview returns at most the first n bytes of token followed by "...".
func Preview(token string, n int) string {
	if len(token) > n {
		token = token[:n]
	}
	return token + "..."
}
