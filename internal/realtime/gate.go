// internal/realtime/gate.go
package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chatrelay/internal/auth"
	"chatrelay/internal/store"
)

var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrAccountSuspended  = errors.New("account suspended")
	ErrAccountLookup     = errors.New("account lookup failed")
)

// Codes carried by auth_error.
const (
	AuthCodeInvalidToken       = "invalid_token"
	AuthCodeAccountBanned      = "account_banned"
	AuthCodeUnavailable        = "unavailable"
	AuthCodeSessionInvalidated = "session_invalidated"
)

// TokenVerifier checks a bearer credential and returns its claims.
type TokenVerifier interface {
	Verify(token string) (auth.Claims, error)
}

// AccountStore reports the suspension flag of an account.
type AccountStore interface {
	IsSuspended(ctx context.Context, userID string) (bool, error)
}

// Gate decides whether a new connection may join the signaling fabric.
type Gate struct {
	verifier TokenVerifier
	accounts AccountStore
}

// NewGate builds a gate. accounts may be nil, in which case suspension is
// not checked at connect time.
func NewGate(verifier TokenVerifier, accounts AccountStore) *Gate {
	return &Gate{verifier: verifier, accounts: accounts}
}

// Admit classifies a connection attempt. An empty token admits an anonymous
// connection and returns a nil identity.
func (g *Gate) Admit(ctx context.Context, token string) (*Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}

	claims, err := g.verifier.Verify(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	identity := &Identity{
		UserID:   ID(claims.UserID),
		Username: claims.Username,
		Role:     claims.Role,
	}

	if err := g.checkAccount(ctx, claims.UserID); err != nil {
		return nil, err
	}

	return identity, nil
}

// Recheck repeats the suspension lookup for an admitted identity. It closes
// the window between Admit and the join of the user channel, during which a
// ban's disconnect cannot reach the connection.
func (g *Gate) Recheck(ctx context.Context, identity *Identity) error {
	if identity == nil {
		return nil
	}
	return g.checkAccount(ctx, string(identity.UserID))
}

func (g *Gate) checkAccount(ctx context.Context, userID string) error {
	if g.accounts == nil {
		return nil
	}

	suspended, err := g.accounts.IsSuspended(ctx, userID)
	switch {
	case errors.Is(err, store.ErrAccountNotFound):
		return fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	case err != nil:
		return fmt.Errorf("%w: %v", ErrAccountLookup, err)
	case suspended:
		return ErrAccountSuspended
	}
	return nil
}

// rejection maps an Admit error to the auth_error sent before closing.
func rejection(err error) AuthErrorPayload {
	switch {
	case errors.Is(err, ErrAccountSuspended):
		return AuthErrorPayload{Message: "Your account has been banned", Code: AuthCodeAccountBanned}
	case errors.Is(err, ErrAccountLookup):
		return AuthErrorPayload{Message: "Authentication is temporarily unavailable", Code: AuthCodeUnavailable}
	default:
		return AuthErrorPayload{Message: "Authentication failed: invalid token", Code: AuthCodeInvalidToken}
	}
}
