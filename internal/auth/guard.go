package auth

import (
	"context"
	"errors"
	"fmt"
)

// Guard admits requests that present a valid access token for a live account.
type Guard struct {
	tokens   *TokenService
	users    UserStore
	denylist Denylist
}

// NewGuard builds a Guard. denylist may be nil.
func NewGuard(tokens *TokenService, users UserStore, denylist Denylist) *Guard {
	return &Guard{tokens: tokens, users: users, denylist: denylist}
}

// Authenticate validates raw and re-checks the account at verification time.
// A cryptographically valid token is still refused for suspended accounts.
func (g *Guard) Authenticate(ctx context.Context, raw string) (Principal, error) {
	p, err := g.tokens.Validate(raw)
	if err != nil {
		return Principal{}, err
	}
	if g.denylist != nil {
		denied, err := g.denylist.Denied(ctx, p)
		if err != nil {
			return Principal{}, fmt.Errorf("check denylist: %w", err)
		}
		if denied {
			return Principal{}, ErrTokenRevoked
		}
	}
	user, err := g.users.Find(ctx, p.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, ErrUnauthenticated
		}
		return Principal{}, fmt.Errorf("load user: %w", err)
	}
	switch user.Status {
	case StatusActive:
	case StatusSuspended:
		return Principal{}, ErrAccountSuspended
	default:
		return Principal{}, ErrUnauthenticated
	}
	p.Email = user.Email
	return p, nil
}
