package realtime

import (
	"context"
	"net/http"
	"strings"
	"time"

	"desk/cmd/identity"
)

// TokenAuthenticator resolves a bearer credential to an identity.
// session.Service satisfies it.
type TokenAuthenticator interface {
	Authenticate(ctx context.Context, token string, now time.Time) (identity.Identity, error)
}

// Authenticator validates a connection's credential once and binds the resulting identity.
type Authenticator struct {
	tokens TokenAuthenticator
	now    func() time.Time
}

// NewAuthenticator constructs an Authenticator.
func NewAuthenticator(tokens TokenAuthenticator) *Authenticator {
	return &Authenticator{
		tokens: tokens,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Authenticate validates raw and binds the identity to c.
//
// A missing or invalid credential is identity.ErrUnauthenticated; a second
// successful call on the same connection is identity.ErrConflict.
func (a *Authenticator) Authenticate(ctx context.Context, c *Conn, raw string) (identity.Identity, error) {
	const op = "realtime.Authenticate"

	if c == nil {
		return identity.Identity{}, identity.Invalid(op, "nil connection")
	}
	if c.Authenticated() {
		return identity.Identity{}, identity.OpError{Op: op, Kind: identity.ErrConflict, Msg: "connection already authenticated"}
	}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return identity.Identity{}, identity.Unauthenticated(op, "missing credential")
	}
	if a.tokens == nil {
		return identity.Identity{}, identity.Unauthenticated(op, "authentication unavailable")
	}

	who, err := a.tokens.Authenticate(ctx, raw, a.now())
	if err != nil {
		return identity.Identity{}, err
	}
	if !who.Valid() {
		return identity.Identity{}, identity.Unauthenticated(op, "incomplete identity")
	}

	if err := c.bind(who); err != nil {
		return identity.Identity{}, err
	}
	return who, nil
}

// CredentialFromRequest extracts a bearer credential from the upgrade request:
// the Authorization header first, then the access_token query parameter.
func CredentialFromRequest(r *http.Request) (string, bool) {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok), true
		}
		// Present but malformed still counts as presented.
		return "", true
	}
	if q := strings.TrimSpace(r.URL.Query().Get("access_token")); q != "" {
		return q, true
	}
	return "", false
}
