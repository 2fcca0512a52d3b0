package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"desk/cmd/identity"
)

const (
	// maxTokenLen bounds presented tokens before any parsing work.
	maxTokenLen = 4096

	touchEvery = time.Minute
)

// Service implements the high-level session operations.
//
// It issues sessions, validates access tokens against the session row,
// and supports per-session and per-user revocation.
type Service struct {
	cfg    Config
	tokens AccessTokenManager
	store  Store
}

// Issued is the result of issuing a session.
type Issued struct {
	SessionID   string
	AccessToken string
	AccessExp   time.Time
	SessionExp  time.Time
}

// NewService constructs a Service with the provided configuration, store, and token manager.
func NewService(cfg Config, store Store, tokens AccessTokenManager) *Service {
	return &Service{cfg: cfg, store: store, tokens: tokens}
}

// IssueSession creates a new session row and returns an access token bound to it.
func (s *Service) IssueSession(ctx context.Context, now time.Time, userID string, role identity.Role) (Issued, error) {
	const op = "session.IssueSession"

	userID = identity.NormalizeSubject(userID)
	if userID == "" {
		return Issued{}, identity.Invalid(op, "empty subject")
	}
	if !role.Valid() {
		return Issued{}, identity.Invalid(op, "unknown role")
	}

	sessionExp := now.Add(s.cfg.SessionTTL)

	sessionID, err := s.store.Create(ctx, now, userID, role, sessionExp)
	if err != nil {
		return Issued{}, err
	}

	accessToken, accessExp, err := s.tokens.Issue(userID, role, sessionID, now)
	if err != nil {
		return Issued{}, err
	}

	return Issued{
		SessionID:   sessionID,
		AccessToken: accessToken,
		AccessExp:   accessExp,
		SessionExp:  sessionExp,
	}, nil
}

// ValidateAccessToken verifies an access token and ensures the backing session is active.
func (s *Service) ValidateAccessToken(ctx context.Context, token string, now time.Time) (AccessClaims, error) {
	claims, _, err := s.validate(ctx, token, now)
	return claims, err
}

func (s *Service) validate(ctx context.Context, token string, now time.Time) (AccessClaims, Row, error) {
	token = strings.TrimSpace(token)
	if token == "" || len(token) > maxTokenLen {
		return AccessClaims{}, Row{}, ErrInvalidToken
	}

	claims, err := s.tokens.Verify(token, now)
	if err != nil {
		return AccessClaims{}, Row{}, err
	}

	// Server-authoritative session check to honor revocations.
	row, err := s.activeRow(ctx, claims.SessionID, now)
	if err != nil {
		return AccessClaims{}, Row{}, err
	}
	if row.UserID != claims.UserID || row.Role != claims.Role {
		return AccessClaims{}, Row{}, ErrInvalidToken
	}

	return claims, row, nil
}

// Authenticate validates token and returns the identity it proves.
// Any token or session failure is reported as identity.ErrUnauthenticated;
// store failures are returned as-is.
func (s *Service) Authenticate(ctx context.Context, token string, now time.Time) (identity.Identity, error) {
	const op = "session.Authenticate"

	claims, row, err := s.validate(ctx, token, now)
	switch {
	case err == nil:
		s.touch(ctx, now, row)
		return claims.Identity(), nil
	case errors.Is(err, ErrInvalidToken):
		return identity.Identity{}, identity.Unauthenticated(op, "invalid token")
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrSessionRevoked):
		return identity.Identity{}, identity.Unauthenticated(op, "session revoked")
	case errors.Is(err, ErrSessionExpired):
		return identity.Identity{}, identity.Unauthenticated(op, "session expired")
	default:
		return identity.Identity{}, err
	}
}

// RevokeSession revokes a single session by ID (e.g., logout from a device).
func (s *Service) RevokeSession(ctx context.Context, now time.Time, sessionID string) error {
	return s.store.Revoke(ctx, now, sessionID, "logout")
}

// RevokeAll revokes all sessions for a user (e.g., logout everywhere).
func (s *Service) RevokeAll(ctx context.Context, now time.Time, userID string) error {
	return s.store.RevokeAll(ctx, now, userID, "logout")
}

// touch records use of the session at most once per touchEvery. It is
// best-effort: a failed write never fails authentication.
func (s *Service) touch(ctx context.Context, now time.Time, row Row) {
	if row.LastUsedAt != nil && now.Sub(*row.LastUsedAt) < touchEvery {
		return
	}
	_ = s.store.Touch(ctx, now, row.ID)
}

func (s *Service) activeRow(ctx context.Context, sessionID string, now time.Time) (Row, error) {
	row, err := s.store.GetByID(ctx, sessionID)
	if err != nil {
		return Row{}, err
	}
	if row.RevokedAt != nil {
		return Row{}, ErrSessionRevoked
	}
	if !row.ExpiresAt.After(now) {
		return Row{}, ErrSessionExpired
	}
	return row, nil
}
