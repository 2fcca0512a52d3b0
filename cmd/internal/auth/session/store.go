package session

import (
	"context"
	"time"

	"desk/cmd/identity"
)

// Row mirrors the desk.sessions row used by the session subsystem.
type Row struct {
	ID               string
	UserID           string
	Role             identity.Role
	CreatedAt        time.Time
	LastUsedAt       *time.Time
	ExpiresAt        time.Time
	RevokedAt        *time.Time
	RevocationReason *string
}

// Store abstracts persistence for session state.
type Store interface {
	// Create creates a new session row and returns its id.
	Create(ctx context.Context, now time.Time, userID string, role identity.Role, expiresAt time.Time) (sessionID string, err error)

	// GetByID loads a session row by ID. Unknown ids return ErrSessionNotFound.
	GetByID(ctx context.Context, sessionID string) (Row, error)

	// Touch updates last_used_at for a session.
	Touch(ctx context.Context, now time.Time, sessionID string) error

	// Revoke revokes a single session.
	Revoke(ctx context.Context, now time.Time, sessionID string, reason string) error

	// RevokeAll revokes all sessions for a user.
	RevokeAll(ctx context.Context, now time.Time, userID string, reason string) error
}
