package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"desk/cmd/identity"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

var pgIdentRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// PostgresStore implements Store using PostgreSQL (<schema>.sessions).
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	table  string
}

// NewPostgresStore creates a Postgres-backed session store in schema (default "desk").
func NewPostgresStore(pool *pgxpool.Pool, schema string) (*PostgresStore, error) {
	if schema == "" {
		schema = "desk"
	}
	if !pgIdentRe.MatchString(schema) {
		return nil, errors.New("session: invalid schema identifier")
	}
	return &PostgresStore{
		pool:   pool,
		schema: schema,
		table:  pgx.Identifier{schema, "sessions"}.Sanitize(),
	}, nil
}

// EnsureSchema creates the sessions table when it is missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  id                TEXT PRIMARY KEY,
  user_id           TEXT NOT NULL,
  role              TEXT NOT NULL,
  created_at        TIMESTAMPTZ NOT NULL,
  last_used_at      TIMESTAMPTZ,
  expires_at        TIMESTAMPTZ NOT NULL,
  revoked_at        TIMESTAMPTZ,
  revocation_reason TEXT,

  CONSTRAINT chk_sessions_role CHECK (role IN ('customer', 'operator')),
  CONSTRAINT chk_sessions_expiry CHECK (expires_at > created_at)
);

CREATE INDEX IF NOT EXISTS idx_sessions_user ON %s (user_id);
`, pgx.Identifier{s.schema}.Sanitize(), s.table, s.table)

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure session schema: %w", err)
	}
	return nil
}

// Create inserts a new session row and returns its ULID.
func (s *PostgresStore) Create(ctx context.Context, now time.Time, userID string, role identity.Role, expiresAt time.Time) (string, error) {
	id := ulid.Make().String()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+s.table+` (
			id, user_id, role,
			created_at, last_used_at, expires_at, revoked_at, revocation_reason
		) VALUES (
			$1, $2, $3,
			$4, $4, $5, NULL, NULL
		)
	`, id, userID, string(role), now, expiresAt)
	if err != nil {
		return "", err
	}

	return id, nil
}

// GetByID loads a session row by ID.
func (s *PostgresStore) GetByID(ctx context.Context, sessionID string) (Row, error) {
	var (
		row  Row
		role string
	)

	err := s.pool.QueryRow(ctx, `
		SELECT
			id, user_id, role,
			created_at, last_used_at, expires_at, revoked_at, revocation_reason
		FROM `+s.table+`
		WHERE id = $1
	`, sessionID).Scan(
		&row.ID,
		&row.UserID,
		&role,
		&row.CreatedAt,
		&row.LastUsedAt,
		&row.ExpiresAt,
		&row.RevokedAt,
		&row.RevocationReason,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Row{}, ErrSessionNotFound
	}
	if err != nil {
		return Row{}, err
	}

	row.Role = identity.Role(role)
	return row, nil
}

// Touch updates last_used_at for a session.
func (s *PostgresStore) Touch(ctx context.Context, now time.Time, sessionID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE `+s.table+`
		SET last_used_at = $2
		WHERE id = $1
	`, sessionID, now)
	return err
}

// Revoke revokes a single session (idempotent).
func (s *PostgresStore) Revoke(ctx context.Context, now time.Time, sessionID string, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE `+s.table+`
		SET revoked_at = COALESCE(revoked_at, $2),
		    revocation_reason = COALESCE(revocation_reason, $3)
		WHERE id = $1
	`, sessionID, now, reason)
	return err
}

// RevokeAll revokes all sessions for a user (idempotent).
func (s *PostgresStore) RevokeAll(ctx context.Context, now time.Time, userID string, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE `+s.table+`
		SET revoked_at = COALESCE(revoked_at, $2),
		    revocation_reason = COALESCE(revocation_reason, $3)
		WHERE user_id = $1
	`, userID, now, reason)
	return err
}
