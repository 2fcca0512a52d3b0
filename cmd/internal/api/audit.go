package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditEntry is one security-relevant action taken through the API.
type AuditEntry struct {
	Action    string
	UserID    string
	SessionID string
	IP        string
	UserAgent string
	Meta      map[string]any
	At        time.Time
}

// AuditLog records audit entries. Implementations must not block the request
// for long; failures are logged by the caller and never surface to the client.
type AuditLog interface {
	Record(ctx context.Context, e AuditEntry) error
}

// LogAudit writes entries to a structured logger. It is the default when no
// database is configured.
type LogAudit struct{ Log *slog.Logger }

func (a LogAudit) Record(_ context.Context, e AuditEntry) error {
	if a.Log == nil {
		return nil
	}
	a.Log.Info("audit", "action", e.Action, "user_id", e.UserID, "session_id", e.SessionID, "ip", e.IP, "meta", e.Meta)
	return nil
}

var validPGIdent = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// PostgresAuditLog appends entries to <schema>.audit_log.
type PostgresAuditLog struct {
	pool   *pgxpool.Pool
	schema string
	table  string
}

// NewPostgresAuditLog binds an audit log to pool. The schema must be a plain lower-case identifier.
func NewPostgresAuditLog(pool *pgxpool.Pool, schema string) (*PostgresAuditLog, error) {
	if pool == nil {
		return nil, errors.New("api: nil pool")
	}
	if schema == "" {
		schema = "desk"
	}
	if !validPGIdent.MatchString(schema) {
		return nil, fmt.Errorf("api: invalid schema %q", schema)
	}
	return &PostgresAuditLog{
		pool:   pool,
		schema: schema,
		table:  pgx.Identifier{schema, "audit_log"}.Sanitize(),
	}, nil
}

// EnsureSchema creates the audit table when it is missing.
func (a *PostgresAuditLog) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  id         BIGSERIAL PRIMARY KEY,
  action     TEXT NOT NULL,
  user_id    TEXT,
  session_id TEXT,
  ip         TEXT,
  user_agent TEXT,
  meta       JSONB,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_audit_log_user_created
  ON %s (user_id, created_at DESC);
`, pgx.Identifier{a.schema}.Sanitize(), a.table, a.table)

	if _, err := a.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure audit schema: %w", err)
	}
	return nil
}

func (a *PostgresAuditLog) Record(ctx context.Context, e AuditEntry) error {
	var meta *string
	if len(e.Meta) > 0 {
		if b, err := json.Marshal(e.Meta); err == nil {
			s := string(b)
			meta = &s
		}
	}

	_, err := a.pool.Exec(ctx, `
		INSERT INTO `+a.table+` (action, user_id, session_id, ip, user_agent, meta, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
	`, e.Action, trimOrNil(e.UserID), trimOrNil(e.SessionID), trimOrNil(e.IP), trimOrNil(e.UserAgent), meta, e.At)
	return err
}

func trimOrNil(s string) any {
	v := strings.TrimSpace(s)
	if v == "" {
		return nil
	}
	return v
}

func (h *Handler) audit(r *http.Request, action string, meta map[string]any) {
	if h.auditLog == nil {
		return
	}
	who, _ := IdentityFrom(r.Context())
	e := AuditEntry{
		Action:    action,
		UserID:    who.Subject,
		SessionID: who.SessionID,
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
		Meta:      meta,
		At:        h.now(),
	}
	// The request context may already be cancelled by a disconnecting client.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 2*time.Second)
	defer cancel()
	if err := h.auditLog.Record(ctx, e); err != nil {
		h.log.Error("api.audit.fail", "action", action, "err", err)
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
