package chat

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// EnsureSchema creates the store's tables when they are missing.
// Deployments with managed migrations can skip it.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  id          BIGSERIAL PRIMARY KEY,
  customer_id TEXT NOT NULL,
  title       TEXT NOT NULL,
  status      TEXT NOT NULL,
  created_at  TIMESTAMPTZ NOT NULL,
  updated_at  TIMESTAMPTZ NOT NULL,

  CONSTRAINT chk_conversations_status CHECK (status IN ('new', 'processing', 'closed')),
  CONSTRAINT chk_conversations_title_len CHECK (char_length(title) > 0 AND char_length(title) <= 200)
);

CREATE INDEX IF NOT EXISTS idx_conversations_updated
  ON %s (updated_at DESC, id DESC);

CREATE INDEX IF NOT EXISTS idx_conversations_customer_updated
  ON %s (customer_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS %s (
  id              BIGSERIAL PRIMARY KEY,
  conversation_id BIGINT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  sender_id       TEXT NOT NULL,
  sender_role     TEXT NOT NULL,
  text            TEXT NOT NULL DEFAULT '',
  attachment_ref  TEXT NOT NULL DEFAULT '',
  send_time       TIMESTAMPTZ NOT NULL,

  CONSTRAINT chk_messages_content CHECK (text <> '' OR attachment_ref <> ''),
  CONSTRAINT chk_messages_text_len CHECK (char_length(text) <= 4000)
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_send_time
  ON %s (conversation_id, send_time DESC, id DESC);
`,
		pgx.Identifier{s.schema}.Sanitize(),
		conversations, conversations, conversations,
		messages, conversations, messages,
	)

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure chat schema: %w", err)
	}
	return nil
}
