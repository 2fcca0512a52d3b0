package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"desk/cmd/identity"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Every write to an existing conversation takes a per-conversation transactional
//   advisory lock, so UpdatedAt clamping and message insertion never interleave.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "desk").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "desk",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

const (
	conversationColumns = `id, customer_id, title, status, created_at, updated_at`
	messageColumns      = `id, conversation_id, sender_id, sender_role, text, attachment_ref, send_time`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(r rowScanner) (Conversation, error) {
	var c Conversation
	err := r.Scan(&c.ID, &c.CustomerID, &c.Title, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func scanMessage(r rowScanner) (Message, error) {
	var m Message
	err := r.Scan(
		&m.ID,
		&m.ConversationID,
		&m.SenderID,
		&m.SenderRole,
		&m.Content.Text,
		&m.Content.AttachmentRef,
		&m.SendTime,
	)
	return m, err
}

// CreateConversation inserts the conversation and the optional first message in one transaction.
func (s *PostgresStore) CreateConversation(ctx context.Context, in CreateConversationInput) (Conversation, *Message, error) {
	if in.CustomerID == "" || in.Title == "" {
		return Conversation{}, nil, errors.New("chat: invalid input")
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, nil, err
	}

	now := nextStamp(in.Now, time.Time{})

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Conversation{}, nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var row pgx.Row
	if in.ID > 0 {
		row = tx.QueryRow(ctx,
			`INSERT INTO `+pgIdent(s.schema, "conversations")+` (id, customer_id, title, status, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $5)
			 RETURNING `+conversationColumns,
			in.ID, in.CustomerID, in.Title, string(StatusNew), now,
		)
	} else {
		row = tx.QueryRow(ctx,
			`INSERT INTO `+pgIdent(s.schema, "conversations")+` (customer_id, title, status, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $4)
			 RETURNING `+conversationColumns,
			in.CustomerID, in.Title, string(StatusNew), now,
		)
	}
	conv, err := scanConversation(row)
	if err != nil {
		return Conversation{}, nil, fmt.Errorf("insert conversation: %w", err)
	}

	var first *Message
	if in.First != nil {
		m, err := insertMessage(ctx, tx, pgIdent(s.schema, "messages"), AppendMessageInput{
			ConversationID: conv.ID,
			SenderID:       in.CustomerID,
			SenderRole:     identity.RoleCustomer,
			Content:        *in.First,
		}, now)
		if err != nil {
			return Conversation{}, nil, err
		}
		first = &m
	}

	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, nil, err
	}
	return conv, first, nil
}

// ReserveConversationID draws the next value from the conversations id sequence.
func (s *PostgresStore) ReserveConversationID(ctx context.Context) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`SELECT nextval(pg_get_serial_sequence($1, 'id'))`,
		pgIdent(s.schema, "conversations"),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("reserve conversation id: %w", err)
	}
	return id, nil
}

// GetConversation loads a conversation by id.
func (s *PostgresStore) GetConversation(ctx context.Context, id int64) (Conversation, error) {
	c, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM `+pgIdent(s.schema, "conversations")+` WHERE id = $1`,
		id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, conversationNotFound("chat.GetConversation")
	}
	if err != nil {
		return Conversation{}, err
	}
	return c, nil
}

// AppendMessage inserts a message and bumps updated_at under the conversation lock.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (Message, Conversation, error) {
	if in.SenderID == "" {
		return Message{}, Conversation{}, errors.New("chat: invalid input")
	}
	if err := ctx.Err(); err != nil {
		return Message{}, Conversation{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Message{}, Conversation{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conv, err := s.lockConversation(ctx, tx, in.ConversationID, "chat.AppendMessage")
	if err != nil {
		return Message{}, Conversation{}, err
	}

	stamp := nextStamp(in.Now, conv.UpdatedAt)

	m, err := insertMessage(ctx, tx, pgIdent(s.schema, "messages"), in, stamp)
	if err != nil {
		return Message{}, Conversation{}, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+pgIdent(s.schema, "conversations")+` SET updated_at = $2 WHERE id = $1`,
		in.ConversationID, stamp,
	); err != nil {
		return Message{}, Conversation{}, fmt.Errorf("bump updated_at: %w", err)
	}
	conv.UpdatedAt = stamp

	if err := tx.Commit(ctx); err != nil {
		return Message{}, Conversation{}, err
	}
	return m, conv, nil
}

// UpdateStatus sets status and updated_at under the conversation lock.
func (s *PostgresStore) UpdateStatus(ctx context.Context, in UpdateStatusInput) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Conversation{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conv, err := s.lockConversation(ctx, tx, in.ConversationID, "chat.UpdateStatus")
	if err != nil {
		return Conversation{}, err
	}
	if in.Allow != nil && !in.Allow(conv.Status, in.Status) {
		return Conversation{}, transitionDenied("chat.UpdateStatus", conv.Status, in.Status)
	}

	stamp := nextStamp(in.Now, conv.UpdatedAt)
	if _, err := tx.Exec(ctx,
		`UPDATE `+pgIdent(s.schema, "conversations")+` SET status = $2, updated_at = $3 WHERE id = $1`,
		in.ConversationID, string(in.Status), stamp,
	); err != nil {
		return Conversation{}, fmt.Errorf("update status: %w", err)
	}
	conv.Status = in.Status
	conv.UpdatedAt = stamp

	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

// ListMessages returns a page ordered by send_time DESC, id DESC.
func (s *PostgresStore) ListMessages(ctx context.Context, conversationID int64, page PageRequest) (MessagePage, error) {
	page = page.normalize(defaultPageSize, maxPageSize)
	messages := pgIdent(s.schema, "messages")

	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return MessagePage{}, err
	}

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+messages+` WHERE conversation_id = $1`,
		conversationID,
	).Scan(&total); err != nil {
		return MessagePage{}, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+`
		   FROM `+messages+`
		  WHERE conversation_id = $1
		  ORDER BY send_time DESC, id DESC
		  LIMIT $2 OFFSET $3`,
		conversationID, page.Size, page.offset(),
	)
	if err != nil {
		return MessagePage{}, err
	}
	defer rows.Close()

	out := make([]Message, 0, page.Size)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return MessagePage{}, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return MessagePage{}, err
	}

	return MessagePage{Items: out, Page: page.Page, Size: page.Size, Total: total}, nil
}

// ListConversations returns a filtered page ordered by updated_at DESC, id DESC.
func (s *PostgresStore) ListConversations(ctx context.Context, filter ConversationFilter, page PageRequest) (ConversationPage, error) {
	page = page.normalize(defaultPageSize, maxPageSize)
	conversations := pgIdent(s.schema, "conversations")

	const where = `WHERE ($1 = '' OR customer_id = $1) AND ($2 = '' OR status = $2)`

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+conversations+` `+where,
		filter.CustomerID, string(filter.Status),
	).Scan(&total); err != nil {
		return ConversationPage{}, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+conversationColumns+`
		   FROM `+conversations+` `+where+`
		  ORDER BY updated_at DESC, id DESC
		  LIMIT $3 OFFSET $4`,
		filter.CustomerID, string(filter.Status), page.Size, page.offset(),
	)
	if err != nil {
		return ConversationPage{}, err
	}
	defer rows.Close()

	out := make([]Conversation, 0, page.Size)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return ConversationPage{}, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return ConversationPage{}, err
	}

	return ConversationPage{Items: out, Page: page.Page, Size: page.Size, Total: total}, nil
}

// lockConversation serializes writers of one conversation and returns its current row.
func (s *PostgresStore) lockConversation(ctx context.Context, tx pgx.Tx, id int64, op string) (Conversation, error) {
	// hashtextextended reduces collision risk vs hashtext (still a hash, but better).
	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		s.schema+".conversation:"+strconv.FormatInt(id, 10),
	); err != nil {
		return Conversation{}, fmt.Errorf("advisory lock: %w", err)
	}

	conv, err := scanConversation(tx.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM `+pgIdent(s.schema, "conversations")+` WHERE id = $1`,
		id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, conversationNotFound(op)
	}
	if err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

func insertMessage(ctx context.Context, tx pgx.Tx, messagesTable string, in AppendMessageInput, stamp time.Time) (Message, error) {
	m, err := scanMessage(tx.QueryRow(ctx,
		`INSERT INTO `+messagesTable+` (conversation_id, sender_id, sender_role, text, attachment_ref, send_time)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+messageColumns,
		in.ConversationID, in.SenderID, string(in.SenderRole), in.Content.Text, in.Content.AttachmentRef, stamp,
	))
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
