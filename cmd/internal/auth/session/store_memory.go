package session

import (
	"context"
	"sync"
	"time"

	"desk/cmd/identity"

	"github.com/oklog/ulid/v2"
)

// MemoryStore is a process-local Store for single-node and test deployments.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]Row
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]Row)}
}

func (s *MemoryStore) Create(_ context.Context, now time.Time, userID string, role identity.Role, expiresAt time.Time) (string, error) {
	id := ulid.Make().String()
	last := now

	s.mu.Lock()
	s.rows[id] = Row{
		ID:         id,
		UserID:     userID,
		Role:       role,
		CreatedAt:  now,
		LastUsedAt: &last,
		ExpiresAt:  expiresAt,
	}
	s.mu.Unlock()

	return id, nil
}

func (s *MemoryStore) GetByID(_ context.Context, sessionID string) (Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.rows[sessionID]
	if !ok {
		return Row{}, ErrSessionNotFound
	}
	return row, nil
}

func (s *MemoryStore) Touch(_ context.Context, now time.Time, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[sessionID]
	if !ok {
		return nil
	}
	t := now
	row.LastUsedAt = &t
	s.rows[sessionID] = row
	return nil
}

func (s *MemoryStore) Revoke(_ context.Context, now time.Time, sessionID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if row, ok := s.rows[sessionID]; ok {
		s.rows[sessionID] = revokeRow(row, now, reason)
	}
	return nil
}

func (s *MemoryStore) RevokeAll(_ context.Context, now time.Time, userID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, row := range s.rows {
		if row.UserID == userID {
			s.rows[id] = revokeRow(row, now, reason)
		}
	}
	return nil
}

// revokeRow keeps the first revocation, matching the COALESCE semantics of the Postgres store.
func revokeRow(row Row, now time.Time, reason string) Row {
	if row.RevokedAt == nil {
		t := now
		row.RevokedAt = &t
	}
	if row.RevocationReason == nil {
		r := reason
		row.RevocationReason = &r
	}
	return row
}
