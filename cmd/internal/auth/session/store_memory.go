package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for single-instance and test deployments.
type MemoryStore struct {
	mu     sync.Mutex
	byID   map[string]*Row
	byHash map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*Row),
		byHash: make(map[string]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, now time.Time, ns NewSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(now, ns)
}

func (s *MemoryStore) createLocked(now time.Time, ns NewSession) error {
	if _, dup := s.byID[ns.ID]; dup {
		return errDuplicateSession
	}
	if _, dup := s.byHash[ns.RefreshHash]; dup {
		return errDuplicateSession
	}
	row := &Row{
		ID:               ns.ID,
		UserID:           ns.UserID,
		Role:             ns.Role,
		RefreshTokenHash: ns.RefreshHash,
		CreatedAt:        now,
		LastUsedAt:       timePtr(now),
		ExpiresAt:        ns.ExpiresAt,
	}
	s.byID[ns.ID] = row
	s.byHash[ns.RefreshHash] = ns.ID
	return nil
}

func (s *MemoryStore) GetByID(_ context.Context, sessionID string) (Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.byID[sessionID]
	if !ok {
		return Row{}, ErrSessionNotFound
	}
	return *row, nil
}

func (s *MemoryStore) GetByRefreshHash(_ context.Context, refreshHash string) (Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byHash[refreshHash]
	if !ok {
		return Row{}, ErrSessionNotFound
	}
	return *s.byID[id], nil
}

func (s *MemoryStore) Rotate(_ context.Context, now time.Time, oldHash string, next NewSession) (Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byHash[oldHash]
	if !ok {
		return Row{}, ErrSessionNotFound
	}
	old := s.byID[id]

	if err := checkRotatable(*old, now); err != nil {
		if err == ErrRefreshReuseDetected {
			s.revokeAllLocked(now, old.UserID, ReasonReuseDetected)
		}
		return Row{}, err
	}

	next.UserID = old.UserID
	next.Role = old.Role
	if err := s.createLocked(now, next); err != nil {
		return Row{}, err
	}

	old.LastUsedAt = timePtr(now)
	old.RevokedAt = timePtr(now)
	old.ReplacedBySessionID = &next.ID
	old.RevocationReason = strPtr(ReasonRotation)

	return *s.byID[next.ID], nil
}

func (s *MemoryStore) Touch(_ context.Context, now time.Time, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if row, ok := s.byID[sessionID]; ok {
		row.LastUsedAt = timePtr(now)
	}
	return nil
}

func (s *MemoryStore) Revoke(_ context.Context, now time.Time, sessionID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if row, ok := s.byID[sessionID]; ok {
		revokeRow(row, now, reason)
	}
	return nil
}

func (s *MemoryStore) RevokeAll(_ context.Context, now time.Time, userID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.revokeAllLocked(now, userID, reason)
	return nil
}

func (s *MemoryStore) revokeAllLocked(now time.Time, userID, reason string) {
	for _, row := range s.byID {
		if row.UserID == userID {
			revokeRow(row, now, reason)
		}
	}
}

// revokeRow keeps the first revocation time and reason.
func revokeRow(row *Row, now time.Time, reason string) {
	if row.RevokedAt == nil {
		row.RevokedAt = timePtr(now)
	}
	if row.RevocationReason == nil {
		row.RevocationReason = strPtr(reason)
	}
}

func timePtr(t time.Time) *time.Time { return &t }
func strPtr(s string) *string        { return &s }
