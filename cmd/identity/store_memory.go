package identity

import (
	"context"
	"sync"
)

// MemoryStore keeps accounts in process memory.
type MemoryStore struct {
	mu         sync.RWMutex
	byID       map[string]User
	byUsername map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:       make(map[string]User),
		byUsername: make(map[string]string),
	}
}

func (s *MemoryStore) CreateUser(_ context.Context, in NewUser) (User, error) {
	const op = "identity.CreateUser"

	in, err := validateNewUser(op, in)
	if err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.byUsername[in.Username]; dup {
		return User{}, ConflictError{Op: op, Field: "username"}
	}
	if _, dup := s.byID[in.ID]; dup {
		return User{}, ConflictError{Op: op, Field: "id"}
	}
	u := User(in)
	s.byID[u.ID] = u
	s.byUsername[u.Username] = u.ID
	return u, nil
}

func (s *MemoryStore) GetByID(_ context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.byID[id]
	if !ok {
		return User{}, notFound("identity.GetByID")
	}
	return u, nil
}

func (s *MemoryStore) GetByUsername(_ context.Context, username string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byUsername[NormalizeUsername(username)]
	if !ok {
		return User{}, notFound("identity.GetByUsername")
	}
	return s.byID[id], nil
}

func (s *MemoryStore) UpdatePasswordHash(_ context.Context, id, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[id]
	if !ok {
		return notFound("identity.UpdatePasswordHash")
	}
	u.PasswordHash = hash
	s.byID[id] = u
	return nil
}
