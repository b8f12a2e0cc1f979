package realtime

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process ConnectionStore for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	conns map[string]ConnectionRecord
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{conns: make(map[string]ConnectionRecord)}
}

func (s *MemoryStore) Put(_ context.Context, rec ConnectionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.conns[rec.ConnectionID]; ok && prev.CreatedAt > 0 {
		rec.CreatedAt = prev.CreatedAt
	}
	s.conns[rec.ConnectionID] = rec
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, connectionID string) error {
	s.mu.Lock()
	delete(s.conns, connectionID)
	s.mu.Unlock()
	return nil
}

// List returns records ordered by CreatedAt, then ConnectionID.
func (s *MemoryStore) List(_ context.Context) ([]ConnectionRecord, error) {
	s.mu.RLock()
	out := make([]ConnectionRecord, 0, len(s.conns))
	for _, rec := range s.conns {
		out = append(out, rec)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ConnectionID < out[j].ConnectionID
	})
	return out, nil
}

func (s *MemoryStore) Touch(_ context.Context, connectionID string, nowMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.conns[connectionID]
	if !ok {
		return nil
	}
	rec.LastSeenAt = nowMs
	s.conns[connectionID] = rec
	return nil
}

func (s *MemoryStore) DeleteStale(_ context.Context, cutoffMs int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, rec := range s.conns {
		if rec.LastSeenAt < cutoffMs {
			delete(s.conns, id)
			n++
		}
	}
	return n, nil
}
