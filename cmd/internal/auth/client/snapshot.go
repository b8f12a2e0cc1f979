package authclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// SnapshotStore persists the session between process runs.
type SnapshotStore interface {
	Load() (Session, bool, error)
	Save(Session) error
	Clear() error
}

// MemorySnapshotStore keeps the snapshot in memory.
type MemorySnapshotStore struct {
	mu   sync.Mutex
	snap *Session
}

func NewMemorySnapshotStore() *MemorySnapshotStore { return &MemorySnapshotStore{} }

func (s *MemorySnapshotStore) Load() (Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap == nil {
		return Session{}, false, nil
	}
	return *s.snap, true, nil
}

func (s *MemorySnapshotStore) Save(sess Session) error {
	s.mu.Lock()
	s.snap = &sess
	s.mu.Unlock()
	return nil
}

func (s *MemorySnapshotStore) Clear() error {
	s.mu.Lock()
	s.snap = nil
	s.mu.Unlock()
	return nil
}

// SnapshotFileName is the single well-known file a FileSnapshotStore writes in its directory.
const SnapshotFileName = "molar-session.json"

// FileSnapshotStore persists the snapshot as JSON in dir/SnapshotFileName with mode 0600.
type FileSnapshotStore struct {
	mu   sync.Mutex
	path string
}

// NewFileSnapshotStore returns a store rooted at dir. The directory is created on first Save.
func NewFileSnapshotStore(dir string) *FileSnapshotStore {
	return &FileSnapshotStore{path: filepath.Join(dir, SnapshotFileName)}
}

func (s *FileSnapshotStore) Path() string { return s.path }

func (s *FileSnapshotStore) Load() (Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}
	var sess Session
	if err := json.Unmarshal(b, &sess); err != nil {
		return Session{}, false, fmt.Errorf("authclient: decode snapshot: %w", err)
	}
	return sess, true, nil
}

func (s *FileSnapshotStore) Save(sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".molar-session-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

func (s *FileSnapshotStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
