package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/MimeLyc/volback/pkg/file"
)

// Entries maps job name to unit name to the time of the last successful backup.
type Entries map[string]map[string]time.Time

func (e Entries) clone() Entries {
	ret := make(Entries, len(e))
	for job, units := range e {
		inner := make(map[string]time.Time, len(units))
		for unit, t := range units {
			inner[unit] = t
		}
		ret[job] = inner
	}
	return ret
}

// Store persists the whole ledger. Save must replace the previous content
// atomically.
type Store interface {
	Load(ctx context.Context) (Entries, error)
	Save(ctx context.Context, entries Entries) error
}

// FileStore keeps the ledger as a JSON document.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load(_ context.Context) (Entries, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if file.IsNotExist(err) {
			return Entries{}, nil
		}
		return nil, err
	}
	entries := Entries{}
	if len(data) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("invalid ledger file %s: %w", s.path, err)
	}
	return entries, nil
}

func (s *FileStore) Save(_ context.Context, entries Entries) error {
	content, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	content = append(content, '\n')
	return file.WriteAtomic(s.path, content, 0o600)
}

// MemoryStore keeps the ledger in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	entries Entries
	saves   int
	saveErr error
}

func NewMemoryStore(initial Entries) *MemoryStore {
	if initial == nil {
		initial = Entries{}
	}
	return &MemoryStore{entries: initial.clone()}
}

func (s *MemoryStore) Load(_ context.Context) (Entries, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, entries Entries) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.entries = entries.clone()
	s.saves++
	return nil
}

// FailSaves makes every following Save return err (nil restores success).
func (s *MemoryStore) FailSaves(err error) {
	s.mu.Lock()
	s.saveErr = err
	s.mu.Unlock()
}

func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
