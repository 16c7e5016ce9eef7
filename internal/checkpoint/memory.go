package checkpoint

import (
	"encoding/json"
	"sync"
)

// MemoryStore holds the snapshot in memory. Used in tests and usable as a
// dry-run backend; copies in and out are deep so callers can't alias the
// stored snapshot.
type MemoryStore struct {
	mu       sync.Mutex
	snapshot []byte
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Load() (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return nil, nil
	}
	var cp Checkpoint
	if err := json.Unmarshal(s.snapshot, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *MemoryStore) Save(cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.snapshot = data
	s.mu.Unlock()
	return nil
}
