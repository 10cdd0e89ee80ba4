package recovery

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory. Records do not survive a
// restart; use RedisStore for that.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Persist(_ context.Context, r *Record) error {
	if r == nil || r.PlayerID == "" {
		return errors.New("recovery record requires a player id")
	}
	s.mu.Lock()
	s.records[r.PlayerID] = r.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Load(_ context.Context, playerID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[playerID].Clone(), nil
}

func (s *MemoryStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, r := range s.records {
		if r.Timestamp.Before(cutoff) {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}

// Len reports the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
