package history

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// InMemoryStore is a bounded in-process history for local/dev use.
type InMemoryStore struct {
	mu      sync.RWMutex
	records []CallRecord
	max     int
}

func NewInMemoryStore(max int) *InMemoryStore {
	if max <= 0 {
		max = 1000
	}
	return &InMemoryStore{max: max}
}

func (s *InMemoryStore) Mode() string { return "in-memory" }

func (s *InMemoryStore) SaveCall(_ context.Context, record CallRecord) error {
	record = normalize(record, uuid.NewString)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	if over := len(s.records) - s.max; over > 0 {
		s.records = append([]CallRecord(nil), s.records[over:]...)
	}
	return nil
}

// RecentCalls returns up to limit records, newest first.
func (s *InMemoryStore) RecentCalls(_ context.Context, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit > len(s.records) {
		limit = len(s.records)
	}
	out := make([]CallRecord, 0, limit)
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.records[i])
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
