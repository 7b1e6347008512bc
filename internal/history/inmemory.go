package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// inMemoryCap bounds per-account history so a long-running process without a
// database does not grow without limit.
const inMemoryCap = 1000

// InMemoryStore is a simple in-process history store for local/dev use.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string][]SendRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string][]SendRecord)}
}

func (s *InMemoryStore) RecordSend(_ context.Context, record SendRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	arr := append(s.records[record.AccountKey], record)
	if len(arr) > inMemoryCap {
		arr = arr[len(arr)-inMemoryCap:]
	}
	s.records[record.AccountKey] = arr
	return nil
}

func (s *InMemoryStore) RecentSends(_ context.Context, accountKey string, limit int) ([]SendRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.records[accountKey]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]SendRecord, 0, limit)
	for i := len(arr) - limit; i < len(arr); i++ {
		out = append(out, arr[i])
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
