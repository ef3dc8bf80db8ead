package workflow

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/pitabwire/postcraft/model"
)

// MemoryStateStore is an in-memory StateStore for tests and single-instance
// deployments.
type MemoryStateStore struct {
	mu      sync.RWMutex
	records map[string][]byte // key: user ID
}

// NewMemoryStateStore creates a new in-memory state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		records: make(map[string][]byte),
	}
}

// Load returns a copy of the stored record.
func (s *MemoryStateStore) Load(_ context.Context, userID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.records[userID]
	if !ok {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("workflow state for %q not found", userID),
		)
	}
	return slices.Clone(data), nil
}

// Save stores a copy of data.
func (s *MemoryStateStore) Save(_ context.Context, userID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[userID] = slices.Clone(data)
	return nil
}

// Delete removes the record if present.
func (s *MemoryStateStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, userID)
	return nil
}

// Len returns the number of stored records.
func (s *MemoryStateStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// HealthCheck always succeeds.
func (s *MemoryStateStore) HealthCheck(_ context.Context) error {
	return nil
}
