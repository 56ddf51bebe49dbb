package auditstore

import (
	"context"
	"sync"
)

// InMemoryStore keeps records in process memory. It backs unit tests and
// local development.
type InMemoryStore struct {
	mu      sync.Mutex
	records []AuditRecord
	byID    map[string]struct{}
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byID: make(map[string]struct{})}
}

// Insert stores a copy of the record. A duplicate ID is ignored, matching
// the create-once contract.
func (s *InMemoryStore) Insert(_ context.Context, record *AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[record.ID]; exists {
		return nil
	}
	s.byID[record.ID] = struct{}{}
	s.records = append(s.records, *record)
	return nil
}

// Records returns a copy of everything inserted so far, in insertion order.
func (s *InMemoryStore) Records() []AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditRecord, len(s.records))
	copy(out, s.records)
	return out
}

// Close is a no-op.
func (s *InMemoryStore) Close() error {
	return nil
}
