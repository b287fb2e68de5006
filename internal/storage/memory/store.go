package memory

import (
	"context"
	"sync"
	"time"

	"github.com/Ascend/MindInferenceService-sub000/internal/storage"
)

// DefaultCapacity is used when New is given a non-positive capacity.
const DefaultCapacity = 1000

// Store is an in-memory AdmissionStore keeping the most recent records in a
// ring buffer.
type Store struct {
	mu      sync.RWMutex
	records []*storage.AdmissionRecord
	next    int
	full    bool
}

var _ storage.AdmissionStore = (*Store)(nil)

// New creates a store holding up to capacity records.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		records: make([]*storage.AdmissionRecord, capacity),
	}
}

func (s *Store) Record(ctx context.Context, rec *storage.AdmissionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	cp := *rec

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[s.next] = &cp
	s.next = (s.next + 1) % len(s.records)
	if s.next == 0 {
		s.full = true
	}
	return nil
}

func (s *Store) List(ctx context.Context, opts storage.ListOptions) ([]*storage.AdmissionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := s.next
	if s.full {
		n = len(s.records)
	}

	var result []*storage.AdmissionRecord
	for i := 0; i < n; i++ {
		// Walk backwards from the newest entry.
		idx := (s.next - 1 - i + len(s.records)) % len(s.records)
		rec := s.records[idx]
		if opts.Outcome != "" && rec.Outcome != opts.Outcome {
			continue
		}
		cp := *rec
		result = append(result, &cp)
	}

	// Simple pagination
	start := opts.Offset
	if start >= len(result) {
		return []*storage.AdmissionRecord{}, nil
	}

	limit := opts.Limit
	if limit == 0 {
		limit = storage.DefaultListLimit
	}
	end := start + limit
	if end > len(result) {
		end = len(result)
	}

	return result[start:end], nil
}

// Len returns the number of records held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.full {
		return len(s.records)
	}
	return s.next
}

func (s *Store) Close() error {
	return nil
}
