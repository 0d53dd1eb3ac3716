package eventlog

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Filter selects records in QueryEvents.
type Filter struct {
	// Statuses restricts results to these statuses. Empty matches all.
	Statuses []Status

	// Name restricts results to one event name.
	Name string

	// RetryBudget restricts results to records with RetryCount < MaxRetries.
	RetryBudget bool

	// Limit caps the number of results. Zero means no limit.
	Limit int
}

func (f Filter) match(r Record) bool {
	if f.Name != "" && r.Name != f.Name {
		return false
	}
	if f.RetryBudget && r.RetryCount >= r.MaxRetries {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if r.Status == s {
			return true
		}
	}
	return false
}

// Store persists event records. Every write is a single-record operation.
type Store interface {
	// InsertEvent stores a new record.
	InsertEvent(ctx context.Context, rec Record) error

	// UpdateEvent overwrites status, retry count, error and last attempt of
	// an existing record. Returns ErrNotFound if it does not exist.
	UpdateEvent(ctx context.Context, rec Record) error

	// GetEvent loads one record. Returns ErrNotFound if it does not exist.
	GetEvent(ctx context.Context, id string) (Record, error)

	// QueryEvents returns matching records, oldest first.
	QueryEvents(ctx context.Context, f Filter) ([]Record, error)

	// CountByStatus returns the number of records per status.
	CountByStatus(ctx context.Context) (map[Status]int, error)

	// DeleteBefore removes terminal records (success, or failed with no
	// retry budget) created before cutoff and returns how many were removed.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) InsertEvent(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = cloneRecord(rec)
	return nil
}

func (s *MemoryStore) UpdateEvent(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[rec.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Status = rec.Status
	cur.RetryCount = rec.RetryCount
	cur.Error = rec.Error
	cur.LastAttemptAt = cloneTime(rec.LastAttemptAt)
	s.records[rec.ID] = cur
	return nil
}

func (s *MemoryStore) GetEvent(ctx context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *MemoryStore) QueryEvents(ctx context.Context, f Filter) ([]Record, error) {
	s.mu.RLock()
	out := make([]Record, 0)
	for _, rec := range s.records {
		if f.match(rec) {
			out = append(out, cloneRecord(rec))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[Status]int)
	for _, rec := range s.records {
		counts[rec.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, rec := range s.records {
		if rec.CreatedAt.Before(cutoff) && rec.Terminal() {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func cloneRecord(r Record) Record {
	if r.Payload != nil {
		r.Payload = append([]byte(nil), r.Payload...)
	}
	r.LastAttemptAt = cloneTime(r.LastAttemptAt)
	return r
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
