package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"inbox-relay/internal/store"
)

// MemoryStore is an in-memory Store for tests.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]*store.OutboxRecord

	// MarkPublishedFunc, when set, runs before the row is updated; a non-nil
	// error leaves the row pending.
	MarkPublishedFunc func(id string) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*store.OutboxRecord)}
}

func (s *MemoryStore) Add(rec store.OutboxRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Status == "" {
		rec.Status = store.OutboxPending
	}
	s.rows[rec.ID] = &rec
}

func (s *MemoryStore) Get(id string) *store.OutboxRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[id]
	if !ok {
		return nil
	}
	c := *rec
	return &c
}

func (s *MemoryStore) ListPending(_ context.Context, limit int) ([]store.OutboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.OutboxRecord
	for _, rec := range s.rows {
		if rec.Status == store.OutboxPending {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkPublished(_ context.Context, id string, at time.Time) error {
	if s.MarkPublishedFunc != nil {
		if err := s.MarkPublishedFunc(id); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[id]
	if !ok || rec.Status != store.OutboxPending {
		return store.ErrNotFound
	}
	rec.Status = store.OutboxPublished
	rec.PublishedAt = &at
	rec.LastError = nil
	return nil
}

func (s *MemoryStore) RecordFailure(_ context.Context, id string, attempts int, reason string, terminal bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[id]
	if !ok || rec.Status != store.OutboxPending {
		return store.ErrNotFound
	}
	rec.Attempts = attempts
	rec.LastError = &reason
	if terminal {
		rec.Status = store.OutboxFailed
	}
	return nil
}

func (s *MemoryStore) DeletePublishedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.rows {
		if rec.Status == store.OutboxPublished && rec.PublishedAt != nil && rec.PublishedAt.Before(cutoff) {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}
