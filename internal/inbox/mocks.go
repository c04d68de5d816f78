package inbox

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"inbox-relay/internal/queue"
	"inbox-relay/internal/store"

	"github.com/google/uuid"
)

// MemoryRepository is an in-memory Repository with the same conditional
// update semantics as store.InboxStore.
type MemoryRepository struct {
	mu   sync.Mutex
	rows map[string]*store.InboxRecord

	// Optional hooks; a non-nil error is returned before touching state.
	InsertErr error
	ClaimErr  error
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rows: make(map[string]*store.InboxRecord)}
}

func clone(rec *store.InboxRecord) *store.InboxRecord {
	c := *rec
	if rec.ErrorMessage != nil {
		msg := *rec.ErrorMessage
		c.ErrorMessage = &msg
	}
	if rec.ProcessedAt != nil {
		at := *rec.ProcessedAt
		c.ProcessedAt = &at
	}
	c.Payload = append([]byte(nil), rec.Payload...)
	return &c
}

// Seed stores rec as-is, replacing any row with the same message id.
func (r *MemoryRepository) Seed(rec store.InboxRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	r.rows[rec.MessageID] = clone(&rec)
}

// Get returns a copy of the row, or nil.
func (r *MemoryRepository) Get(messageID string) *store.InboxRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.rows[messageID]
	if !ok {
		return nil
	}
	return clone(rec)
}

func (r *MemoryRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

func (r *MemoryRepository) FindByMessageID(_ context.Context, messageID string) (*store.InboxRecord, error) {
	if rec := r.Get(messageID); rec != nil {
		return rec, nil
	}
	return nil, store.ErrNotFound
}

func (r *MemoryRepository) Insert(_ context.Context, rec *store.InboxRecord) error {
	if r.InsertErr != nil {
		return r.InsertErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[rec.MessageID]; ok {
		return store.ErrDuplicate
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	r.rows[rec.MessageID] = clone(rec)
	return nil
}

func (r *MemoryRepository) Claim(_ context.Context, messageID string, maxRetries int) (*store.InboxRecord, error) {
	if r.ClaimErr != nil {
		return nil, r.ClaimErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.rows[messageID]
	if !ok {
		return nil, store.ErrNotFound
	}
	claimable := rec.Status == store.InboxPending ||
		(rec.Status == store.InboxFailed && rec.RetryCount < maxRetries)
	if !claimable {
		return nil, store.ErrNotFound
	}
	rec.Status = store.InboxProcessing
	return clone(rec), nil
}

func (r *MemoryRepository) update(messageID, from string, retryCount int, fn func(rec *store.InboxRecord)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.rows[messageID]
	if !ok || rec.Status != from || (retryCount >= 0 && rec.RetryCount != retryCount) {
		return store.ErrNotFound
	}
	fn(rec)
	return nil
}

func (r *MemoryRepository) MarkProcessed(_ context.Context, messageID string, at time.Time) error {
	return r.update(messageID, store.InboxProcessing, -1, func(rec *store.InboxRecord) {
		rec.Status = store.InboxProcessed
		rec.ProcessedAt = &at
		rec.ErrorMessage = nil
	})
}

func (r *MemoryRepository) MarkFailed(_ context.Context, messageID string, retryCount int, reason string) error {
	return r.update(messageID, store.InboxProcessing, -1, func(rec *store.InboxRecord) {
		rec.Status = store.InboxFailed
		rec.RetryCount = retryCount
		rec.ErrorMessage = &reason
	})
}

func (r *MemoryRepository) Requeue(_ context.Context, messageID string, fromRetryCount int) error {
	return r.update(messageID, store.InboxProcessing, fromRetryCount, func(rec *store.InboxRecord) {
		rec.Status = store.InboxPending
		rec.RetryCount = fromRetryCount + 1
	})
}

func (r *MemoryRepository) Expire(_ context.Context, messageID string, fromRetryCount int, reason string) error {
	return r.update(messageID, store.InboxProcessing, fromRetryCount, func(rec *store.InboxRecord) {
		rec.Status = store.InboxFailed
		rec.RetryCount = fromRetryCount + 1
		rec.ErrorMessage = &reason
	})
}

func (r *MemoryRepository) list(match func(rec *store.InboxRecord) bool, limit int) []store.InboxRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []store.InboxRecord
	for _, rec := range r.rows {
		if match(rec) {
			out = append(out, *clone(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *MemoryRepository) ListPending(_ context.Context, limit int) ([]store.InboxRecord, error) {
	return r.list(func(rec *store.InboxRecord) bool {
		return rec.Status == store.InboxPending
	}, limit), nil
}

func (r *MemoryRepository) ListStuck(_ context.Context, cutoff time.Time, limit int) ([]store.InboxRecord, error) {
	return r.list(func(rec *store.InboxRecord) bool {
		return rec.Status == store.InboxProcessing && rec.CreatedAt.Before(cutoff)
	}, limit), nil
}

func (r *MemoryRepository) DeleteProcessedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, rec := range r.rows {
		if rec.Status == store.InboxProcessed && rec.CreatedAt.Before(cutoff) {
			delete(r.rows, id)
			n++
		}
	}
	return n, nil
}

// MockDispatcher counts calls per event type.
type MockDispatcher struct {
	mu    sync.Mutex
	calls map[string]int

	DispatchFunc func(ctx context.Context, eventType string, payload json.RawMessage) error
}

func NewMockDispatcher() *MockDispatcher {
	return &MockDispatcher{calls: make(map[string]int)}
}

func (m *MockDispatcher) Dispatch(ctx context.Context, eventType string, payload json.RawMessage) error {
	m.mu.Lock()
	m.calls[eventType]++
	m.mu.Unlock()
	if m.DispatchFunc != nil {
		return m.DispatchFunc(ctx, eventType, payload)
	}
	return nil
}

func (m *MockDispatcher) Calls(eventType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[eventType]
}

// MockEnqueuer records submissions. AddFunc overrides the default behaviour
// of accepting every job.
type MockEnqueuer struct {
	mu    sync.Mutex
	added []string

	AddFunc func(ctx context.Context, name string, data queue.JobData, opts queue.JobOptions) (*queue.Job, error)
}

func (m *MockEnqueuer) Add(ctx context.Context, name string, data queue.JobData, opts queue.JobOptions) (*queue.Job, error) {
	if m.AddFunc != nil {
		job, err := m.AddFunc(ctx, name, data, opts)
		if err != nil {
			return nil, err
		}
		m.record(opts.JobID)
		return job, nil
	}
	m.record(opts.JobID)
	return &queue.Job{ID: opts.JobID, Name: name, Data: data}, nil
}

func (m *MockEnqueuer) record(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.added = append(m.added, id)
}

func (m *MockEnqueuer) Added() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.added...)
}
