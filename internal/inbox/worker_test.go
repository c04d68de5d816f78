package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"inbox-relay/internal/observability"
	"inbox-relay/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorker(repo Repository, d Dispatcher) (*Worker, *observability.InMemoryMetrics) {
	metrics := observability.NewInMemoryMetrics()
	return NewWorker(repo, d, WorkerConfig{
		MaxRetries: 3,
		Metrics:    metrics,
		Logger:     observability.NopLogger(),
	}), metrics
}

func seedPending(repo *MemoryRepository, messageID string) {
	repo.Seed(store.InboxRecord{
		MessageID: messageID,
		EventType: "user.create",
		Payload:   []byte(`{"userId":"u1"}`),
		Status:    store.InboxPending,
		CreatedAt: time.Now(),
	})
}

func TestWorker_Success(t *testing.T) {
	repo := NewMemoryRepository()
	seedPending(repo, "m1")

	d := NewMockDispatcher()
	var payload json.RawMessage
	d.DispatchFunc = func(ctx context.Context, eventType string, p json.RawMessage) error {
		payload = p
		return nil
	}
	w, metrics := newTestWorker(repo, d)

	require.NoError(t, w.Process(context.Background(), "m1"))

	rec := repo.Get("m1")
	assert.Equal(t, store.InboxProcessed, rec.Status)
	require.NotNil(t, rec.ProcessedAt)
	assert.Nil(t, rec.ErrorMessage)
	assert.JSONEq(t, `{"userId":"u1"}`, string(payload))
	assert.Equal(t, 1, d.Calls("user.create"))
	assert.Equal(t, int64(1), metrics.GetProcessed())
}

func TestWorker_SecondExecutionIsNoop(t *testing.T) {
	repo := NewMemoryRepository()
	seedPending(repo, "m1")
	d := NewMockDispatcher()
	w, _ := newTestWorker(repo, d)

	require.NoError(t, w.Process(context.Background(), "m1"))
	require.NoError(t, w.Process(context.Background(), "m1"))

	assert.Equal(t, 1, d.Calls("user.create"))
}

func TestWorker_MissingRowIsNoop(t *testing.T) {
	d := NewMockDispatcher()
	w, _ := newTestWorker(NewMemoryRepository(), d)

	assert.NoError(t, w.Process(context.Background(), "ghost"))
	assert.Equal(t, 0, d.Calls("user.create"))
}

func TestWorker_ClaimErrorIsRetried(t *testing.T) {
	repo := NewMemoryRepository()
	seedPending(repo, "m1")
	repo.ClaimErr = errors.New("db down")
	w, _ := newTestWorker(repo, NewMockDispatcher())

	assert.Error(t, w.Process(context.Background(), "m1"))
}

func TestWorker_FailureBelowCeilingIsReraised(t *testing.T) {
	repo := NewMemoryRepository()
	seedPending(repo, "m1")
	boom := errors.New("email taken")
	d := NewMockDispatcher()
	d.DispatchFunc = func(ctx context.Context, eventType string, payload json.RawMessage) error {
		return boom
	}
	w, metrics := newTestWorker(repo, d)

	err := w.Process(context.Background(), "m1")
	assert.ErrorIs(t, err, boom)

	rec := repo.Get("m1")
	assert.Equal(t, store.InboxFailed, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
	require.NotNil(t, rec.ErrorMessage)
	assert.Equal(t, "email taken", *rec.ErrorMessage)
	assert.Equal(t, int64(1), metrics.GetRetried())
}

func TestWorker_RetryCeiling(t *testing.T) {
	repo := NewMemoryRepository()
	seedPending(repo, "m1")
	d := NewMockDispatcher()
	d.DispatchFunc = func(ctx context.Context, eventType string, payload json.RawMessage) error {
		return errors.New("always fails")
	}
	w, metrics := newTestWorker(repo, d)
	ctx := context.Background()

	assert.Error(t, w.Process(ctx, "m1"))
	assert.Error(t, w.Process(ctx, "m1"))
	assert.NoError(t, w.Process(ctx, "m1"), "third failure is terminal and swallowed")
	assert.NoError(t, w.Process(ctx, "m1"), "terminal row is not claimable")

	rec := repo.Get("m1")
	assert.Equal(t, store.InboxFailed, rec.Status)
	assert.Equal(t, 3, rec.RetryCount)
	assert.Equal(t, 3, d.Calls("user.create"))
	assert.Equal(t, int64(1), metrics.GetFailed())
}

func TestWorker_RetryAfterFailureSucceeds(t *testing.T) {
	repo := NewMemoryRepository()
	seedPending(repo, "m1")
	d := NewMockDispatcher()
	fail := true
	d.DispatchFunc = func(ctx context.Context, eventType string, payload json.RawMessage) error {
		if fail {
			fail = false
			return errors.New("transient")
		}
		return nil
	}
	w, _ := newTestWorker(repo, d)
	ctx := context.Background()

	assert.Error(t, w.Process(ctx, "m1"))
	require.NoError(t, w.Process(ctx, "m1"))

	rec := repo.Get("m1")
	assert.Equal(t, store.InboxProcessed, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
	assert.Nil(t, rec.ErrorMessage)
}
