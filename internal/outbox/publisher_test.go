package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"inbox-relay/internal/kafka"
	"inbox-relay/internal/observability"
	"inbox-relay/internal/store"
	"inbox-relay/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPublisher(s Store, producer kafka.ProducerClient, maxAttempts int) *Publisher {
	return NewPublisher(s, producer, Options{
		PollInterval: 5 * time.Millisecond,
		BatchSize:    10,
		MaxAttempts:  maxAttempts,
		Retention:    24 * time.Hour,
		Logger:       observability.NopLogger(),
	})
}

func pendingRow(id string, age time.Duration) store.OutboxRecord {
	return store.OutboxRecord{
		ID:           id,
		EventID:      "evt-" + id,
		Topic:        "user-events",
		PartitionKey: "u1",
		EventType:    "user.created",
		Payload:      []byte(`{"eventId":"evt-` + id + `"}`),
		Status:       store.OutboxPending,
		CreatedAt:    time.Now().Add(-age),
	}
}

func TestPublisher_PublishesOldestFirst(t *testing.T) {
	s := NewMemoryStore()
	s.Add(pendingRow("b", time.Second))
	s.Add(pendingRow("a", time.Minute))
	producer := kafka.NewMockProducer()
	p := newTestPublisher(s, producer, 25)

	n, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	msgs := producer.GetPublishedMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "evt-a", msgs[0].Headers[models.HeaderMessageID])
	assert.Equal(t, "user.created", msgs[0].Headers[models.HeaderEventType])
	assert.Equal(t, "u1", msgs[0].Key)
	assert.Equal(t, "user-events", msgs[0].Topic)
	assert.Equal(t, "evt-b", msgs[1].Headers[models.HeaderMessageID])

	assert.Equal(t, store.OutboxPublished, s.Get("a").Status)
	assert.NotNil(t, s.Get("a").PublishedAt)
}

func TestPublisher_DefaultTopic(t *testing.T) {
	s := NewMemoryStore()
	row := pendingRow("a", time.Second)
	row.Topic = ""
	s.Add(row)
	producer := kafka.NewMockProducer()
	p := newTestPublisher(s, producer, 25)

	_, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Len(t, producer.PublishedTo("user-events"), 1)
}

func TestPublisher_CrashAfterAckRepublishes(t *testing.T) {
	s := NewMemoryStore()
	s.Add(pendingRow("a", time.Second))
	crashed := false
	s.MarkPublishedFunc = func(id string) error {
		if !crashed {
			crashed = true
			return errors.New("connection lost")
		}
		return nil
	}
	producer := kafka.NewMockProducer()
	p := newTestPublisher(s, producer, 25)
	ctx := context.Background()

	_, err := p.RunOnce(ctx)
	require.Error(t, err)
	assert.Equal(t, store.OutboxPending, s.Get("a").Status, "not marked without a successful update")

	n, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msgs := producer.GetPublishedMessages()
	require.Len(t, msgs, 2, "published twice, downstream dedups")
	assert.Equal(t, msgs[0].Headers[models.HeaderMessageID], msgs[1].Headers[models.HeaderMessageID])
	assert.Equal(t, store.OutboxPublished, s.Get("a").Status)
}

func TestPublisher_FailureStopsCycleAndCountsAttempt(t *testing.T) {
	s := NewMemoryStore()
	s.Add(pendingRow("a", time.Minute))
	s.Add(pendingRow("b", time.Second))
	producer := kafka.NewMockProducer()
	producer.FailCount = 1
	p := newTestPublisher(s, producer, 25)

	n, err := p.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, n)

	a := s.Get("a")
	assert.Equal(t, store.OutboxPending, a.Status)
	assert.Equal(t, 1, a.Attempts)
	require.NotNil(t, a.LastError)
	assert.Equal(t, 0, s.Get("b").Attempts, "later rows wait")

	n, err = p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPublisher_BrokerRejectionTerminalAfterMaxAttempts(t *testing.T) {
	s := NewMemoryStore()
	row := pendingRow("a", time.Minute)
	row.Attempts = 2
	s.Add(row)
	s.Add(pendingRow("b", time.Second))

	producer := kafka.NewMockProducer()
	producer.PublishFunc = func(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
		if headers[models.HeaderMessageID] == "evt-a" {
			return kafka.Permanent(errors.New("message too large"))
		}
		return nil
	}
	p := newTestPublisher(s, producer, 3)

	n, err := p.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, n, "cycle stops at the rejected row")

	a := s.Get("a")
	assert.Equal(t, store.OutboxFailed, a.Status)
	assert.Equal(t, 3, a.Attempts)
	assert.Equal(t, store.OutboxPending, s.Get("b").Status)

	n, err = p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, store.OutboxPublished, s.Get("b").Status)
}

func TestPublisher_OutageNeverFailsRows(t *testing.T) {
	s := NewMemoryStore()
	s.Add(pendingRow("a", time.Minute))
	s.Add(pendingRow("b", time.Second))
	producer := kafka.NewMockProducer()
	producer.FailCount = 26
	p := newTestPublisher(s, producer, 25)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		_, _ = p.RunOnce(ctx)
	}

	a := s.Get("a")
	assert.Equal(t, store.OutboxPublished, a.Status)
	assert.Equal(t, 26, a.Attempts)
	assert.Equal(t, store.OutboxPublished, s.Get("b").Status)

	msgs := producer.GetPublishedMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "evt-a", msgs[0].Headers[models.HeaderMessageID])
	assert.Equal(t, "evt-b", msgs[1].Headers[models.HeaderMessageID])
}

func TestPublisher_BacksOffAfterFailedCycle(t *testing.T) {
	s := NewMemoryStore()
	s.Add(pendingRow("a", time.Minute))
	producer := kafka.NewMockProducer()
	producer.FailCount = 2
	p := NewPublisher(s, producer, Options{
		Backoff: kafka.RetryPolicy{
			InitialBackoff: time.Second,
			MaxBackoff:     10 * time.Second,
			BackoffFactor:  2,
		},
		Logger: observability.NopLogger(),
	})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }
	ctx := context.Background()

	assert.True(t, p.due())
	_, err := p.RunOnce(ctx)
	require.Error(t, err)
	assert.False(t, p.due())

	now = now.Add(time.Second)
	assert.True(t, p.due())
	_, err = p.RunOnce(ctx)
	require.Error(t, err)

	now = now.Add(time.Second)
	assert.False(t, p.due(), "second failure waits twice as long")
	now = now.Add(time.Second)
	assert.True(t, p.due())

	_, err = p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, p.failures)
	assert.Equal(t, store.OutboxPublished, s.Get("a").Status)
}

func TestPublisher_Cleanup(t *testing.T) {
	s := NewMemoryStore()
	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now().Add(-time.Hour)

	r1 := pendingRow("old", 72*time.Hour)
	r1.Status, r1.PublishedAt = store.OutboxPublished, &old
	r2 := pendingRow("recent", 2*time.Hour)
	r2.Status, r2.PublishedAt = store.OutboxPublished, &recent
	s.Add(r1)
	s.Add(r2)
	s.Add(pendingRow("pending", 72*time.Hour))

	n, err := newTestPublisher(s, kafka.NewMockProducer(), 25).Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Nil(t, s.Get("old"))
	assert.NotNil(t, s.Get("recent"))
	assert.NotNil(t, s.Get("pending"))
}

type denyLeaser struct{}

func (denyLeaser) Acquire(context.Context, string, string, time.Duration) (bool, error) {
	return false, nil
}

func TestPublisher_RunHonoursLease(t *testing.T) {
	s := NewMemoryStore()
	s.Add(pendingRow("a", time.Second))
	producer := kafka.NewMockProducer()
	p := NewPublisher(s, producer, Options{
		PollInterval: 5 * time.Millisecond,
		Leaser:       denyLeaser{},
		Holder:       "node-b",
		Logger:       observability.NopLogger(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, p.Run(ctx))
	assert.Empty(t, producer.GetPublishedMessages())
}

func TestPublisher_Run(t *testing.T) {
	s := NewMemoryStore()
	s.Add(pendingRow("a", time.Second))
	producer := kafka.NewMockProducer()
	p := newTestPublisher(s, producer, 25)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		rec := s.Get("a")
		return rec != nil && rec.Status == store.OutboxPublished
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
