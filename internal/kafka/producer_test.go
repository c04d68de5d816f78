package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"inbox-relay/internal/observability"

	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu        sync.Mutex
	FailCount int
	calls     int
	written   []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.calls <= w.FailCount {
		return fmt.Errorf("simulated write failure %d", w.calls)
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	return nil
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2,
	}
}

func TestProducer_PublishSuccess(t *testing.T) {
	metrics := observability.NewInMemoryMetrics()
	writer := &fakeWriter{}
	producer := newProducer(writer, ProducerConfig{
		MaxRetries:  3,
		RetryPolicy: fastPolicy(),
		Metrics:     metrics,
		Logger:      observability.NopLogger(),
	})

	err := producer.Publish(context.Background(), "test-topic", "test-key", []byte("test-value"), map[string]string{
		"header1": "value1",
	})

	require.NoError(t, err)
	assert.Equal(t, int64(1), metrics.GetPublished())
	require.Len(t, writer.written, 1)
	assert.Equal(t, "test-topic", writer.written[0].Topic)
	assert.Equal(t, []byte("test-key"), writer.written[0].Key)
	require.Len(t, writer.written[0].Headers, 1)
	assert.Equal(t, "header1", writer.written[0].Headers[0].Key)
}

func TestProducer_PublishWithRetries(t *testing.T) {
	metrics := observability.NewInMemoryMetrics()
	writer := &fakeWriter{FailCount: 2}
	producer := newProducer(writer, ProducerConfig{
		MaxRetries:  2,
		RetryPolicy: fastPolicy(),
		Metrics:     metrics,
		Logger:      observability.NopLogger(),
	})

	err := producer.Publish(context.Background(), "test-topic", "test-key", []byte("test-value"), nil)

	assert.NoError(t, err)
	assert.Equal(t, 3, writer.calls)
	assert.Equal(t, int64(1), metrics.GetPublished())
}

func TestProducer_PublishExceedsMaxRetries(t *testing.T) {
	metrics := observability.NewInMemoryMetrics()
	writer := &fakeWriter{FailCount: 100}
	producer := newProducer(writer, ProducerConfig{
		MaxRetries:  2,
		RetryPolicy: fastPolicy(),
		Metrics:     metrics,
		Logger:      observability.NopLogger(),
	})

	err := producer.Publish(context.Background(), "test-topic", "test-key", []byte("test-value"), nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to publish message after 3 attempts")
	assert.Equal(t, int64(1), metrics.GetPublishFailed())
	assert.Equal(t, int64(0), metrics.GetPublished())
}

type errWriter struct {
	err   error
	calls int
}

func (w *errWriter) WriteMessages(context.Context, ...kafka.Message) error {
	w.calls++
	return w.err
}

func (w *errWriter) Close() error {
	return nil
}

func TestProducer_ClassifiesWriteErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
		calls     int
	}{
		{name: "dial failure", err: errors.New("dial tcp: connection refused"), calls: 3},
		{name: "leader not available", err: kafka.LeaderNotAvailable, calls: 3},
		{name: "message too large", err: kafka.MessageTooLargeError{}, permanent: true, calls: 1},
		{name: "rejected inside write errors", err: kafka.WriteErrors{nil, kafka.MessageSizeTooLarge}, permanent: true, calls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writer := &errWriter{err: tt.err}
			producer := newProducer(writer, ProducerConfig{
				MaxRetries:  2,
				RetryPolicy: fastPolicy(),
				Logger:      observability.NopLogger(),
			})

			err := producer.Publish(context.Background(), "test-topic", "k", []byte("v"), nil)

			require.Error(t, err)
			assert.Equal(t, tt.permanent, IsPermanent(err))
			assert.Equal(t, !tt.permanent, IsRetryable(err))
			assert.Equal(t, tt.calls, writer.calls)
		})
	}
}

func TestProducer_IdempotentConfiguration(t *testing.T) {
	producer := NewProducer(ProducerConfig{
		Brokers:    []string{"localhost:9092"},
		Acks:       1,
		Retries:    3,
		Idempotent: true, // Should override acks to -1
		Logger:     observability.NopLogger(),
	})
	defer producer.Close()

	writer, ok := producer.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, kafka.RequireAll, writer.RequiredAcks)
	assert.Equal(t, 10, writer.MaxAttempts)
	assert.IsType(t, &kafka.Hash{}, writer.Balancer)
}

func TestProducer_ContextCancellation(t *testing.T) {
	writer := &fakeWriter{FailCount: 100}
	producer := newProducer(writer, ProducerConfig{
		MaxRetries: 5,
		RetryPolicy: RetryPolicy{
			InitialBackoff: time.Second,
			MaxBackoff:     time.Second,
			BackoffFactor:  2,
		},
		Logger: observability.NopLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := producer.Publish(ctx, "test-topic", "test-key", []byte("test-value"), nil)

	assert.Error(t, err)
	assert.Equal(t, 1, writer.calls)
}

func TestCalculateBackoff_CappedAtMax(t *testing.T) {
	policy := RetryPolicy{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
		BackoffFactor:  2,
		Jitter:         true,
	}

	assert.GreaterOrEqual(t, calculateBackoff(policy, 0), 100*time.Millisecond)
	for attempt := 0; attempt < 20; attempt++ {
		assert.LessOrEqual(t, calculateBackoff(policy, attempt), time.Second)
	}
	assert.Equal(t, time.Second, calculateBackoff(policy, 100))
}

func TestMockProducer_SimulateFailures(t *testing.T) {
	mock := NewMockProducer()
	mock.FailCount = 2

	ctx := context.Background()

	assert.Error(t, mock.Publish(ctx, "test-topic", "key1", []byte("value1"), nil))
	assert.Error(t, mock.Publish(ctx, "test-topic", "key1", []byte("value1"), nil))
	assert.NoError(t, mock.Publish(ctx, "test-topic", "key1", []byte("value1"), nil))

	assert.Len(t, mock.GetPublishedMessages(), 1)
}
