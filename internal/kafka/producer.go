package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"inbox-relay/internal/observability"

	kafka "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// ProducerClient defines the interface for Kafka producer operations
type ProducerClient interface {
	Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
	Close() error
}

// messageWriter is the subset of *kafka.Writer the producer needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer implements ProducerClient with delivery guarantees and retry logic
type Producer struct {
	writer     messageWriter
	logger     *logrus.Entry
	metrics    observability.MetricsCollector
	maxRetries int
	policy     RetryPolicy
}

type ProducerConfig struct {
	Brokers          []string
	Acks             int // -1 for all, 0 for none, 1 for leader
	Retries          int
	Idempotent       bool
	AutoCreateTopics bool
	MaxRetries       int
	RetryPolicy      RetryPolicy
	Metrics          observability.MetricsCollector
	Logger           *logrus.Entry
}

func NewProducer(cfg ProducerConfig) *Producer {
	// Configure writer with delivery guarantees
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequiredAcks(cfg.Acks),
		MaxAttempts:            cfg.Retries,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: cfg.AutoCreateTopics,
		Async:                  false, // Synchronous for reliable error handling
	}

	if cfg.Idempotent {
		writer.RequiredAcks = kafka.RequireAll
		writer.MaxAttempts = 10
	}

	return newProducer(writer, cfg)
}

func newProducer(writer messageWriter, cfg ProducerConfig) *Producer {
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewInMemoryMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.Component("kafka-producer")
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryPolicy.InitialBackoff == 0 {
		cfg.RetryPolicy = RetryPolicy{
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			BackoffFactor:  2,
		}
	}

	return &Producer{
		writer:     writer,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		maxRetries: cfg.MaxRetries,
		policy:     cfg.RetryPolicy.withDefaults(),
	}
}

// Publish writes one message and returns nil only after the broker acked it.
// Messages with the same key land on the same partition.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
		Time:  time.Now(),
	}

	if len(headers) > 0 {
		msg.Headers = make([]kafka.Header, 0, len(headers))
		for k, v := range headers {
			msg.Headers = append(msg.Headers, kafka.Header{
				Key:   k,
				Value: []byte(v),
			})
		}
	}

	logger := p.logger.WithFields(logrus.Fields{
		"topic": topic,
		"key":   key,
	})

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := calculateBackoff(p.policy, attempt-1)
			logger.WithFields(logrus.Fields{
				"attempt": attempt,
				"backoff": backoff,
			}).Info("Retrying message publish")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		attempts++
		err := p.writer.WriteMessages(ctx, msg)
		if err == nil {
			p.metrics.IncPublished()
			logger.WithField("attempt", attempt+1).Debug("Message published successfully")
			return nil
		}

		lastErr = classifyWriteError(err)
		logger.WithError(err).WithField("attempt", attempt+1).Warn("Failed to publish message")

		if ctx.Err() != nil || !IsRetryable(lastErr) {
			break
		}
	}

	p.metrics.IncPublishFailed()
	return fmt.Errorf("failed to publish message after %d attempts: %w", attempts, lastErr)
}

// classifyWriteError marks broker rejections that no retry can fix as
// PermanentError. Everything else, including dial and timeout errors, is a
// RetryableError.
func classifyWriteError(err error) error {
	var writeErrs kafka.WriteErrors
	if errors.As(err, &writeErrs) {
		for _, e := range writeErrs {
			if e != nil {
				err = e
				break
			}
		}
	}

	var tooLarge kafka.MessageTooLargeError
	if errors.As(err, &tooLarge) {
		return &PermanentError{Err: err}
	}
	var kerr kafka.Error
	if errors.As(err, &kerr) && !kerr.Temporary() {
		return &PermanentError{Err: err}
	}
	return &RetryableError{Err: err}
}

// Close gracefully shuts down the producer
func (p *Producer) Close() error {
	p.logger.Info("Closing producer")
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close producer: %w", err)
	}
	return nil
}

// CloseGracefully closes the writer, giving up after timeout.
func (p *Producer) CloseGracefully(timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- p.Close()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("producer close timed out after %s", timeout)
	}
}
