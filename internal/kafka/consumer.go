package kafka

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"inbox-relay/internal/observability"
	"inbox-relay/pkg/models"

	kafka "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// MessageHandler processes consumed messages
type MessageHandler func(ctx context.Context, msg *models.Message) error

// Mode selects how offsets are committed.
type Mode string

const (
	// ModeEachMessage commits after the handler succeeds and leaves
	// redelivery of failed messages to the broker.
	ModeEachMessage Mode = "eachMessage"
	// ModeEachBatch resolves every message of a fetched batch itself:
	// commit, republish with a bumped retry counter, or dead-letter.
	ModeEachBatch Mode = "eachBatch"
)

// MessageReader is the subset of *kafka.Reader the consumer loop needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ReaderFactory opens a reader positioned at the group's committed offset.
type ReaderFactory func(opts SubscribeOptions) MessageReader

// ConsumerClient defines the interface for Kafka consumer operations
type ConsumerClient interface {
	Subscribe(ctx context.Context, opts SubscribeOptions, handler MessageHandler) error
	Close() error
}

type SubscribeOptions struct {
	Topic          string
	GroupID        string
	FromBeginning  bool
	Mode           Mode
	BatchSize      int
	BatchTimeout   time.Duration
	MaxRetries     int
	HandlerTimeout time.Duration
	// Service is stamped into dlq-service.
	Service string
}

func (o *SubscribeOptions) Validate() error {
	if o.Topic == "" {
		return errors.New("topic cannot be empty")
	}
	if o.GroupID == "" {
		return errors.New("groupID cannot be empty")
	}
	switch o.Mode {
	case ModeEachMessage, ModeEachBatch:
	default:
		return fmt.Errorf("unknown subscribe mode %q", o.Mode)
	}
	if o.MaxRetries < 0 {
		return errors.New("maxRetries cannot be negative")
	}
	if o.BatchSize < 0 || o.BatchTimeout < 0 {
		return errors.New("batch settings cannot be negative")
	}
	return nil
}

func (o SubscribeOptions) withDefaults() SubscribeOptions {
	if o.BatchSize == 0 {
		o.BatchSize = 50
	}
	if o.BatchTimeout == 0 {
		o.BatchTimeout = 500 * time.Millisecond
	}
	if o.HandlerTimeout == 0 {
		o.HandlerTimeout = 30 * time.Second
	}
	return o
}

// Consumer drives one reader per subscription. Failures that must not be
// committed close the reader and reopen it so the broker redelivers from the
// last committed offset.
type Consumer struct {
	brokers   []string
	producer  ProducerClient
	logger    *logrus.Entry
	metrics   observability.MetricsCollector
	newReader ReaderFactory
	policy    RetryPolicy

	mu      sync.Mutex
	readers map[MessageReader]struct{}
}

type ConsumerConfig struct {
	Brokers     []string
	Metrics     observability.MetricsCollector
	Logger      *logrus.Entry
	RetryPolicy RetryPolicy
	NewReader   ReaderFactory
}

func NewConsumer(cfg ConsumerConfig, producer ProducerClient) *Consumer {
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewInMemoryMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.Component("kafka-consumer")
	}

	c := &Consumer{
		brokers:   cfg.Brokers,
		producer:  producer,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		newReader: cfg.NewReader,
		policy:    cfg.RetryPolicy.withDefaults(),
		readers:   make(map[MessageReader]struct{}),
	}
	if c.newReader == nil {
		c.newReader = c.openReader
	}
	return c
}

func (c *Consumer) openReader(opts SubscribeOptions) MessageReader {
	start := kafka.LastOffset
	if opts.FromBeginning {
		start = kafka.FirstOffset
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.brokers,
		Topic:          opts.Topic,
		GroupID:        opts.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        time.Second,
		CommitInterval: 0, // Manual commits
		StartOffset:    start,
	})
}

// Subscribe blocks until ctx is cancelled. Errors that require redelivery
// reset the reader after a backoff instead of returning.
func (c *Consumer) Subscribe(ctx context.Context, opts SubscribeOptions, handler MessageHandler) error {
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("invalid subscribe options: %w", err)
	}
	opts = opts.withDefaults()

	logger := c.logger.WithFields(logrus.Fields{
		"topic":    opts.Topic,
		"group_id": opts.GroupID,
		"mode":     opts.Mode,
	})
	logger.Info("Starting subscription")

	failures := 0
	for {
		reader := c.track(c.newReader(opts))

		var (
			committed int
			err       error
		)
		if opts.Mode == ModeEachMessage {
			committed, err = c.runEachMessage(ctx, reader, opts, handler)
		} else {
			committed, err = c.runEachBatch(ctx, reader, opts, handler)
		}

		c.untrack(reader)
		if cerr := reader.Close(); cerr != nil {
			logger.WithError(cerr).Warn("Failed to close reader")
		}

		if ctx.Err() != nil {
			logger.Info("Subscription stopped")
			return nil
		}

		if committed > 0 {
			failures = 0
		}
		backoff := calculateBackoff(c.policy, failures)
		failures++

		logger.WithError(err).WithField("backoff", backoff).Warn("Resetting reader for redelivery")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
	}
}

func (c *Consumer) runEachMessage(ctx context.Context, reader MessageReader, opts SubscribeOptions, handler MessageHandler) (int, error) {
	committed := 0
	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			return committed, fmt.Errorf("fetch message: %w", err)
		}
		c.metrics.IncReceived()

		msg := toInternalMessage(m)
		if err := c.invoke(ctx, handler, msg, opts); err != nil {
			c.metrics.IncFailed()
			if !IsPermanent(err) {
				return committed, err
			}
			if err := c.sendToDLQ(ctx, msg, getRetryCount(msg), err, opts); err != nil {
				return committed, err
			}
		} else {
			c.metrics.IncProcessed()
		}

		if err := reader.CommitMessages(ctx, m); err != nil {
			return committed, fmt.Errorf("commit offset %d: %w", m.Offset, err)
		}
		committed++
	}
}

func (c *Consumer) runEachBatch(ctx context.Context, reader MessageReader, opts SubscribeOptions, handler MessageHandler) (int, error) {
	committed := 0
	batch := make([]kafka.Message, 0, opts.BatchSize)
	for {
		var err error
		batch, err = c.fetchBatch(ctx, reader, opts, batch[:0])
		for _, m := range batch {
			if rerr := c.resolve(ctx, reader, m, opts, handler); rerr != nil {
				return committed, rerr
			}
			committed++
		}
		if err != nil {
			return committed, err
		}
	}
}

// fetchBatch blocks for the first message, then collects more until the batch
// is full or BatchTimeout elapses.
func (c *Consumer) fetchBatch(ctx context.Context, reader MessageReader, opts SubscribeOptions, batch []kafka.Message) ([]kafka.Message, error) {
	m, err := reader.FetchMessage(ctx)
	if err != nil {
		return batch, fmt.Errorf("fetch message: %w", err)
	}
	c.metrics.IncReceived()
	batch = append(batch, m)

	batchCtx, cancel := context.WithTimeout(ctx, opts.BatchTimeout)
	defer cancel()

	for len(batch) < opts.BatchSize {
		m, err := reader.FetchMessage(batchCtx)
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				return batch, nil
			}
			return batch, fmt.Errorf("fetch message: %w", err)
		}
		c.metrics.IncReceived()
		batch = append(batch, m)
	}
	return batch, nil
}

// resolve settles a single message of a batch. A non-nil return means the
// offset was not committed and the reader must be reset.
func (c *Consumer) resolve(ctx context.Context, reader MessageReader, m kafka.Message, opts SubscribeOptions, handler MessageHandler) error {
	msg := toInternalMessage(m)

	if err := c.invoke(ctx, handler, msg, opts); err != nil {
		c.metrics.IncFailed()

		retryCount := getRetryCount(msg)
		if IsPermanent(err) || retryCount >= opts.MaxRetries {
			if perr := c.sendToDLQ(ctx, msg, retryCount, err, opts); perr != nil {
				return perr
			}
		} else if perr := c.sendToRetry(ctx, msg, retryCount+1, err); perr != nil {
			return perr
		}
	} else {
		c.metrics.IncProcessed()
	}

	if err := reader.CommitMessages(ctx, m); err != nil {
		return fmt.Errorf("commit offset %d: %w", m.Offset, err)
	}
	return nil
}

// invoke runs the handler with a timeout and converts panics to retryable
// errors, so they get the same bounded retries as any other failure.
func (c *Consumer) invoke(ctx context.Context, handler MessageHandler, msg *models.Message, opts SubscribeOptions) (err error) {
	hctx, cancel := context.WithTimeout(ctx, opts.HandlerTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			c.logger.WithFields(logrus.Fields{
				"panic":  r,
				"key":    msg.Key,
				"offset": msg.Offset,
				"stack":  string(debug.Stack()),
			}).Error("Panic in handler")
			err = &RetryableError{Err: fmt.Errorf("handler panicked: %v", r)}
		}
	}()

	return handler(hctx, msg)
}

// sendToRetry republishes the message to its own topic with the same key so
// partition ordering for the key is kept relative to later messages.
func (c *Consumer) sendToRetry(ctx context.Context, msg *models.Message, retryCount int, failureErr error) error {
	headers := copyHeaders(msg.Headers)
	headers[models.HeaderRetryCount] = strconv.Itoa(retryCount)
	headers[models.HeaderFailureReason] = failureErr.Error()

	logger := c.logger.WithFields(logrus.Fields{
		"topic":       msg.Topic,
		"key":         msg.Key,
		"offset":      msg.Offset,
		"retry_count": retryCount,
	})

	if err := c.producer.Publish(ctx, msg.Topic, msg.Key, msg.Value, headers); err != nil {
		logger.WithError(err).Error("Failed to republish message for retry")
		return fmt.Errorf("republish for retry: %w", err)
	}

	c.metrics.IncRetried()
	logger.WithError(failureErr).Warn("Message republished for retry")
	return nil
}

// sendToDLQ forwards the original bytes, key and headers to <topic>-dlq with
// failure metadata.
func (c *Consumer) sendToDLQ(ctx context.Context, msg *models.Message, retryCount int, failureErr error, opts SubscribeOptions) error {
	dlqTopic := models.DLQTopic(msg.Topic)

	headers := copyHeaders(msg.Headers)
	headers[models.HeaderDLQOriginalTopic] = msg.Topic
	headers[models.HeaderDLQFailedAt] = time.Now().UTC().Format(time.RFC3339)
	headers[models.HeaderDLQRetryCount] = strconv.Itoa(retryCount)
	headers[models.HeaderDLQService] = opts.Service
	headers[models.HeaderDLQError] = failureErr.Error()

	logger := c.logger.WithFields(logrus.Fields{
		"topic":       dlqTopic,
		"key":         msg.Key,
		"offset":      msg.Offset,
		"retry_count": retryCount,
	})

	if err := c.producer.Publish(ctx, dlqTopic, msg.Key, msg.Value, headers); err != nil {
		logger.WithError(err).Error("Failed to send message to DLQ")
		return fmt.Errorf("send to dlq: %w", err)
	}

	c.metrics.IncSentToDLQ()
	logger.WithError(failureErr).Error("Message sent to DLQ")
	return nil
}

func (c *Consumer) track(r MessageReader) MessageReader {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readers[r] = struct{}{}
	return r
}

func (c *Consumer) untrack(r MessageReader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.readers, r)
}

// Close closes every open reader, unblocking running subscriptions.
func (c *Consumer) Close() error {
	c.logger.Info("Closing consumer")

	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for r := range c.readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(c.readers, r)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to close consumer: %w", err)
	}
	return nil
}

// toInternalMessage converts Kafka message to internal format
func toInternalMessage(kafkaMsg kafka.Message) *models.Message {
	headers := make(map[string]string, len(kafkaMsg.Headers))
	for _, h := range kafkaMsg.Headers {
		headers[h.Key] = string(h.Value)
	}

	return &models.Message{
		Topic:     kafkaMsg.Topic,
		Partition: kafkaMsg.Partition,
		Offset:    kafkaMsg.Offset,
		Key:       string(kafkaMsg.Key),
		Value:     kafkaMsg.Value,
		Headers:   headers,
		Timestamp: kafkaMsg.Time,
	}
}

// getRetryCount extracts retry count from message headers
func getRetryCount(msg *models.Message) int {
	count, err := strconv.Atoi(msg.Header(models.HeaderRetryCount))
	if err != nil {
		return 0
	}
	return count
}

func copyHeaders(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+5)
	for k, v := range in {
		out[k] = v
	}
	return out
}
