// Package outbox relays committed domain events to the durable log.
package outbox

import (
	"context"
	"time"

	"inbox-relay/internal/kafka"
	"inbox-relay/internal/observability"
	"inbox-relay/internal/store"
	"inbox-relay/pkg/models"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	TaskPublish = "outbox-publish"
	TaskCleanup = "outbox-cleanup"
)

// Store is the publisher's view of the outbox table.
type Store interface {
	ListPending(ctx context.Context, limit int) ([]store.OutboxRecord, error)
	MarkPublished(ctx context.Context, id string, at time.Time) error
	RecordFailure(ctx context.Context, id string, attempts int, reason string, terminal bool) error
	DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Leaser grants a cluster-wide lease so a single publisher is active.
type Leaser interface {
	Acquire(ctx context.Context, task, holder string, ttl time.Duration) (bool, error)
}

type Options struct {
	PollInterval    time.Duration
	BatchSize       int
	Retention       time.Duration
	CleanupInterval time.Duration

	// MaxAttempts bounds how often the broker may reject a row before it is
	// set aside as failed. Transport errors never count toward it.
	MaxAttempts int

	// Backoff spaces out cycles after a failed one.
	Backoff kafka.RetryPolicy

	// DefaultTopic is used for rows stored without a topic.
	DefaultTopic string

	Leaser   Leaser
	Holder   string
	LeaseTTL time.Duration

	Metrics observability.MetricsCollector
	Logger  *logrus.Entry
}

func (o *Options) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 25
	}
	if o.Backoff.InitialBackoff <= 0 {
		o.Backoff = kafka.RetryPolicy{
			InitialBackoff: time.Second,
			MaxBackoff:     time.Minute,
			BackoffFactor:  2,
			Jitter:         true,
		}
	}
	if o.Retention <= 0 {
		o.Retention = 7 * 24 * time.Hour
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = time.Hour
	}
	if o.DefaultTopic == "" {
		o.DefaultTopic = "user-events"
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 30 * time.Second
	}
	if o.Metrics == nil {
		o.Metrics = observability.NewInMemoryMetrics()
	}
	if o.Logger == nil {
		o.Logger = observability.Component("outbox-publisher")
	}
}

// Publisher polls pending outbox rows and marks each published only after the
// broker acknowledged it. A crash between ack and mark republishes the row on
// the next cycle; consumers deduplicate by message-id.
type Publisher struct {
	store    Store
	producer kafka.ProducerClient
	opts     Options
	logger   *logrus.Entry
	now      func() time.Time

	// failures counts consecutive failed cycles; Run skips polls until retryAt.
	failures int
	retryAt  time.Time
}

func NewPublisher(s Store, producer kafka.ProducerClient, opts Options) *Publisher {
	opts.setDefaults()
	return &Publisher{
		store:    s,
		producer: producer,
		opts:     opts,
		logger:   opts.Logger,
		now:      time.Now,
	}
}

// RunOnce publishes one batch, oldest first. It stops at the first failure so
// later rows for the same key are not sent ahead of it.
func (p *Publisher) RunOnce(ctx context.Context) (int, error) {
	rows, err := p.store.ListPending(ctx, p.opts.BatchSize)
	if err != nil {
		return 0, errors.Wrap(err, "list pending outbox")
	}
	if len(rows) == 0 {
		p.failures = 0
		return 0, nil
	}

	published := 0
	for i := range rows {
		row := &rows[i]
		logger := p.logger.WithFields(logrus.Fields{
			"outbox_id":  row.ID,
			"event_id":   row.EventID,
			"event_type": row.EventType,
		})

		topic := row.Topic
		if topic == "" {
			topic = p.opts.DefaultTopic
		}
		headers := map[string]string{
			models.HeaderMessageID: row.EventID,
			models.HeaderEventType: row.EventType,
		}

		if err := p.producer.Publish(ctx, topic, row.PartitionKey, row.Payload, headers); err != nil {
			if ctx.Err() != nil {
				return published, ctx.Err()
			}
			attempts := row.Attempts + 1
			// Only a broker rejection can fail a row; an outage keeps it pending.
			terminal := kafka.IsPermanent(err) && attempts >= p.opts.MaxAttempts
			if rerr := p.store.RecordFailure(ctx, row.ID, attempts, err.Error(), terminal); rerr != nil {
				logger.WithError(rerr).Error("Failed to record publish failure")
			}
			p.backoff()
			logger = logger.WithError(err).WithField("attempts", attempts)
			if terminal {
				logger.Error("Outbox event rejected by the broker, set aside as failed")
			} else {
				logger.Warn("Outbox publish failed, will retry")
			}
			return published, errors.Wrapf(err, "publish outbox %s", row.ID)
		}

		if err := p.store.MarkPublished(ctx, row.ID, p.now().UTC()); err != nil {
			// Already on the log; the row is sent again next cycle.
			p.backoff()
			logger.WithError(err).Error("Failed to mark outbox row published")
			return published, errors.Wrapf(err, "mark outbox %s published", row.ID)
		}
		published++
		logger.WithField("topic", topic).Debug("Outbox event published")
	}

	p.failures = 0
	if published > 0 {
		p.logger.WithField("published", published).Info("Outbox cycle completed")
	}
	return published, nil
}

func (p *Publisher) backoff() {
	p.retryAt = p.now().Add(p.opts.Backoff.Backoff(p.failures))
	p.failures++
}

// due reports whether the backoff after the last failed cycle has elapsed.
func (p *Publisher) due() bool {
	return !p.now().Before(p.retryAt)
}

// Cleanup deletes published rows older than Retention.
func (p *Publisher) Cleanup(ctx context.Context) (int64, error) {
	cutoff := p.now().Add(-p.opts.Retention)
	n, err := p.store.DeletePublishedBefore(ctx, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "delete published outbox")
	}
	p.opts.Metrics.AddRecovered(TaskCleanup, int(n))
	if n > 0 {
		p.logger.WithField("deleted", n).Info("Deleted published outbox rows")
	}
	return n, nil
}

func (p *Publisher) leased(ctx context.Context, task string) bool {
	if p.opts.Leaser == nil {
		return true
	}
	ok, err := p.opts.Leaser.Acquire(ctx, task, p.opts.Holder, p.opts.LeaseTTL)
	if err != nil {
		p.logger.WithError(err).WithField("task", task).Warn("Lease acquire failed")
		return false
	}
	return ok
}

// Run polls until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	poll := time.NewTicker(p.opts.PollInterval)
	defer poll.Stop()
	cleanup := time.NewTicker(p.opts.CleanupInterval)
	defer cleanup.Stop()

	p.logger.WithFields(logrus.Fields{
		"poll_interval": p.opts.PollInterval.String(),
		"batch_size":    p.opts.BatchSize,
		"max_attempts":  p.opts.MaxAttempts,
	}).Info("Outbox publisher started")

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Outbox publisher stopped")
			return nil
		case <-poll.C:
			if !p.due() || !p.leased(ctx, TaskPublish) {
				continue
			}
			if _, err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
				p.logger.WithError(err).Warn("Outbox cycle failed")
			}
		case <-cleanup.C:
			if !p.leased(ctx, TaskCleanup) {
				continue
			}
			if _, err := p.Cleanup(ctx); err != nil && ctx.Err() == nil {
				p.logger.WithError(err).Warn("Outbox cleanup failed")
			}
		}
	}
}
