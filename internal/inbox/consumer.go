package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"inbox-relay/internal/kafka"
	"inbox-relay/internal/observability"
	"inbox-relay/internal/store"
	"inbox-relay/pkg/models"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

type ConsumerConfig struct {
	Jobs    JobPolicy
	Metrics observability.MetricsCollector
	Logger  *logrus.Entry
}

// Consumer records each delivery as a pending inbox row and submits a
// processing job for it. Redeliveries of a known message id are acknowledged
// without side effects.
type Consumer struct {
	repo    Repository
	queue   Enqueuer
	jobs    JobPolicy
	metrics observability.MetricsCollector
	logger  *logrus.Entry
	now     func() time.Time
}

func NewConsumer(repo Repository, q Enqueuer, cfg ConsumerConfig) *Consumer {
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewInMemoryMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.Component("inbox-consumer")
	}
	return &Consumer{
		repo:    repo,
		queue:   q,
		jobs:    cfg.Jobs,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		now:     time.Now,
	}
}

// Handle is a kafka.MessageHandler. A nil return means the message is durably
// received and the offset may be committed.
func (c *Consumer) Handle(ctx context.Context, msg *models.Message) error {
	env, err := decodeEnvelope(msg.Value)
	if err != nil {
		return kafka.Permanent(err)
	}

	logger := c.logger.WithFields(logrus.Fields{
		"message_id": env.EventID,
		"event_type": env.EventType,
		"topic":      msg.Topic,
		"partition":  msg.Partition,
		"offset":     msg.Offset,
	})

	_, err = c.repo.FindByMessageID(ctx, env.EventID)
	switch {
	case err == nil:
		c.metrics.IncDuplicate()
		logger.Info("Duplicate message, already received")
		return nil
	case !errors.Is(err, store.ErrNotFound):
		return errors.Wrap(err, "lookup inbox record")
	}

	rec := &store.InboxRecord{
		MessageID:  env.EventID,
		EventType:  env.EventType,
		Payload:    datatypes.JSON(env.Payload),
		Status:     store.InboxPending,
		RetryCount: 0,
		CreatedAt:  c.now().UTC(),
	}
	if err := c.repo.Insert(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Lost the race against a concurrent delivery.
			c.metrics.IncDuplicate()
			logger.Info("Duplicate message on insert")
			return nil
		}
		return errors.Wrap(err, "insert inbox record")
	}

	added, err := enqueue(ctx, c.queue, env.EventID, c.jobs)
	if err != nil {
		logger.WithError(err).Warn("Failed to enqueue job, pending sweep will retry")
		return nil
	}
	if added {
		c.metrics.IncEnqueued()
	}

	logger.Debug("Message received")
	return nil
}

func decodeEnvelope(value []byte) (*models.Envelope, error) {
	var env models.Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.EventID == "" {
		return nil, errors.New("envelope has no eventId")
	}
	if env.EventType == "" {
		return nil, errors.New("envelope has no eventType")
	}
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		env.Payload = json.RawMessage(`{}`)
	}
	return &env, nil
}
