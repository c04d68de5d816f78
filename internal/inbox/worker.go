package inbox

import (
	"context"
	"encoding/json"
	"time"

	"inbox-relay/internal/observability"
	"inbox-relay/internal/queue"
	"inbox-relay/internal/store"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type WorkerConfig struct {
	MaxRetries int
	Metrics    observability.MetricsCollector
	Logger     *logrus.Entry
}

// Worker executes the business command for one claimed inbox row.
type Worker struct {
	repo       Repository
	dispatcher Dispatcher
	maxRetries int
	metrics    observability.MetricsCollector
	logger     *logrus.Entry
	now        func() time.Time
}

func NewWorker(repo Repository, dispatcher Dispatcher, cfg WorkerConfig) *Worker {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewInMemoryMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.Component("inbox-worker")
	}
	return &Worker{
		repo:       repo,
		dispatcher: dispatcher,
		maxRetries: cfg.MaxRetries,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		now:        time.Now,
	}
}

// Handle is a queue.Handler. It returns an error only when the queue should
// retry the job.
func (w *Worker) Handle(ctx context.Context, job *queue.Job) error {
	return w.Process(ctx, job.Data.MessageID)
}

func (w *Worker) Process(ctx context.Context, messageID string) error {
	logger := w.logger.WithField("message_id", messageID)

	rec, err := w.repo.Claim(ctx, messageID, w.maxRetries)
	if errors.Is(err, store.ErrNotFound) {
		logger.Debug("Nothing to claim, skipping")
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "claim inbox record")
	}

	state, err := StateOf(rec)
	if err != nil {
		return err
	}
	if state.Status != StatusProcessing {
		return errors.Wrapf(ErrIllegalTransition, "claimed row is %s", state.Status)
	}

	logger = logger.WithFields(logrus.Fields{
		"event_type":  rec.EventType,
		"retry_count": rec.RetryCount,
	})

	start := w.now()
	cmdErr := w.dispatcher.Dispatch(ctx, rec.EventType, json.RawMessage(rec.Payload))
	elapsed := w.now().Sub(start)

	if cmdErr == nil {
		if _, err := state.Succeed(); err != nil {
			return err
		}
		if err := w.repo.MarkProcessed(ctx, messageID, w.now().UTC()); err != nil {
			// Row stays processing; the stuck sweep picks it up.
			logger.WithError(err).Error("Failed to mark processed")
			return errors.Wrap(err, "mark processed")
		}
		w.metrics.IncProcessed()
		w.metrics.ObserveJob(rec.EventType, "processed", elapsed)
		logger.Info("Message processed")
		return nil
	}

	next, terminal, err := state.Fail(cmdErr.Error(), w.maxRetries)
	if err != nil {
		return err
	}
	if err := w.repo.MarkFailed(ctx, messageID, next.RetryCount, next.Reason); err != nil {
		logger.WithError(err).Error("Failed to record failure")
		return errors.Wrap(err, "mark failed")
	}

	logger = logger.WithError(cmdErr).WithField("retry_count", next.RetryCount)
	if terminal {
		w.metrics.IncFailed()
		w.metrics.ObserveJob(rec.EventType, "failed", elapsed)
		logger.Error("Message failed permanently")
		return nil
	}

	w.metrics.IncRetried()
	w.metrics.ObserveJob(rec.EventType, "retry", elapsed)
	logger.Warn("Message failed, will retry")
	return cmdErr
}
