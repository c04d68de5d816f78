// Package inbox turns at-least-once deliveries from the command log into
// exactly one business-level application per message id.
package inbox

import (
	"context"
	"encoding/json"
	"time"

	"inbox-relay/internal/queue"
	"inbox-relay/internal/store"

	"github.com/pkg/errors"
)

// JobName is the queue job name for inbox processing.
const JobName = "process-inbox-message"

// Repository is the receipt store. Mutations are conditional on the expected
// status and return store.ErrNotFound when that no longer holds.
type Repository interface {
	FindByMessageID(ctx context.Context, messageID string) (*store.InboxRecord, error)
	Insert(ctx context.Context, rec *store.InboxRecord) error
	Claim(ctx context.Context, messageID string, maxRetries int) (*store.InboxRecord, error)
	MarkProcessed(ctx context.Context, messageID string, at time.Time) error
	MarkFailed(ctx context.Context, messageID string, retryCount int, reason string) error
	Requeue(ctx context.Context, messageID string, fromRetryCount int) error
	Expire(ctx context.Context, messageID string, fromRetryCount int, reason string) error
	ListPending(ctx context.Context, limit int) ([]store.InboxRecord, error)
	ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]store.InboxRecord, error)
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Enqueuer submits processing jobs.
type Enqueuer interface {
	Add(ctx context.Context, name string, data queue.JobData, opts queue.JobOptions) (*queue.Job, error)
}

// Dispatcher executes the business command mapped to eventType.
type Dispatcher interface {
	Dispatch(ctx context.Context, eventType string, payload json.RawMessage) error
}

// JobPolicy carries the queue retry settings used on every submission.
type JobPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// enqueue submits the job for messageID. An existing job counts as success.
// The job always gets at least DefaultMaxRetries attempts so the queue never
// gives up on a row the worker would still retry.
func enqueue(ctx context.Context, q Enqueuer, messageID string, policy JobPolicy) (bool, error) {
	attempts := policy.Attempts
	if attempts < DefaultMaxRetries {
		attempts = DefaultMaxRetries
	}
	_, err := q.Add(ctx, JobName, queue.JobData{MessageID: messageID}, queue.JobOptions{
		JobID:            messageID,
		RemoveOnComplete: true,
		RemoveOnFail:     false,
		Attempts:         attempts,
		Backoff:          policy.Backoff,
	})
	if errors.Is(err, queue.ErrJobExists) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
