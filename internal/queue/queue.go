package queue

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrJobExists is returned by Add while a job with the same id is waiting,
// active, delayed, failed or kept after completion.
var ErrJobExists = errors.New("queue: job already exists")

const (
	defaultAttempts = 3
	defaultBackoff  = 2 * time.Second
)

// JobData is the payload carried by a job.
type JobData struct {
	MessageID string `json:"messageId"`
}

// JobOptions mirror the submission contract. JobID is the dedup key.
type JobOptions struct {
	JobID            string
	RemoveOnComplete bool
	RemoveOnFail     bool
	Attempts         int
	Backoff          time.Duration
	Delay            time.Duration
}

type Job struct {
	ID               string
	Name             string
	Data             JobData
	Attempts         int
	MaxAttempts      int
	Backoff          time.Duration
	RemoveOnComplete bool
	RemoveOnFail     bool
	FailedReason     string
	CreatedAt        time.Time
	StartedAt        time.Time
}

// Queue is a key-deduplicated job queue. Jobs move wait -> active ->
// completed, or back to wait via delayed retries until attempts run out.
type Queue interface {
	Add(ctx context.Context, name string, data JobData, opts JobOptions) (*Job, error)
	// Reserve moves the next waiting job to active. It returns nil, nil when
	// nothing arrives within timeout.
	Reserve(ctx context.Context, timeout time.Duration) (*Job, error)
	// Touch refreshes the active lock of a running job.
	Touch(ctx context.Context, job *Job) error
	Complete(ctx context.Context, job *Job) error
	// Fail records a failed attempt and reports whether a retry was scheduled.
	Fail(ctx context.Context, job *Job, cause error) (bool, error)
	// PromoteDelayed moves retries due at now back to wait.
	PromoteDelayed(ctx context.Context, now time.Time) (int, error)
	// RecoverStalled returns active jobs whose lock is older than lock to wait.
	RecoverStalled(ctx context.Context, now time.Time, lock time.Duration) (int, error)
	// Failed lists jobs that exhausted their attempts.
	Failed(ctx context.Context) ([]*Job, error)
	Ping(ctx context.Context) error
	Close() error
}

func newJob(name string, data JobData, opts JobOptions, now time.Time) (*Job, error) {
	if opts.JobID == "" {
		return nil, errors.New("queue: job id is required")
	}
	if opts.Attempts <= 0 {
		opts.Attempts = defaultAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	return &Job{
		ID:               opts.JobID,
		Name:             name,
		Data:             data,
		MaxAttempts:      opts.Attempts,
		Backoff:          opts.Backoff,
		RemoveOnComplete: opts.RemoveOnComplete,
		RemoveOnFail:     opts.RemoveOnFail,
		CreatedAt:        now,
	}, nil
}

// retryDelay doubles the base delay per attempt already made.
func retryDelay(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 16 {
		attempts = 16
	}
	return base * time.Duration(1<<(attempts-1))
}
