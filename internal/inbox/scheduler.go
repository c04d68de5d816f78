package inbox

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"inbox-relay/internal/observability"
	"inbox-relay/internal/store"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Scheduler task names, also used as lease keys.
const (
	TaskPendingSweep = "inbox-pending-sweep"
	TaskStuckSweep   = "inbox-stuck-sweep"
	TaskCleanup      = "inbox-cleanup"
)

// Leaser grants a cluster-wide lease for a task. Acquire renews a lease the
// holder already owns.
type Leaser interface {
	Acquire(ctx context.Context, task, holder string, ttl time.Duration) (bool, error)
}

type SchedulerConfig struct {
	PendingInterval time.Duration
	StuckInterval   time.Duration
	CleanupInterval time.Duration
	BatchSize       int
	StuckTimeout    time.Duration
	Retention       time.Duration
	MaxRetries      int
	Jobs            JobPolicy

	// Leaser is optional. Without it only the in-process guard applies.
	Leaser   Leaser
	Holder   string
	LeaseTTL time.Duration

	Metrics observability.MetricsCollector
	Logger  *logrus.Entry
}

func (c *SchedulerConfig) setDefaults() {
	if c.PendingInterval <= 0 {
		c.PendingInterval = 10 * time.Second
	}
	if c.StuckInterval <= 0 {
		c.StuckInterval = time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.StuckTimeout <= 0 {
		c.StuckTimeout = 5 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 2 * time.Minute
	}
	if c.Metrics == nil {
		c.Metrics = observability.NewInMemoryMetrics()
	}
	if c.Logger == nil {
		c.Logger = observability.Component("inbox-scheduler")
	}
}

// Scheduler runs the inbox recovery sweeps. A tick that finds the previous
// run of the same task still active is skipped.
type Scheduler struct {
	repo   Repository
	queue  Enqueuer
	cfg    SchedulerConfig
	logger *logrus.Entry
	now    func() time.Time

	running map[string]*atomic.Bool
}

func NewScheduler(repo Repository, q Enqueuer, cfg SchedulerConfig) *Scheduler {
	cfg.setDefaults()
	return &Scheduler{
		repo:   repo,
		queue:  q,
		cfg:    cfg,
		logger: cfg.Logger,
		now:    time.Now,
		running: map[string]*atomic.Bool{
			TaskPendingSweep: {},
			TaskStuckSweep:   {},
			TaskCleanup:      {},
		},
	}
}

// Run starts all sweeps and blocks until ctx is cancelled and in-flight
// sweeps have returned.
func (s *Scheduler) Run(ctx context.Context) error {
	tasks := []struct {
		name     string
		interval time.Duration
		fn       func(context.Context) error
	}{
		{TaskPendingSweep, s.cfg.PendingInterval, func(ctx context.Context) error {
			_, err := s.SweepPending(ctx)
			return err
		}},
		{TaskStuckSweep, s.cfg.StuckInterval, func(ctx context.Context) error {
			_, err := s.SweepStuck(ctx)
			return err
		}},
		{TaskCleanup, s.cfg.CleanupInterval, func(ctx context.Context) error {
			_, err := s.Cleanup(ctx)
			return err
		}},
	}

	s.logger.WithFields(logrus.Fields{
		"pending_interval": s.cfg.PendingInterval.String(),
		"stuck_interval":   s.cfg.StuckInterval.String(),
		"cleanup_interval": s.cfg.CleanupInterval.String(),
		"lease":            s.cfg.Leaser != nil,
	}).Info("Inbox scheduler started")

	var inflight sync.WaitGroup
	var loops sync.WaitGroup
	for _, task := range tasks {
		loops.Add(1)
		go func() {
			defer loops.Done()
			ticker := time.NewTicker(task.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					inflight.Add(1)
					go func() {
						defer inflight.Done()
						s.RunTask(ctx, task.name, task.fn)
					}()
				}
			}
		}()
	}

	loops.Wait()
	inflight.Wait()
	s.logger.Info("Inbox scheduler stopped")
	return nil
}

// RunTask runs fn unless another run of the task is active in this process
// or another holder owns the task's lease. It reports whether fn ran.
func (s *Scheduler) RunTask(ctx context.Context, task string, fn func(context.Context) error) bool {
	guard, ok := s.running[task]
	if !ok {
		guard = &atomic.Bool{}
	}
	logger := s.logger.WithField("task", task)

	if !guard.CompareAndSwap(false, true) {
		logger.Debug("Previous run still active, skipping")
		return false
	}
	defer guard.Store(false)

	if s.cfg.Leaser != nil {
		held, err := s.cfg.Leaser.Acquire(ctx, task, s.cfg.Holder, s.cfg.LeaseTTL)
		if err != nil {
			logger.WithError(err).Warn("Lease acquire failed, skipping")
			return false
		}
		if !held {
			logger.Debug("Lease held elsewhere, skipping")
			return false
		}
	}

	if err := fn(ctx); err != nil && ctx.Err() == nil {
		logger.WithError(err).Error("Sweep failed")
	}
	return true
}

// SweepPending re-submits jobs for pending rows, oldest first. Rows whose job
// already exists are skipped.
func (s *Scheduler) SweepPending(ctx context.Context) (int, error) {
	rows, err := s.repo.ListPending(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, errors.Wrap(err, "list pending")
	}

	enqueued := 0
	for _, rec := range rows {
		added, err := enqueue(ctx, s.queue, rec.MessageID, s.cfg.Jobs)
		if err != nil {
			s.logger.WithError(err).WithField("message_id", rec.MessageID).Warn("Failed to enqueue pending row")
			continue
		}
		if added {
			enqueued++
			s.cfg.Metrics.IncEnqueued()
		}
	}

	s.cfg.Metrics.AddRecovered(TaskPendingSweep, enqueued)
	if enqueued > 0 {
		s.logger.WithFields(logrus.Fields{
			"task":     TaskPendingSweep,
			"scanned":  len(rows),
			"enqueued": enqueued,
		}).Info("Re-enqueued pending rows")
	}
	return enqueued, nil
}

// StuckResult counts what a stuck sweep did.
type StuckResult struct {
	Requeued int
	Expired  int
}

// SweepStuck resets processing rows older than StuckTimeout. Each reset counts
// as an attempt; a row reaching the ceiling fails terminally.
func (s *Scheduler) SweepStuck(ctx context.Context) (StuckResult, error) {
	var res StuckResult
	cutoff := s.now().Add(-s.cfg.StuckTimeout)

	rows, err := s.repo.ListStuck(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return res, errors.Wrap(err, "list stuck")
	}

	for i := range rows {
		rec := &rows[i]
		logger := s.logger.WithFields(logrus.Fields{
			"task":        TaskStuckSweep,
			"message_id":  rec.MessageID,
			"retry_count": rec.RetryCount,
		})

		state, err := StateOf(rec)
		if err != nil {
			logger.WithError(err).Warn("Skipping row with unknown status")
			continue
		}
		next, terminal, err := state.Recover(s.cfg.MaxRetries)
		if err != nil {
			logger.WithError(err).Warn("Skipping row")
			continue
		}

		if terminal {
			err = s.repo.Expire(ctx, rec.MessageID, rec.RetryCount, next.Reason)
		} else {
			err = s.repo.Requeue(ctx, rec.MessageID, rec.RetryCount)
		}
		switch {
		case errors.Is(err, store.ErrNotFound):
			// Finished or reset by someone else since the scan.
			continue
		case err != nil:
			logger.WithError(err).Error("Failed to recover stuck row")
			continue
		case terminal:
			res.Expired++
			s.cfg.Metrics.IncFailed()
			logger.Warn("Stuck row failed permanently")
		default:
			res.Requeued++
			logger.Info("Stuck row reset to pending")
		}
	}

	s.cfg.Metrics.AddRecovered(TaskStuckSweep, res.Requeued+res.Expired)
	return res, nil
}

// Cleanup deletes processed rows older than the retention window.
func (s *Scheduler) Cleanup(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.cfg.Retention)
	n, err := s.repo.DeleteProcessedBefore(ctx, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "delete processed")
	}
	s.cfg.Metrics.AddRecovered(TaskCleanup, int(n))
	if n > 0 {
		s.logger.WithFields(logrus.Fields{
			"task":    TaskCleanup,
			"deleted": n,
			"cutoff":  cutoff.Format(time.RFC3339),
		}).Info("Deleted processed rows")
	}
	return n, nil
}
