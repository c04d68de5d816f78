package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Handler executes one job. A returned error counts as a failed attempt.
type Handler func(ctx context.Context, job *Job) error

type PoolConfig struct {
	Concurrency      int
	PollTimeout      time.Duration
	MaintenanceEvery time.Duration
	LockDuration     time.Duration
	Logger           *logrus.Entry
}

// Pool runs a fixed number of workers against a Queue. Handlers are not
// cancelled when the pool stops; Run waits for in-flight jobs to finish.
type Pool struct {
	queue   Queue
	handler Handler
	cfg     PoolConfig
	logger  *logrus.Entry
}

func NewPool(q Queue, handler Handler, cfg PoolConfig) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	if cfg.MaintenanceEvery <= 0 {
		cfg.MaintenanceEvery = time.Second
	}
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = 2 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Pool{queue: q, handler: handler, cfg: cfg, logger: logger}
}

// Run blocks until ctx is cancelled and all workers have drained.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.WithField("concurrency", p.cfg.Concurrency).Info("Starting worker pool")

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.worker(ctx, id)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.maintain(ctx)
	}()

	wg.Wait()
	p.logger.Info("Worker pool stopped")
	return nil
}

func (p *Pool) worker(ctx context.Context, id int) {
	logger := p.logger.WithField("worker_id", id)
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.queue.Reserve(ctx, p.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WithError(err).Error("Failed to reserve job")
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.PollTimeout):
			}
			continue
		}
		if job == nil {
			continue
		}

		p.process(context.WithoutCancel(ctx), job, logger)
	}
}

func (p *Pool) process(ctx context.Context, job *Job, logger *logrus.Entry) {
	logger = logger.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"job_name": job.Name,
		"attempt":  job.Attempts + 1,
	})

	stop := p.heartbeat(ctx, job)
	err := p.invoke(ctx, job)
	stop()

	if err == nil {
		if cerr := p.queue.Complete(ctx, job); cerr != nil {
			logger.WithError(cerr).Error("Failed to complete job")
		}
		return
	}

	retry, ferr := p.queue.Fail(ctx, job, err)
	if ferr != nil {
		logger.WithError(ferr).Error("Failed to record job failure")
		return
	}
	if retry {
		logger.WithError(err).Warn("Job failed, retry scheduled")
	} else {
		logger.WithError(err).Error("Job failed permanently")
	}
}

func (p *Pool) invoke(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithFields(logrus.Fields{
				"job_id": job.ID,
				"panic":  r,
				"stack":  string(debug.Stack()),
			}).Error("Panic in job handler")
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return p.handler(ctx, job)
}

// heartbeat refreshes the job lock so long handlers are not treated as
// stalled.
func (p *Pool) heartbeat(ctx context.Context, job *Job) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.cfg.LockDuration / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := p.queue.Touch(ctx, job); err != nil {
					p.logger.WithError(err).WithField("job_id", job.ID).Warn("Failed to refresh job lock")
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (p *Pool) maintain(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.MaintenanceEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := p.queue.PromoteDelayed(ctx, now); err != nil && ctx.Err() == nil {
				p.logger.WithError(err).Warn("Failed to promote delayed jobs")
			}
			if _, err := p.queue.RecoverStalled(ctx, now, p.cfg.LockDuration); err != nil && ctx.Err() == nil {
				p.logger.WithError(err).Warn("Failed to recover stalled jobs")
			}
		}
	}
}
