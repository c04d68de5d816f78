package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryQueue is a process-local Queue for development and tests. It keeps
// the same dedup and retry semantics as RedisQueue.
type MemoryQueue struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	wait    []string
	active  map[string]struct{}
	delayed map[string]time.Time
	failed  []string
	signal  chan struct{}
	now     func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		jobs:    make(map[string]*Job),
		active:  make(map[string]struct{}),
		delayed: make(map[string]time.Time),
		signal:  make(chan struct{}),
		now:     time.Now,
	}
}

// notify wakes every blocked Reserve. Callers hold mu.
func (q *MemoryQueue) notify() {
	close(q.signal)
	q.signal = make(chan struct{})
}

func (q *MemoryQueue) Add(_ context.Context, name string, data JobData, opts JobOptions) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	job, err := newJob(name, data, opts, now)
	if err != nil {
		return nil, err
	}
	if _, ok := q.jobs[job.ID]; ok {
		return nil, ErrJobExists
	}

	q.jobs[job.ID] = job
	if opts.Delay > 0 {
		q.delayed[job.ID] = now.Add(opts.Delay)
	} else {
		q.wait = append(q.wait, job.ID)
		q.notify()
	}

	cp := *job
	return &cp, nil
}

func (q *MemoryQueue) Reserve(ctx context.Context, timeout time.Duration) (*Job, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if len(q.wait) > 0 {
			id := q.wait[0]
			q.wait = q.wait[1:]
			job := q.jobs[id]
			job.StartedAt = q.now()
			q.active[id] = struct{}{}
			cp := *job
			q.mu.Unlock()
			return &cp, nil
		}
		signal := q.signal
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-signal:
		}
	}
}

func (q *MemoryQueue) Touch(_ context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j, ok := q.jobs[job.ID]; ok {
		j.StartedAt = q.now()
	}
	return nil
}

func (q *MemoryQueue) Complete(_ context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.active, job.ID)
	if job.RemoveOnComplete {
		delete(q.jobs, job.ID)
	}
	return nil
}

func (q *MemoryQueue) Fail(_ context.Context, job *Job, cause error) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job.Attempts++
	job.FailedReason = cause.Error()
	retry := job.Attempts < job.MaxAttempts

	delete(q.active, job.ID)
	if j, ok := q.jobs[job.ID]; ok {
		j.Attempts = job.Attempts
		j.FailedReason = job.FailedReason
	}

	switch {
	case retry:
		q.delayed[job.ID] = q.now().Add(retryDelay(job.Backoff, job.Attempts))
	case job.RemoveOnFail:
		delete(q.jobs, job.ID)
	default:
		q.failed = append(q.failed, job.ID)
	}
	return retry, nil
}

func (q *MemoryQueue) PromoteDelayed(_ context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	due := make([]string, 0)
	for id, at := range q.delayed {
		if !at.After(now) {
			due = append(due, id)
		}
	}
	sort.Slice(due, func(i, j int) bool { return q.delayed[due[i]].Before(q.delayed[due[j]]) })

	for _, id := range due {
		delete(q.delayed, id)
		q.wait = append(q.wait, id)
	}
	if len(due) > 0 {
		q.notify()
	}
	return len(due), nil
}

func (q *MemoryQueue) RecoverStalled(_ context.Context, now time.Time, lock time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	recovered := 0
	for id := range q.active {
		job := q.jobs[id]
		if job == nil || now.Sub(job.StartedAt) < lock {
			continue
		}
		delete(q.active, id)
		q.wait = append([]string{id}, q.wait...)
		recovered++
	}
	if recovered > 0 {
		q.notify()
	}
	return recovered, nil
}

func (q *MemoryQueue) Failed(_ context.Context) ([]*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	jobs := make([]*Job, 0, len(q.failed))
	for _, id := range q.failed {
		if job, ok := q.jobs[id]; ok {
			cp := *job
			jobs = append(jobs, &cp)
		}
	}
	return jobs, nil
}

func (q *MemoryQueue) Ping(context.Context) error {
	return nil
}

func (q *MemoryQueue) Close() error {
	return nil
}
