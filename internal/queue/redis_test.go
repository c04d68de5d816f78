package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisQueue(rdb, "inbox", nil), mr
}

func inboxJob(id string) (JobData, JobOptions) {
	return JobData{MessageID: id}, JobOptions{
		JobID:            id,
		RemoveOnComplete: true,
		RemoveOnFail:     false,
	}
}

func TestRedisQueue_AddRejectsDuplicate(t *testing.T) {
	q, _ := newTestRedisQueue(t)
	ctx := context.Background()

	data, opts := inboxJob("m1")
	job, err := q.Add(ctx, "process-inbox", data, opts)
	require.NoError(t, err)
	assert.Equal(t, "m1", job.ID)
	assert.Equal(t, defaultAttempts, job.MaxAttempts)

	_, err = q.Add(ctx, "process-inbox", data, opts)
	assert.ErrorIs(t, err, ErrJobExists)
}

func TestRedisQueue_AddRequiresJobID(t *testing.T) {
	q, _ := newTestRedisQueue(t)

	_, err := q.Add(context.Background(), "process-inbox", JobData{MessageID: "m1"}, JobOptions{})
	assert.Error(t, err)
}

func TestRedisQueue_CompleteRemovesJob(t *testing.T) {
	q, mr := newTestRedisQueue(t)
	ctx := context.Background()

	data, opts := inboxJob("m1")
	_, err := q.Add(ctx, "process-inbox", data, opts)
	require.NoError(t, err)

	job, err := q.Reserve(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "m1", job.Data.MessageID)
	assert.True(t, job.RemoveOnComplete)

	_, err = q.Add(ctx, "process-inbox", data, opts)
	assert.ErrorIs(t, err, ErrJobExists, "active job")

	require.NoError(t, q.Complete(ctx, job))
	assert.False(t, mr.Exists(q.jobKey("m1")), "job hash removed on complete")

	_, err = q.Add(ctx, "process-inbox", data, opts)
	assert.NoError(t, err, "removed job id can be submitted again")
}

func TestRedisQueue_KeptCompletedJobStaysDeduplicated(t *testing.T) {
	q, mr := newTestRedisQueue(t)
	ctx := context.Background()

	data, opts := inboxJob("m1")
	opts.RemoveOnComplete = false
	_, err := q.Add(ctx, "process-inbox", data, opts)
	require.NoError(t, err)

	job, err := q.Reserve(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, job))
	assert.True(t, mr.Exists(q.jobKey("m1")))

	_, err = q.Add(ctx, "process-inbox", data, opts)
	assert.ErrorIs(t, err, ErrJobExists)
}

func TestRedisQueue_FailRetriesThenKeepsFailedJob(t *testing.T) {
	q, _ := newTestRedisQueue(t)
	ctx := context.Background()

	data, opts := inboxJob("m1")
	opts.Attempts = 2
	opts.Backoff = 10 * time.Millisecond
	_, err := q.Add(ctx, "process-inbox", data, opts)
	require.NoError(t, err)

	job, err := q.Reserve(ctx, time.Second)
	require.NoError(t, err)
	retry, err := q.Fail(ctx, job, errors.New("first"))
	require.NoError(t, err)
	assert.True(t, retry)

	n, err := q.PromoteDelayed(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "retry not due yet")

	n, err = q.PromoteDelayed(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err = q.Reserve(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 1, job.Attempts)

	retry, err = q.Fail(ctx, job, errors.New("second"))
	require.NoError(t, err)
	assert.False(t, retry)

	failed, err := q.Failed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "m1", failed[0].ID)
	assert.Equal(t, "second", failed[0].FailedReason)
	assert.Equal(t, 2, failed[0].Attempts)

	_, err = q.Add(ctx, "process-inbox", data, opts)
	assert.ErrorIs(t, err, ErrJobExists, "failed jobs are retained")
}

func TestRedisQueue_DelayedAdd(t *testing.T) {
	q, _ := newTestRedisQueue(t)
	ctx := context.Background()

	data, opts := inboxJob("m1")
	opts.Delay = time.Hour
	_, err := q.Add(ctx, "process-inbox", data, opts)
	require.NoError(t, err)

	n, err := q.PromoteDelayed(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = q.PromoteDelayed(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRedisQueue_RecoverStalled(t *testing.T) {
	q, _ := newTestRedisQueue(t)
	ctx := context.Background()

	data, opts := inboxJob("m1")
	_, err := q.Add(ctx, "process-inbox", data, opts)
	require.NoError(t, err)

	_, err = q.Reserve(ctx, time.Second)
	require.NoError(t, err)

	n, err := q.RecoverStalled(ctx, time.Now(), 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "lock still fresh")

	n, err = q.RecoverStalled(ctx, time.Now().Add(3*time.Minute), 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := q.Reserve(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "m1", job.ID)
}

func TestRedisQueue_RetriedJobNotRecoveredWhileReserving(t *testing.T) {
	q, _ := newTestRedisQueue(t)
	ctx := context.Background()

	data, opts := inboxJob("m1")
	opts.Backoff = time.Millisecond
	_, err := q.Add(ctx, "process-inbox", data, opts)
	require.NoError(t, err)

	job, err := q.Reserve(ctx, time.Second)
	require.NoError(t, err)
	_, err = q.Fail(ctx, job, errors.New("first"))
	require.NoError(t, err)

	has, err := q.rdb.HExists(ctx, q.jobKey("m1"), "started_at").Result()
	require.NoError(t, err)
	assert.False(t, has, "lock cleared on failure")

	_, err = q.PromoteDelayed(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)

	// Second reservation caught between the list move and the stamp.
	_, err = q.rdb.RPopLPush(ctx, q.key("wait"), q.key("active")).Result()
	require.NoError(t, err)

	later := time.Now().Add(10 * time.Minute)
	n, err := q.RecoverStalled(ctx, later, 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "fresh reservation is not stalled")

	active, err := q.rdb.LRange(ctx, q.key("active"), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, active)

	n, err = q.RecoverStalled(ctx, later.Add(3*time.Minute), 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "reserver never stamped the job")
}

func TestRedisQueue_RecoveredJobClearsLock(t *testing.T) {
	q, _ := newTestRedisQueue(t)
	ctx := context.Background()

	data, opts := inboxJob("m1")
	_, err := q.Add(ctx, "process-inbox", data, opts)
	require.NoError(t, err)
	_, err = q.Reserve(ctx, time.Second)
	require.NoError(t, err)

	n, err := q.RecoverStalled(ctx, time.Now().Add(3*time.Minute), 2*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	has, err := q.rdb.HExists(ctx, q.jobKey("m1"), "started_at").Result()
	require.NoError(t, err)
	assert.False(t, has)

	job, err := q.Reserve(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)

	n, err = q.RecoverStalled(ctx, job.StartedAt.Add(time.Minute), 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "re-reserved job carries a fresh lock")
}
