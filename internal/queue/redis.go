package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisQueue stores each job as a hash and moves ids between a wait list,
// an active list, a delayed zset and a failed zset.
type RedisQueue struct {
	rdb    redis.UniversalClient
	name   string
	logger *logrus.Entry
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient opens a client and verifies the connection.
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "redis connect failed")
	}
	return rdb, nil
}

func NewRedisQueue(rdb redis.UniversalClient, name string, logger *logrus.Entry) *RedisQueue {
	return &RedisQueue{
		rdb:    rdb,
		name:   name,
		logger: logger,
	}
}

func (q *RedisQueue) key(parts ...string) string {
	k := "q:" + q.name
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (q *RedisQueue) jobKey(id string) string { return q.key("job", id) }

func (q *RedisQueue) Add(ctx context.Context, name string, data JobData, opts JobOptions) (*Job, error) {
	now := time.Now()
	job, err := newJob(name, data, opts, now)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(job.Data)
	if err != nil {
		return nil, errors.Wrap(err, "encode job data")
	}

	jobKey := q.jobKey(job.ID)
	txErr := q.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, jobKey).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrJobExists
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, jobKey, map[string]any{
				"name":               job.Name,
				"data":               string(raw),
				"attempts":           0,
				"max_attempts":       job.MaxAttempts,
				"backoff_ms":         job.Backoff.Milliseconds(),
				"remove_on_complete": job.RemoveOnComplete,
				"remove_on_fail":     job.RemoveOnFail,
				"created_at":         now.UnixMilli(),
			})
			if opts.Delay > 0 {
				p.ZAdd(ctx, q.key("delayed"), redis.Z{
					Score:  float64(now.Add(opts.Delay).UnixMilli()),
					Member: job.ID,
				})
			} else {
				p.LPush(ctx, q.key("wait"), job.ID)
			}
			return nil
		})
		return err
	}, jobKey)

	switch {
	case txErr == nil:
		return job, nil
	case errors.Is(txErr, ErrJobExists), errors.Is(txErr, redis.TxFailedErr):
		return nil, ErrJobExists
	default:
		return nil, errors.Wrapf(txErr, "add job %s", job.ID)
	}
}

func (q *RedisQueue) Reserve(ctx context.Context, timeout time.Duration) (*Job, error) {
	id, err := q.rdb.BRPopLPush(ctx, q.key("wait"), q.key("active"), timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "reserve job")
	}

	job, err := q.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		// Orphan id without a hash.
		q.rdb.LRem(ctx, q.key("active"), 1, id)
		return nil, nil
	}

	// started_at is cleared whenever the id leaves active, so a missing
	// field here tells RecoverStalled the job was only just reserved.
	job.StartedAt = time.Now()
	if err := q.rdb.HSet(ctx, q.jobKey(id), "started_at", job.StartedAt.UnixMilli()).Err(); err != nil {
		return nil, errors.Wrapf(err, "lock job %s", id)
	}
	return job, nil
}

func (q *RedisQueue) Touch(ctx context.Context, job *Job) error {
	return q.rdb.HSet(ctx, q.jobKey(job.ID), "started_at", time.Now().UnixMilli()).Err()
}

func (q *RedisQueue) Complete(ctx context.Context, job *Job) error {
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, q.key("active"), 1, job.ID)
		if job.RemoveOnComplete {
			p.Del(ctx, q.jobKey(job.ID))
		} else {
			p.HSet(ctx, q.jobKey(job.ID), "finished_at", time.Now().UnixMilli())
		}
		return nil
	})
	return errors.Wrapf(err, "complete job %s", job.ID)
}

func (q *RedisQueue) Fail(ctx context.Context, job *Job, cause error) (bool, error) {
	job.Attempts++
	job.FailedReason = cause.Error()
	retry := job.Attempts < job.MaxAttempts
	now := time.Now()

	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, q.key("active"), 1, job.ID)
		p.HSet(ctx, q.jobKey(job.ID), map[string]any{
			"attempts":      job.Attempts,
			"failed_reason": job.FailedReason,
		})
		p.HDel(ctx, q.jobKey(job.ID), "started_at")
		switch {
		case retry:
			p.ZAdd(ctx, q.key("delayed"), redis.Z{
				Score:  float64(now.Add(retryDelay(job.Backoff, job.Attempts)).UnixMilli()),
				Member: job.ID,
			})
		case job.RemoveOnFail:
			p.Del(ctx, q.jobKey(job.ID))
		default:
			p.ZAdd(ctx, q.key("failed"), redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
		}
		return nil
	})
	if err != nil {
		return false, errors.Wrapf(err, "fail job %s", job.ID)
	}
	return retry, nil
}

var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LPUSH', KEYS[2], id)
end
return #ids
`)

func (q *RedisQueue) PromoteDelayed(ctx context.Context, now time.Time) (int, error) {
	n, err := promoteScript.Run(ctx, q.rdb,
		[]string{q.key("delayed"), q.key("wait")},
		now.UnixMilli(), 100,
	).Int()
	if err != nil {
		return 0, errors.Wrap(err, "promote delayed jobs")
	}
	return n, nil
}

func (q *RedisQueue) RecoverStalled(ctx context.Context, now time.Time, lock time.Duration) (int, error) {
	ids, err := q.rdb.LRange(ctx, q.key("active"), 0, -1).Result()
	if err != nil {
		return 0, errors.Wrap(err, "list active jobs")
	}

	recovered := 0
	for _, id := range ids {
		jobKey := q.jobKey(id)
		err := q.rdb.Watch(ctx, func(tx *redis.Tx) error {
			started, err := tx.HGet(ctx, jobKey, "started_at").Int64()
			if errors.Is(err, redis.Nil) {
				// Moved to active but not stamped yet. Start the lock now so
				// a reserver that died in between is still recovered later.
				_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
					p.HSet(ctx, jobKey, "started_at", now.UnixMilli())
					return nil
				})
				return err
			}
			if err != nil {
				return err
			}
			if now.Sub(time.UnixMilli(started)) < lock {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.LRem(ctx, q.key("active"), 1, id)
				p.HDel(ctx, jobKey, "started_at")
				p.RPush(ctx, q.key("wait"), id)
				return nil
			})
			if err == nil {
				recovered++
			}
			return err
		}, jobKey)
		if err != nil && !errors.Is(err, redis.TxFailedErr) {
			return recovered, errors.Wrapf(err, "recover stalled job %s", id)
		}
	}

	if recovered > 0 && q.logger != nil {
		q.logger.WithField("count", recovered).Warn("Recovered stalled jobs")
	}
	return recovered, nil
}

func (q *RedisQueue) Failed(ctx context.Context) ([]*Job, error) {
	ids, err := q.rdb.ZRange(ctx, q.key("failed"), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list failed jobs")
	}
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if job != nil {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	return q.rdb.Close()
}

func (q *RedisQueue) load(ctx context.Context, id string) (*Job, error) {
	h, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "load job %s", id)
	}
	if len(h) == 0 {
		return nil, nil
	}

	job := &Job{
		ID:               id,
		Name:             h["name"],
		Attempts:         int(parseInt(h["attempts"])),
		MaxAttempts:      int(parseInt(h["max_attempts"])),
		Backoff:          time.Duration(parseInt(h["backoff_ms"])) * time.Millisecond,
		RemoveOnComplete: h["remove_on_complete"] == "1" || h["remove_on_complete"] == "true",
		RemoveOnFail:     h["remove_on_fail"] == "1" || h["remove_on_fail"] == "true",
		FailedReason:     h["failed_reason"],
		CreatedAt:        time.UnixMilli(parseInt(h["created_at"])),
		StartedAt:        time.UnixMilli(parseInt(h["started_at"])),
	}
	if err := json.Unmarshal([]byte(h["data"]), &job.Data); err != nil {
		return nil, fmt.Errorf("decode job %s data: %w", id, err)
	}
	return job, nil
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
