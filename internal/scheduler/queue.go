// Package scheduler is the durable delayed job queue and its worker pool.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	dueKey  = "jobs:delayed"
	dataKey = "jobs:data"

	DefaultMaxAttempts = 3
)

// Job is one unit of delayed work. ID doubles as the idempotency key:
// scheduling an existing ID replaces the pending entry.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
}

// NewJob encodes payload into a job with a fresh id when id is empty.
func NewJob(id, jobType string, payload any) (Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, err
	}
	if id == "" {
		id = uuid.NewString()
	}
	return Job{ID: id, Type: jobType, Payload: raw, MaxAttempts: DefaultMaxAttempts}, nil
}

// claimScript pops up to ARGV[2] jobs due at or before ARGV[1]. ZREM decides
// ownership so two pollers never run the same job.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local out = {}
for _, id in ipairs(ids) do
  if redis.call('ZREM', KEYS[1], id) == 1 then
    local body = redis.call('HGET', KEYS[2], id)
    redis.call('HDEL', KEYS[2], id)
    if body then
      table.insert(out, body)
    end
  end
end
return out
`)

// Queue stores delayed jobs in a sorted set keyed by due time.
type Queue struct {
	rdb redis.UniversalClient
}

func NewQueue(rdb redis.UniversalClient) *Queue {
	return &Queue{rdb: rdb}
}

// Schedule stores job to run at runAt.
func (q *Queue) Schedule(ctx context.Context, job Job, runAt time.Time) error {
	if job.ID == "" {
		return errors.New("scheduler: job id required")
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = DefaultMaxAttempts
	}
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, dataKey, job.ID, body)
		p.ZAdd(ctx, dueKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: job.ID})
		return nil
	})
	return err
}

// Cancel removes a pending job. Cancelling an unknown id is not an error.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, dueKey, id)
		p.HDel(ctx, dataKey, id)
		return nil
	})
	return err
}

// Reschedule cancels any pending job with the same id and adds it again, so
// at most one live entry exists per id.
func (q *Queue) Reschedule(ctx context.Context, job Job, runAt time.Time) error {
	if err := q.Cancel(ctx, job.ID); err != nil {
		return err
	}
	return q.Schedule(ctx, job, runAt)
}

// DueAt returns when a pending job will run. ok is false when none is pending.
func (q *Queue) DueAt(ctx context.Context, id string) (time.Time, bool, error) {
	score, err := q.rdb.ZScore(ctx, dueKey, id).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(int64(score)).UTC(), true, nil
}

func (q *Queue) claim(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	res, err := claimScript.Run(ctx, q.rdb, []string{dueKey, dataKey},
		strconv.FormatInt(now.UnixMilli(), 10), limit).StringSlice()
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(res))
	for _, body := range res {
		var job Job
		if err := json.Unmarshal([]byte(body), &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
