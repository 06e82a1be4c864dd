// Package queue is the Redis-backed scrape work queue.
//
// Layout under the configured prefix:
//
//	{prefix}:ready            ZSET job ids, score = priority band + enqueue time
//	{prefix}:delayed          ZSET job ids waiting for a retry, score = due time
//	{prefix}:processing       ZSET job ids handed to a consumer, score = dequeue time
//	{prefix}:job:{id}         HASH job state
//	{prefix}:profile:{pid}    STRING job id, dedup while the job is alive
package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"trackerbot/internal/domain"
	logx "trackerbot/pkg/logx"
)

var ErrEmpty = errors.New("queue empty")

// Config mirrors the queue config section.
type Config struct {
	Addr        string
	Password    string
	DB          int
	Prefix      string
	MaxAttempts int
	BackoffBase time.Duration
	Priority    int
}

const priorityBand = 1e13

type Queue struct {
	rdb  *redis.Client
	log  logx.Logger
	opts domain.JobOptions
	pfx  string
	now  func() time.Time
}

func New(rdb *redis.Client, cfg Config, log logx.Logger) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	pfx := strings.TrimSpace(cfg.Prefix)
	if pfx == "" {
		pfx = "trackerbot:scrape"
	}
	opts := domain.JobOptions{
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: cfg.BackoffBase,
		Priority:    cfg.Priority,
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 5 * time.Second
	}
	if opts.Priority < 0 {
		opts.Priority = 0
	}
	return &Queue{
		rdb:  rdb,
		log:  log.With(logx.String("comp", "queue")),
		opts: opts,
		pfx:  pfx,
		now:  time.Now,
	}
}

func (q *Queue) readyKey() string { return q.pfx + ":ready" }
func (q *Queue) delayedKey() string { return q.pfx + ":delayed" }
func (q *Queue) processingKey() string { return q.pfx + ":processing" }
func (q *Queue) jobKey(id string) string { return q.pfx + ":job:" + id }
func (q *Queue) profileKey(profile string) string { return q.pfx + ":profile:" + profile }

func (q *Queue) readyScore(priority int, at time.Time) float64 {
	return float64(priority)*priorityBand + float64(at.UnixMilli())
}

// Enqueue adds a job for profileID. A profile that already has a live job
// returns that job's id instead of queueing a duplicate.
func (q *Queue) Enqueue(ctx context.Context, profileID string) (string, error) {
	if strings.TrimSpace(profileID) == "" {
		return "", errors.New("empty profile id")
	}
	id := uuid.NewString()
	ok, err := q.rdb.SetNX(ctx, q.profileKey(profileID), id, 0).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		existing, err := q.rdb.Get(ctx, q.profileKey(profileID)).Result()
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, redis.Nil) {
			return "", err
		}
		// the live job finished between SETNX and GET; claim the key again
		if err := q.rdb.Set(ctx, q.profileKey(profileID), id, 0).Err(); err != nil {
			return "", err
		}
	}

	now := q.now()
	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.jobKey(id), map[string]any{
			"profile_id":   profileID,
			"attempt":      0,
			"max_attempts": q.opts.MaxAttempts,
			"backoff_ms":   q.opts.BackoffBase.Milliseconds(),
			"priority":     q.opts.Priority,
			"enqueued_at":  now.UnixMilli(),
		})
		p.ZAdd(ctx, q.readyKey(), redis.Z{Score: q.readyScore(q.opts.Priority, now), Member: id})
		return nil
	})
	if err != nil {
		_ = q.rdb.Del(ctx, q.profileKey(profileID)).Err()
		return "", err
	}
	q.log.Debug("job enqueued", logx.String("job", id), logx.String("profile", profileID))
	return id, nil
}

// EnqueueBatch enqueues ids in order and stops at the first failure.
func (q *Queue) EnqueueBatch(ctx context.Context, profileIDs []string) ([]string, error) {
	out := make([]string, 0, len(profileIDs))
	for _, pid := range profileIDs {
		id, err := q.Enqueue(ctx, pid)
		if err != nil {
			return out, fmt.Errorf("enqueue %s: %w", pid, err)
		}
		out = append(out, id)
	}
	return out, nil
}

// dequeueScript pops the best ready job that still has state, records it in
// processing with the dequeue time and bumps its attempt counter. Ids whose
// hash is gone are discarded.
var dequeueScript = redis.NewScript(`
while true do
  local popped = redis.call('ZPOPMIN', KEYS[1])
  if #popped == 0 then
    return false
  end
  local id = popped[1]
  local key = ARGV[2] .. id
  if redis.call('EXISTS', key) == 1 then
    redis.call('ZADD', KEYS[2], ARGV[1], id)
    return {id, redis.call('HINCRBY', key, 'attempt', 1)}
  end
end
`)

// requeueScript moves one id from processing back to ready, unless another
// caller already took it.
var requeueScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// Dequeue pops the best ready job and moves it to processing in one step.
// It returns ErrEmpty when nothing is ready.
func (q *Queue) Dequeue(ctx context.Context) (*domain.ScrapingJob, error) {
	res, err := dequeueScript.Run(ctx, q.rdb,
		[]string{q.readyKey(), q.processingKey()},
		q.now().UnixMilli(), q.pfx+":job:",
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, err
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("dequeue: unexpected reply %v", res)
	}
	id, _ := res[0].(string)
	attempt, _ := res[1].(int64)

	job, err := q.load(ctx, id)
	if err != nil {
		return nil, err
	}
	job.Attempt = int(attempt)
	return job, nil
}

// RequeueStale puts jobs dequeued before cutoff back on the ready set. Such
// jobs belong to a consumer that died before acking them. It returns the
// profile ids of the requeued jobs.
func (q *Queue) RequeueStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := q.rdb.ZRangeByScore(ctx, q.processingKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	now := q.now()
	var profiles []string
	for _, id := range ids {
		vals, err := q.rdb.HMGet(ctx, q.jobKey(id), "profile_id", "priority").Result()
		if err != nil {
			return profiles, err
		}
		pid, _ := vals[0].(string)
		if pid == "" {
			if err := q.rdb.ZRem(ctx, q.processingKey(), id).Err(); err != nil {
				return profiles, err
			}
			continue
		}
		prioStr, _ := vals[1].(string)
		prio, _ := strconv.Atoi(prioStr)
		n, err := requeueScript.Run(ctx, q.rdb,
			[]string{q.processingKey(), q.readyKey()},
			id, q.readyScore(prio, now),
		).Int()
		if err != nil {
			return profiles, err
		}
		if n == 1 {
			profiles = append(profiles, pid)
		}
	}
	if len(profiles) > 0 {
		q.log.Warn("stale jobs requeued", logx.Int("count", len(profiles)))
	}
	return profiles, nil
}

func (q *Queue) load(ctx context.Context, id string) (*domain.ScrapingJob, error) {
	m, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, fmt.Errorf("job %s: missing state", id)
	}
	atoi := func(k string) int {
		n, _ := strconv.Atoi(m[k])
		return n
	}
	enq, _ := strconv.ParseInt(m["enqueued_at"], 10, 64)
	backoff, _ := strconv.ParseInt(m["backoff_ms"], 10, 64)
	return &domain.ScrapingJob{
		ID:        id,
		ProfileID: m["profile_id"],
		Attempt:   atoi("attempt"),
		Options: domain.JobOptions{
			MaxAttempts: atoi("max_attempts"),
			BackoffBase: time.Duration(backoff) * time.Millisecond,
			Priority:    atoi("priority"),
		},
		EnqueuedAt: time.UnixMilli(enq),
		LastError:  m["last_error"],
	}, nil
}

// Ack removes a finished job and releases its profile for new enqueues.
func (q *Queue) Ack(ctx context.Context, job *domain.ScrapingJob) error {
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, q.processingKey(), job.ID)
		p.Del(ctx, q.jobKey(job.ID))
		p.Del(ctx, q.profileKey(job.ProfileID))
		return nil
	})
	return err
}

// Backoff is base * 2^(attempt-1).
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(base) * math.Pow(2, float64(attempt-1))
	if d > float64(24*time.Hour) {
		return 24 * time.Hour
	}
	return time.Duration(d)
}

// Retry parks a failed job in the delayed set. Once the job has used its
// attempts it is dropped and dead is true.
func (q *Queue) Retry(ctx context.Context, job *domain.ScrapingJob, cause error) (dead bool, err error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if job.Attempt >= job.Options.MaxAttempts {
		if err := q.Ack(ctx, job); err != nil {
			return true, err
		}
		q.log.Warn("job exhausted attempts",
			logx.String("job", job.ID),
			logx.String("profile", job.ProfileID),
			logx.Int("attempt", job.Attempt),
			logx.String("error", msg),
		)
		return true, nil
	}
	due := q.now().Add(Backoff(job.Options.BackoffBase, job.Attempt))
	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, q.processingKey(), job.ID)
		p.HSet(ctx, q.jobKey(job.ID), "last_error", msg)
		p.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(due.UnixMilli()), Member: job.ID})
		return nil
	})
	return false, err
}

// PromoteDue moves delayed jobs whose backoff elapsed back to ready.
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	now := q.now()
	ids, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, id := range ids {
		n, err := q.rdb.ZRem(ctx, q.delayedKey(), id).Result()
		if err != nil {
			return moved, err
		}
		if n == 0 {
			continue
		}
		prio, _ := q.rdb.HGet(ctx, q.jobKey(id), "priority").Int()
		if err := q.rdb.ZAdd(ctx, q.readyKey(), redis.Z{Score: q.readyScore(prio, now), Member: id}).Err(); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// Stats reports the size of each job set.
type Stats struct {
	Ready      int64
	Delayed    int64
	Processing int64
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	var ready, delayed, processing *redis.IntCmd
	_, err := q.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		ready = p.ZCard(ctx, q.readyKey())
		delayed = p.ZCard(ctx, q.delayedKey())
		processing = p.ZCard(ctx, q.processingKey())
		return nil
	})
	if err != nil {
		return st, err
	}
	st.Ready, st.Delayed, st.Processing = ready.Val(), delayed.Val(), processing.Val()
	return st, nil
}
