package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// historyLimit caps the per-user job history list.
	historyLimit = 200
	// finishedTTL is how long a finished job row is kept.
	finishedTTL = 7 * 24 * time.Hour
)

// RedisLedger keeps the ledger in Redis:
//
//	<prefix>:user:<id>:active   SET of non-terminal job ids
//	<prefix>:user:<id>:started  ZSET job id -> start time (ms), trailing hour
//	<prefix>:user:<id>:history  ZSET job id -> start time (ms), capped
//	<prefix>:running            ZSET non-terminal job id -> start time (ms)
//	<prefix>:job:<id>           HASH job row
//	<prefix>:limits             HASH user id -> JSON Limits
type RedisLedger struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisLedger returns a ledger using keys under prefix.
func NewRedisLedger(rdb *redis.Client, prefix string) *RedisLedger {
	if prefix == "" {
		prefix = "llmbench"
	}
	return &RedisLedger{rdb: rdb, prefix: prefix}
}

func (r *RedisLedger) userKey(userID, kind string) string {
	return r.prefix + ":user:" + userID + ":" + kind
}

func (r *RedisLedger) jobKey(jobID string) string {
	return r.prefix + ":job:" + jobID
}

func (r *RedisLedger) limitsKey() string {
	return r.prefix + ":limits"
}

func (r *RedisLedger) runningKey() string {
	return r.prefix + ":running"
}

func (r *RedisLedger) ActiveJobs(ctx context.Context, userID string) (int, error) {
	n, err := r.rdb.SCard(ctx, r.userKey(userID, "active")).Result()
	if err != nil {
		return 0, fmt.Errorf("scard active: %w", err)
	}
	return int(n), nil
}

func (r *RedisLedger) JobsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	key := r.userKey(userID, "started")
	cutoff := strconv.FormatInt(time.Now().Add(-time.Hour).UnixMilli(), 10)
	if err := r.rdb.ZRemRangeByScore(ctx, key, "-inf", "("+cutoff).Err(); err != nil {
		return 0, fmt.Errorf("trim started: %w", err)
	}
	n, err := r.rdb.ZCount(ctx, key, strconv.FormatInt(since.UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("zcount started: %w", err)
	}
	return int(n), nil
}

func (r *RedisLedger) UserLimits(ctx context.Context, userID string) (*Limits, error) {
	raw, err := r.rdb.HGet(ctx, r.limitsKey(), userID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("hget limits: %w", err)
	}
	var l Limits
	if err := json.Unmarshal([]byte(raw), &l); err != nil {
		return nil, fmt.Errorf("decode limits: %w", err)
	}
	return &l, nil
}

func (r *RedisLedger) SetUserLimits(ctx context.Context, userID string, limits Limits) error {
	b, err := json.Marshal(limits)
	if err != nil {
		return err
	}
	return r.rdb.HSet(ctx, r.limitsKey(), userID, b).Err()
}

func (r *RedisLedger) CreateJob(ctx context.Context, job Job) error {
	score := float64(job.StartedAt.UnixMilli())
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.jobKey(job.ID), map[string]interface{}{
			"id":         job.ID,
			"user_id":    job.UserID,
			"type":       string(job.Type),
			"status":     string(job.Status),
			"started_at": job.StartedAt.Format(time.RFC3339Nano),
		})
		if !job.Status.Terminal() {
			pipe.SAdd(ctx, r.userKey(job.UserID, "active"), job.ID)
			pipe.ZAdd(ctx, r.runningKey(), redis.Z{Score: score, Member: job.ID})
		}
		pipe.ZAdd(ctx, r.userKey(job.UserID, "started"), redis.Z{Score: score, Member: job.ID})
		pipe.ZAdd(ctx, r.userKey(job.UserID, "history"), redis.Z{Score: score, Member: job.ID})
		pipe.ZRemRangeByRank(ctx, r.userKey(job.UserID, "history"), 0, -historyLimit-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	return nil
}

func (r *RedisLedger) FinishJob(ctx context.Context, jobID string, status JobStatus, detail string, at time.Time) error {
	userID, err := r.rdb.HGet(ctx, r.jobKey(jobID), "user_id").Result()
	if errors.Is(err, redis.Nil) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("hget job: %w", err)
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.jobKey(jobID), map[string]interface{}{
			"status":      string(status),
			"detail":      detail,
			"finished_at": at.Format(time.RFC3339Nano),
		})
		pipe.Expire(ctx, r.jobKey(jobID), finishedTTL)
		pipe.SRem(ctx, r.userKey(userID, "active"), jobID)
		pipe.ZRem(ctx, r.runningKey(), jobID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("finish job %s: %w", jobID, err)
	}
	return nil
}

func (r *RedisLedger) GetJob(ctx context.Context, jobID string) (Job, error) {
	fields, err := r.rdb.HGetAll(ctx, r.jobKey(jobID)).Result()
	if err != nil {
		return Job{}, fmt.Errorf("hgetall job: %w", err)
	}
	if len(fields) == 0 {
		return Job{}, ErrJobNotFound
	}
	return jobFromHash(fields), nil
}

func (r *RedisLedger) ListJobs(ctx context.Context, userID string) ([]Job, error) {
	ids, err := r.rdb.ZRevRange(ctx, r.userKey(userID, "history"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrange history: %w", err)
	}
	cmds, err := r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.HGetAll(ctx, r.jobKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	jobs := make([]Job, 0, len(cmds))
	for _, cmd := range cmds {
		fields, err := cmd.(*redis.MapStringStringCmd).Result()
		if err != nil || len(fields) == 0 {
			// Expired rows leave dangling history entries.
			continue
		}
		jobs = append(jobs, jobFromHash(fields))
	}
	return jobs, nil
}

func (r *RedisLedger) DeleteUser(ctx context.Context, userID string) error {
	ids, err := r.rdb.ZRange(ctx, r.userKey(userID, "history"), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("zrange history: %w", err)
	}
	active, err := r.rdb.SMembers(ctx, r.userKey(userID, "active")).Result()
	if err != nil {
		return fmt.Errorf("smembers active: %w", err)
	}
	keys := []string{
		r.userKey(userID, "active"),
		r.userKey(userID, "started"),
		r.userKey(userID, "history"),
	}
	for _, id := range append(ids, active...) {
		keys = append(keys, r.jobKey(id))
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.HDel(ctx, r.limitsKey(), userID)
		if len(active) > 0 {
			members := make([]interface{}, len(active))
			for i, id := range active {
				members[i] = id
			}
			pipe.ZRem(ctx, r.runningKey(), members...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete user %s: %w", userID, err)
	}
	return nil
}

func (r *RedisLedger) SweepStale(ctx context.Context, cutoff, at time.Time) (int, error) {
	ids, err := r.rdb.ZRangeByScore(ctx, r.runningKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("zrangebyscore running: %w", err)
	}
	n := 0
	for _, id := range ids {
		err := r.FinishJob(ctx, id, StatusFailed, StaleDetail, at)
		switch {
		case errors.Is(err, ErrJobNotFound):
			// The row expired or its user was deleted.
			if err := r.rdb.ZRem(ctx, r.runningKey(), id).Err(); err != nil {
				return n, fmt.Errorf("zrem running: %w", err)
			}
		case err != nil:
			return n, err
		default:
			n++
		}
	}
	return n, nil
}

func jobFromHash(f map[string]string) Job {
	j := Job{
		ID:     f["id"],
		UserID: f["user_id"],
		Type:   JobType(f["type"]),
		Status: JobStatus(f["status"]),
		Detail: f["detail"],
	}
	if t, err := time.Parse(time.RFC3339Nano, f["started_at"]); err == nil {
		j.StartedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, f["finished_at"]); err == nil {
		j.FinishedAt = &t
	}
	return j
}
