package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"llmbenchstudio/internal/aggregate"
)

const bestScoreRetries = 16

// RedisStore keeps records as JSON in a HASH per kind, indexed by a ZSET
// scored by creation time in milliseconds.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore returns a store using keys under prefix.
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "llmbench"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) recordsKey(kind string) string { return s.prefix + ":" + kind + ":records" }
func (s *RedisStore) indexKey(kind string) string   { return s.prefix + ":" + kind + ":index" }
func (s *RedisStore) userKey(kind, userID string) string {
	return s.prefix + ":" + kind + ":user:" + userID
}
func (s *RedisStore) bestKey() string { return s.prefix + ":best" }

func (s *RedisStore) save(ctx context.Context, kind, id, userID string, createdAt time.Time, rec any) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", kind, err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.recordsKey(kind), id, b)
		pipe.ZAdd(ctx, s.indexKey(kind), redis.Z{Score: float64(createdAt.UnixMilli()), Member: id})
		if userID != "" {
			pipe.SAdd(ctx, s.userKey(kind, userID), id)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save %s record: %w", kind, err)
	}
	return nil
}

func (s *RedisStore) get(ctx context.Context, kind, id string, out any) error {
	raw, err := s.rdb.HGet(ctx, s.recordsKey(kind), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load %s record: %w", kind, err)
	}
	return json.Unmarshal(raw, out)
}

// list returns raw records created at or after since, oldest first.
func (s *RedisStore) list(ctx context.Context, kind string, since time.Time) ([]string, error) {
	lo := "-inf"
	if !since.IsZero() {
		lo = strconv.FormatInt(since.UnixMilli(), 10)
	}
	ids, err := s.rdb.ZRangeByScore(ctx, s.indexKey(kind), &redis.ZRangeBy{Min: lo, Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s index: %w", kind, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := s.rdb.HMGet(ctx, s.recordsKey(kind), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load %s records: %w", kind, err)
	}
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if str, ok := v.(string); ok {
			out = append(out, str)
		}
	}
	return out, nil
}

func (s *RedisStore) SaveBenchmark(ctx context.Context, rec aggregate.BenchmarkRecord) (string, error) {
	rec.ID = newID()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	return rec.ID, s.save(ctx, "benchmark", rec.ID, rec.UserID, rec.CreatedAt, rec)
}

func (s *RedisStore) SaveEval(ctx context.Context, rec aggregate.EvalRecord) (string, error) {
	rec.ID = newID()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	return rec.ID, s.save(ctx, "eval", rec.ID, rec.UserID, rec.CreatedAt, rec)
}

func (s *RedisStore) GetBenchmark(ctx context.Context, id string) (aggregate.BenchmarkRecord, error) {
	var rec aggregate.BenchmarkRecord
	err := s.get(ctx, "benchmark", id, &rec)
	return rec, err
}

func (s *RedisStore) GetEval(ctx context.Context, id string) (aggregate.EvalRecord, error) {
	var rec aggregate.EvalRecord
	err := s.get(ctx, "eval", id, &rec)
	return rec, err
}

func (s *RedisStore) ListBenchmarks(ctx context.Context, since time.Time) ([]aggregate.BenchmarkRecord, error) {
	raws, err := s.list(ctx, "benchmark", since)
	if err != nil {
		return nil, err
	}
	out := make([]aggregate.BenchmarkRecord, 0, len(raws))
	for _, raw := range raws {
		var rec aggregate.BenchmarkRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode benchmark record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStore) ListEvals(ctx context.Context, since time.Time) ([]aggregate.EvalRecord, error) {
	raws, err := s.list(ctx, "eval", since)
	if err != nil {
		return nil, err
	}
	out := make([]aggregate.EvalRecord, 0, len(raws))
	for _, raw := range raws {
		var rec aggregate.EvalRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode eval record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStore) BestScore(ctx context.Context, experiment string) (BestScore, error) {
	raw, err := s.rdb.HGet(ctx, s.bestKey(), experiment).Bytes()
	if errors.Is(err, redis.Nil) {
		return BestScore{}, ErrNotFound
	}
	if err != nil {
		return BestScore{}, fmt.Errorf("load best score: %w", err)
	}
	var b BestScore
	if err := json.Unmarshal(raw, &b); err != nil {
		return BestScore{}, fmt.Errorf("decode best score: %w", err)
	}
	return b, nil
}

// SetBestScore compares and swaps under WATCH so concurrent jobs finishing
// the same experiment cannot overwrite a higher score.
func (s *RedisStore) SetBestScore(ctx context.Context, score BestScore) (bool, error) {
	encoded, err := json.Marshal(score)
	if err != nil {
		return false, err
	}
	var improved bool
	txf := func(tx *redis.Tx) error {
		improved = false
		raw, err := tx.HGet(ctx, s.bestKey(), score.Experiment).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			var cur BestScore
			if json.Unmarshal(raw, &cur) == nil && cur.Score >= score.Score {
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.bestKey(), score.Experiment, encoded)
			return nil
		})
		if err == nil {
			improved = true
		}
		return err
	}
	for i := 0; i < bestScoreRetries; i++ {
		err = s.rdb.Watch(ctx, txf, s.bestKey())
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return false, fmt.Errorf("set best score: %w", err)
	}
	return improved, nil
}

func (s *RedisStore) DeleteUser(ctx context.Context, userID string) error {
	for _, kind := range []string{"benchmark", "eval"} {
		ids, err := s.rdb.SMembers(ctx, s.userKey(kind, userID)).Result()
		if err != nil {
			return fmt.Errorf("list %s records for %s: %w", kind, userID, err)
		}
		_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(ids) > 0 {
				members := make([]interface{}, len(ids))
				for i, id := range ids {
					members[i] = id
				}
				pipe.HDel(ctx, s.recordsKey(kind), ids...)
				pipe.ZRem(ctx, s.indexKey(kind), members...)
			}
			pipe.Del(ctx, s.userKey(kind, userID))
			return nil
		})
		if err != nil {
			return fmt.Errorf("delete %s records for %s: %w", kind, userID, err)
		}
	}
	return nil
}
