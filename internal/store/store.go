// Package store persists completed benchmark and eval results.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"llmbenchstudio/internal/aggregate"
)

// ErrNotFound is returned for unknown records.
var ErrNotFound = errors.New("not found")

// BestScore is the best result recorded for an experiment.
type BestScore struct {
	Experiment string    `json:"experiment"`
	Score      float64   `json:"score"`
	Model      string    `json:"model"`
	Provider   string    `json:"provider"`
	JobID      string    `json:"jobId"`
	RecordedAt time.Time `json:"recordedAt"`
}

// Store is the result persistence collaborator. Save methods assign the
// record id and return it.
type Store interface {
	SaveBenchmark(ctx context.Context, rec aggregate.BenchmarkRecord) (string, error)
	SaveEval(ctx context.Context, rec aggregate.EvalRecord) (string, error)
	GetBenchmark(ctx context.Context, id string) (aggregate.BenchmarkRecord, error)
	GetEval(ctx context.Context, id string) (aggregate.EvalRecord, error)
	// ListBenchmarks returns records created at or after since, oldest first.
	ListBenchmarks(ctx context.Context, since time.Time) ([]aggregate.BenchmarkRecord, error)
	ListEvals(ctx context.Context, since time.Time) ([]aggregate.EvalRecord, error)
	BestScore(ctx context.Context, experiment string) (BestScore, error)
	// SetBestScore stores score when it beats the current best and reports
	// whether it did.
	SetBestScore(ctx context.Context, score BestScore) (bool, error)
	DeleteUser(ctx context.Context, userID string) error
}

func newID() string { return uuid.New().String() }

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu         sync.RWMutex
	benchmarks []aggregate.BenchmarkRecord
	evals      []aggregate.EvalRecord
	best       map[string]BestScore
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{best: make(map[string]BestScore)}
}

func (m *MemoryStore) SaveBenchmark(_ context.Context, rec aggregate.BenchmarkRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = newID()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	m.benchmarks = append(m.benchmarks, rec)
	return rec.ID, nil
}

func (m *MemoryStore) SaveEval(_ context.Context, rec aggregate.EvalRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = newID()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	m.evals = append(m.evals, rec)
	return rec.ID, nil
}

func (m *MemoryStore) GetBenchmark(_ context.Context, id string) (aggregate.BenchmarkRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.benchmarks {
		if r.ID == id {
			return r, nil
		}
	}
	return aggregate.BenchmarkRecord{}, ErrNotFound
}

func (m *MemoryStore) GetEval(_ context.Context, id string) (aggregate.EvalRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.evals {
		if r.ID == id {
			return r, nil
		}
	}
	return aggregate.EvalRecord{}, ErrNotFound
}

func (m *MemoryStore) ListBenchmarks(_ context.Context, since time.Time) ([]aggregate.BenchmarkRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []aggregate.BenchmarkRecord
	for _, r := range m.benchmarks {
		if !r.CreatedAt.Before(since) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListEvals(_ context.Context, since time.Time) ([]aggregate.EvalRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []aggregate.EvalRecord
	for _, r := range m.evals {
		if !r.CreatedAt.Before(since) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) BestScore(_ context.Context, experiment string) (BestScore, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.best[experiment]
	if !ok {
		return BestScore{}, ErrNotFound
	}
	return b, nil
}

func (m *MemoryStore) SetBestScore(_ context.Context, score BestScore) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.best[score.Experiment]; ok && cur.Score >= score.Score {
		return false, nil
	}
	m.best[score.Experiment] = score
	return true, nil
}

func (m *MemoryStore) DeleteUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	benchmarks := m.benchmarks[:0]
	for _, r := range m.benchmarks {
		if r.UserID != userID {
			benchmarks = append(benchmarks, r)
		}
	}
	m.benchmarks = benchmarks
	evals := m.evals[:0]
	for _, r := range m.evals {
		if r.UserID != userID {
			evals = append(evals, r)
		}
	}
	m.evals = evals
	return nil
}
