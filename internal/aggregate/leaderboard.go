package aggregate

import (
	"sort"
	"time"

	"llmbenchstudio/internal/scoring"
)

// BenchmarkRecord is a persisted benchmark job.
type BenchmarkRecord struct {
	ID        string             `json:"id"`
	UserID    string             `json:"userId"`
	JobID     string             `json:"jobId"`
	CreatedAt time.Time          `json:"createdAt"`
	Results   []AggregatedResult `json:"results"`
}

// EvalRecord is a persisted tool-calling evaluation job.
type EvalRecord struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"userId"`
	JobID     string                 `json:"jobId"`
	Suite     string                 `json:"suite"`
	CreatedAt time.Time              `json:"createdAt"`
	Summaries []scoring.ModelSummary `json:"summaries"`
	Results   []scoring.EvalResult   `json:"results,omitempty"`
}

// LeaderboardEntry ranks one (model, provider) pair. Score is tokens/sec for
// benchmarks and the overall percentage for tool evals.
type LeaderboardEntry struct {
	Rank        int       `json:"rank"`
	Model       string    `json:"model"`
	Provider    string    `json:"provider"`
	DisplayName string    `json:"displayName,omitempty"`
	Score       float64   `json:"score"`
	AvgTTFTMs   float64   `json:"avgTtftMs,omitempty"`
	Count       int       `json:"count"`
	LastRun     time.Time `json:"lastRun"`
}

type board struct {
	entries map[[2]string]*boardAcc
	order   [][2]string
}

type boardAcc struct {
	entry  LeaderboardEntry
	scores []float64
	ttfts  []float64
}

func newBoard() *board {
	return &board{entries: make(map[[2]string]*boardAcc)}
}

func (b *board) acc(model, provider, display string) *boardAcc {
	k := [2]string{model, provider}
	a, ok := b.entries[k]
	if !ok {
		a = &boardAcc{entry: LeaderboardEntry{Model: model, Provider: provider, DisplayName: display}}
		b.entries[k] = a
		b.order = append(b.order, k)
	}
	return a
}

func (b *board) seen(a *boardAcc, at time.Time) {
	if at.After(a.entry.LastRun) {
		a.entry.LastRun = at
	}
}

func (b *board) rank() []LeaderboardEntry {
	out := make([]LeaderboardEntry, 0, len(b.order))
	for _, k := range b.order {
		a := b.entries[k]
		if len(a.scores) == 0 {
			continue
		}
		a.entry.Score = mean(a.scores)
		a.entry.AvgTTFTMs = mean(a.ttfts)
		out = append(out, a.entry)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Model != out[j].Model {
			return out[i].Model < out[j].Model
		}
		return out[i].Provider < out[j].Provider
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// BenchmarkLeaderboard ranks targets by the mean of their per-run average
// tokens/sec over records created at or after since. A zero since includes
// everything. Groups without a successful run are not ranked.
func BenchmarkLeaderboard(records []BenchmarkRecord, since time.Time) []LeaderboardEntry {
	b := newBoard()
	for _, rec := range records {
		if rec.CreatedAt.Before(since) {
			continue
		}
		for _, agg := range rec.Results {
			a := b.acc(agg.Model, agg.Provider, agg.DisplayName)
			a.entry.Count += agg.Runs
			b.seen(a, rec.CreatedAt)
			if agg.Successes() > 0 {
				a.scores = append(a.scores, agg.AvgTokensPerSecond)
				a.ttfts = append(a.ttfts, agg.AvgTTFTMs)
			}
		}
	}
	return b.rank()
}

// ToolEvalLeaderboard ranks models by the mean overall percentage of their
// per-run summaries.
func ToolEvalLeaderboard(records []EvalRecord, since time.Time) []LeaderboardEntry {
	b := newBoard()
	for _, rec := range records {
		if rec.CreatedAt.Before(since) {
			continue
		}
		for _, s := range rec.Summaries {
			if s.Cases == 0 {
				continue
			}
			a := b.acc(s.Model, s.Provider, s.DisplayName)
			a.entry.Count += s.Cases
			b.seen(a, rec.CreatedAt)
			a.scores = append(a.scores, s.AvgOverall*100)
		}
	}
	return b.rank()
}
