package aggregate

import (
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmbenchstudio/internal/engine"
	"llmbenchstudio/internal/scoring"
)

func run(provider, model string, ctx int, ok bool, ttft, tps float64) engine.RunResult {
	r := engine.RunResult{Provider: provider, Model: model, DisplayName: model, ContextTokens: ctx, Success: ok}
	if ok {
		r.TTFTMs = ttft
		r.TotalTimeS = 2
		r.TokensPerSecond = tps
		r.OutputTokens = int(tps * 2)
		r.Cost = 0.001
	} else {
		r.Error = "[timeout] deadline exceeded"
	}
	return r
}

func TestAggregateGroupsAndAverages(t *testing.T) {
	results := []engine.RunResult{
		run("openai", "gpt-4o", 0, true, 100, 40),
		run("openai", "gpt-4o", 0, true, 300, 60),
		run("openai", "gpt-4o", 0, false, 0, 0),
		run("openai", "gpt-4o", 1000, true, 500, 30),
		run("groq", "llama", 0, false, 0, 0),
		{Provider: "groq", Model: "llama", Skipped: true},
	}

	got := Aggregate(results)
	require.Len(t, got, 3)

	assert.Equal(t, "groq", got[0].Provider)
	assert.Equal(t, 1, got[0].Runs)
	assert.Equal(t, 1, got[0].Failures)
	assert.Zero(t, got[0].AvgTTFTMs)
	assert.Zero(t, got[0].Variance)

	g := got[1]
	assert.Equal(t, "gpt-4o", g.Model)
	assert.Equal(t, 0, g.ContextTokens)
	assert.Equal(t, 3, g.Runs)
	assert.Equal(t, 1, g.Failures)
	assert.Equal(t, 2, g.Successes())
	assert.InDelta(t, 200, g.AvgTTFTMs, 1e-9)
	assert.InDelta(t, 100, g.MinTTFTMs, 1e-9)
	assert.InDelta(t, 300, g.MaxTTFTMs, 1e-9)
	assert.InDelta(t, 50, g.AvgTokensPerSecond, 1e-9)
	assert.InDelta(t, 100, g.AvgOutputTokens, 1e-9)
	assert.InDelta(t, 0.002, g.TotalCost, 1e-12)
	assert.InDelta(t, 0.001, g.AvgCost, 1e-12)
	assert.InDelta(t, 20000, g.Variance.TTFTMs, 1e-9)
	assert.InDelta(t, 200, g.Variance.TokensPerSecond, 1e-9)
	assert.Zero(t, g.Variance.TotalTimeS)
	assert.Len(t, g.Results, 3)

	assert.Equal(t, 1000, got[2].ContextTokens)
	assert.Zero(t, got[2].Variance.TTFTMs)
}

func TestAggregateDoesNotAliasInput(t *testing.T) {
	results := []engine.RunResult{run("a", "m", 0, true, 1, 1)}
	got := Aggregate(results)
	results[0].TTFTMs = 999
	assert.Equal(t, 1.0, got[0].Results[0].TTFTMs)
}

func TestAggregateIdempotentProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	build := func(vals []float64) []engine.RunResult {
		out := make([]engine.RunResult, len(vals))
		providers := []string{"openai", "groq", "local"}
		for i, v := range vals {
			out[i] = run(providers[i%3], "m", (i%2)*512, v > 20, v*3, v)
			out[i].Skipped = v > 190
		}
		return out
	}

	properties.Property("aggregating twice yields identical values", prop.ForAll(
		func(vals []float64) bool {
			rs := build(vals)
			return reflect.DeepEqual(Aggregate(rs), Aggregate(rs))
		},
		gen.SliceOf(gen.Float64Range(0, 200)),
	))

	properties.Property("run counts cover every non-skipped result", prop.ForAll(
		func(vals []float64) bool {
			rs := build(vals)
			want := 0
			for _, r := range rs {
				if !r.Skipped {
					want++
				}
			}
			got := 0
			for _, a := range Aggregate(rs) {
				got += a.Runs
				if a.Variance.TTFTMs < 0 || a.Failures > a.Runs {
					return false
				}
			}
			return got == want
		},
		gen.SliceOf(gen.Float64Range(0, 200)),
	))

	properties.TestingRun(t)
}

func TestBenchmarkLeaderboard(t *testing.T) {
	day := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	records := []BenchmarkRecord{
		{CreatedAt: day.Add(-48 * time.Hour), Results: Aggregate([]engine.RunResult{
			run("openai", "gpt-4o", 0, true, 100, 500),
		})},
		{CreatedAt: day, Results: Aggregate([]engine.RunResult{
			run("openai", "gpt-4o", 0, true, 100, 40),
			run("openai", "gpt-4o", 0, true, 100, 60),
			run("groq", "llama", 0, true, 50, 80),
			run("local", "broken", 0, false, 0, 0),
		})},
		{CreatedAt: day.Add(time.Hour), Results: Aggregate([]engine.RunResult{
			run("openai", "gpt-4o", 0, true, 100, 70),
		})},
	}

	board := BenchmarkLeaderboard(records, day.Add(-time.Hour))
	require.Len(t, board, 2)

	assert.Equal(t, "llama", board[0].Model)
	assert.Equal(t, 1, board[0].Rank)
	assert.InDelta(t, 80, board[0].Score, 1e-9)

	assert.Equal(t, "gpt-4o", board[1].Model)
	assert.InDelta(t, 60, board[1].Score, 1e-9)
	assert.Equal(t, 3, board[1].Count)
	assert.Equal(t, day.Add(time.Hour), board[1].LastRun)

	all := BenchmarkLeaderboard(records, time.Time{})
	assert.Equal(t, "gpt-4o", all[0].Model)
}

func TestToolEvalLeaderboard(t *testing.T) {
	now := time.Now()
	records := []EvalRecord{
		{CreatedAt: now, Summaries: []scoring.ModelSummary{
			{Provider: "openai", Model: "gpt-4o", Cases: 10, AvgOverall: 0.9},
			{Provider: "groq", Model: "llama", Cases: 10, AvgOverall: 0.5},
			{Provider: "none", Model: "empty"},
		}},
		{CreatedAt: now.Add(-time.Minute), Summaries: []scoring.ModelSummary{
			{Provider: "groq", Model: "llama", Cases: 4, AvgOverall: 0.7},
		}},
	}

	board := ToolEvalLeaderboard(records, time.Time{})
	require.Len(t, board, 2)
	assert.Equal(t, "gpt-4o", board[0].Model)
	assert.InDelta(t, 90, board[0].Score, 1e-9)
	assert.Equal(t, "llama", board[1].Model)
	assert.InDelta(t, 60, board[1].Score, 1e-9)
	assert.Equal(t, 14, board[1].Count)
	assert.Equal(t, now, board[1].LastRun)
}
