// Package aggregate reduces raw run results into per-target summaries and
// leaderboards. Every function is a pure reduction over its input.
package aggregate

import (
	"math"
	"sort"

	"llmbenchstudio/internal/engine"
)

// Variance holds the sample variance of the success-only subset of a group.
type Variance struct {
	TTFTMs          float64 `json:"ttftMs" yaml:"ttft-ms"`
	TotalTimeS      float64 `json:"totalTimeS" yaml:"total-time-s"`
	TokensPerSecond float64 `json:"tokensPerSecond" yaml:"tokens-per-second"`
}

// AggregatedResult summarizes every run of one target at one context size.
// Averages cover successful runs only and are zero when none succeeded.
type AggregatedResult struct {
	Provider           string             `json:"provider" yaml:"provider"`
	Model              string             `json:"model" yaml:"model"`
	DisplayName        string             `json:"displayName" yaml:"display-name"`
	ContextTokens      int                `json:"contextTokens" yaml:"context-tokens"`
	Runs               int                `json:"runs" yaml:"runs"`
	Failures           int                `json:"failures" yaml:"failures"`
	AvgTTFTMs          float64            `json:"avgTtftMs" yaml:"avg-ttft-ms"`
	MinTTFTMs          float64            `json:"minTtftMs" yaml:"min-ttft-ms"`
	MaxTTFTMs          float64            `json:"maxTtftMs" yaml:"max-ttft-ms"`
	AvgTotalTimeS      float64            `json:"avgTotalTimeS" yaml:"avg-total-time-s"`
	AvgTokensPerSecond float64            `json:"avgTokensPerSecond" yaml:"avg-tokens-per-second"`
	AvgOutputTokens    float64            `json:"avgOutputTokens" yaml:"avg-output-tokens"`
	AvgCost            float64            `json:"avgCost" yaml:"avg-cost"`
	TotalCost          float64            `json:"totalCost" yaml:"total-cost"`
	Variance           Variance           `json:"variance" yaml:"variance"`
	Results            []engine.RunResult `json:"results" yaml:"results"`
}

// Successes is the number of runs that completed.
func (a AggregatedResult) Successes() int {
	return a.Runs - a.Failures
}

// Key identifies the target the group belongs to.
func (a AggregatedResult) Key() string {
	return a.Provider + "/" + a.Model
}

type groupKey struct {
	provider      string
	model         string
	contextTokens int
}

// Aggregate groups results by (provider, model, context tokens). Skipped
// results never ran and are left out entirely. The output is sorted by
// provider, model and context size.
func Aggregate(results []engine.RunResult) []AggregatedResult {
	groups := make(map[groupKey][]engine.RunResult)
	var order []groupKey
	for _, r := range results {
		if r.Skipped {
			continue
		}
		k := groupKey{r.Provider, r.Model, r.ContextTokens}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], r)
	}

	out := make([]AggregatedResult, 0, len(order))
	for _, k := range order {
		out = append(out, summarize(k, groups[k]))
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Provider != b.Provider {
			return a.Provider < b.Provider
		}
		if a.Model != b.Model {
			return a.Model < b.Model
		}
		return a.ContextTokens < b.ContextTokens
	})
	return out
}

func summarize(k groupKey, runs []engine.RunResult) AggregatedResult {
	agg := AggregatedResult{
		Provider:      k.provider,
		Model:         k.model,
		ContextTokens: k.contextTokens,
		Runs:          len(runs),
		Results:       append([]engine.RunResult(nil), runs...),
	}

	var ttft, total, tps []float64
	var output, cost float64
	for _, r := range runs {
		if agg.DisplayName == "" {
			agg.DisplayName = r.DisplayName
		}
		if !r.Success {
			agg.Failures++
			continue
		}
		ttft = append(ttft, r.TTFTMs)
		total = append(total, r.TotalTimeS)
		tps = append(tps, r.TokensPerSecond)
		output += float64(r.OutputTokens)
		cost += r.Cost
	}

	n := len(ttft)
	if n == 0 {
		return agg
	}
	agg.AvgTTFTMs = mean(ttft)
	agg.MinTTFTMs, agg.MaxTTFTMs = minMax(ttft)
	agg.AvgTotalTimeS = mean(total)
	agg.AvgTokensPerSecond = mean(tps)
	agg.AvgOutputTokens = output / float64(n)
	agg.TotalCost = cost
	agg.AvgCost = cost / float64(n)
	agg.Variance = Variance{
		TTFTMs:          variance(ttft),
		TotalTimeS:      variance(total),
		TokensPerSecond: variance(tps),
	}
	return agg
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// variance is the sample variance; zero below two samples.
func variance(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var ss float64
	for _, x := range xs {
		d := x - m
		ss += d * d
	}
	return ss / float64(len(xs)-1)
}

func minMax(xs []float64) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, x := range xs {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	return lo, hi
}
