package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"

	"llmbenchstudio/internal/aggregate"
	"llmbenchstudio/internal/engine"
)

func roundToTwoDecimals(f float64) float64 {
	return math.Round(f*100) / 100
}

func newProgressBar(total int, description, unit string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString(unit),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func runBenchmark(ctx context.Context, eng *engine.Engine, spec engine.BenchmarkSpec) *BenchmarkReport {
	sizes := spec.ContextSizes
	if len(sizes) == 0 {
		sizes = []int{0}
	}
	total := len(spec.Targets) * len(sizes) * spec.Runs
	bar := newProgressBar(total, fmt.Sprintf("Benchmarking %d targets", len(spec.Targets)), "calls")

	started := time.Now()
	out := eng.RunBenchmark(ctx, spec, engine.Hooks{
		OnResult: func(r engine.RunResult, _ engine.Progress) {
			if !r.Success && !r.Skipped {
				bar.Describe(fmt.Sprintf("%s failed", r.DisplayName))
			}
			_ = bar.Add(1)
		},
	})
	_ = bar.Finish()
	_ = bar.Clear()
	_ = bar.Close()

	results := aggregate.Aggregate(out.Results)
	for i := range results {
		roundAggregated(&results[i])
	}
	return &BenchmarkReport{
		Prompt:       spec.Prompt,
		MaxTokens:    spec.MaxTokens,
		Runs:         spec.Runs,
		ContextSizes: sizes,
		Started:      started,
		DurationS:    elapsedSince(started),
		Cancelled:    out.Cancelled,
		Skipped:      out.Skipped,
		Results:      results,
	}
}

func roundAggregated(r *aggregate.AggregatedResult) {
	r.AvgTTFTMs = roundToTwoDecimals(r.AvgTTFTMs)
	r.MinTTFTMs = roundToTwoDecimals(r.MinTTFTMs)
	r.MaxTTFTMs = roundToTwoDecimals(r.MaxTTFTMs)
	r.AvgTotalTimeS = roundToTwoDecimals(r.AvgTotalTimeS)
	r.AvgTokensPerSecond = roundToTwoDecimals(r.AvgTokensPerSecond)
	r.AvgOutputTokens = roundToTwoDecimals(r.AvgOutputTokens)
	r.Variance.TTFTMs = roundToTwoDecimals(r.Variance.TTFTMs)
	r.Variance.TotalTimeS = roundToTwoDecimals(r.Variance.TotalTimeS)
	r.Variance.TokensPerSecond = roundToTwoDecimals(r.Variance.TokensPerSecond)
}

// Markdown renders the aggregated results as a table followed by the errors
// of failed calls.
func (report *BenchmarkReport) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "\nPrompt: %d chars | Max tokens: %d | Runs: %d | Duration: %.2fs\n\n",
		len(report.Prompt), report.MaxTokens, report.Runs, report.DurationS)
	b.WriteString("| Target | Context | Runs | Failures | Avg TTFT (ms) | Min TTFT (ms) | Max TTFT (ms) | Total Time (s) | Tokens/s | Output Tokens | Cost ($) |\n")
	b.WriteString("|--------|---------|------|----------|---------------|---------------|---------------|----------------|----------|---------------|----------|\n")
	for _, r := range report.Results {
		fmt.Fprintf(&b, "| %s | %d | %d | %d | %.2f | %.2f | %.2f | %.2f | %.2f | %.2f | %.6f |\n",
			r.Key(), r.ContextTokens, r.Runs, r.Failures,
			r.AvgTTFTMs, r.MinTTFTMs, r.MaxTTFTMs,
			r.AvgTotalTimeS, r.AvgTokensPerSecond, r.AvgOutputTokens, r.TotalCost)
	}

	var errs []string
	for _, r := range report.Results {
		for _, run := range r.Results {
			if !run.Success && run.Error != "" {
				errs = append(errs, fmt.Sprintf("- %s (context %d, run %d): %s", run.Key(), run.ContextTokens, run.Run, run.Error))
			}
		}
	}
	if len(errs) > 0 {
		b.WriteString("\nErrors:\n")
		b.WriteString(strings.Join(errs, "\n"))
		b.WriteString("\n")
	}
	if report.Cancelled {
		fmt.Fprintf(&b, "\nInterrupted: %d calls skipped\n", report.Skipped)
	}
	return b.String()
}
