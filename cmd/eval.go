package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"llmbenchstudio/internal/engine"
	"llmbenchstudio/internal/scoring"
)

func runEval(ctx context.Context, eng *engine.Engine, spec engine.EvalSpec) *EvalReport {
	total := len(spec.Targets) * len(spec.Suite.Cases)
	bar := newProgressBar(total, fmt.Sprintf("Evaluating %q", spec.Suite.Name), "cases")

	started := time.Now()
	out := eng.RunEval(ctx, spec, engine.Hooks{
		OnEvalResult: func(r scoring.EvalResult, _ engine.Progress) {
			_ = bar.Add(1)
		},
	})
	_ = bar.Finish()
	_ = bar.Clear()
	_ = bar.Close()

	return &EvalReport{
		Suite:     spec.Suite.Name,
		Started:   started,
		DurationS: elapsedSince(started),
		Cancelled: out.Cancelled,
		Skipped:   out.Skipped,
		Summaries: out.Summaries,
		Results:   out.Results,
	}
}

func pct(f float64) float64 {
	return roundToTwoDecimals(f * 100)
}

// Markdown renders one row per model and the cases each model got wrong.
func (report *EvalReport) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "\nSuite: %s | Duration: %.2fs\n\n", report.Suite, report.DurationS)
	b.WriteString("| Target | Cases | Passed | Tool (%) | Params (%) | Overall (%) | Irrelevance (%) | PASS | NORMALIZED | FAIL |\n")
	b.WriteString("|--------|-------|--------|----------|------------|-------------|-----------------|------|------------|------|\n")
	for _, s := range report.Summaries {
		params, irrelevance := "-", "-"
		if s.AvgParamScore != nil {
			params = fmt.Sprintf("%.2f", pct(*s.AvgParamScore))
		}
		if s.IrrelevanceAccuracy != nil {
			irrelevance = fmt.Sprintf("%.2f", pct(*s.IrrelevanceAccuracy))
		}
		fmt.Fprintf(&b, "| %s | %d | %d | %.2f | %s | %.2f | %s | %d | %d | %d |\n",
			s.Key(), s.Cases, s.Passed, pct(s.AvgToolScore), params, pct(s.AvgOverall), irrelevance,
			s.FormatCompliance[scoring.CompliancePass],
			s.FormatCompliance[scoring.ComplianceNormalized],
			s.FormatCompliance[scoring.ComplianceFail])
	}

	var misses []string
	for _, r := range report.Results {
		if r.Skipped || r.Passed {
			continue
		}
		line := fmt.Sprintf("- %s %s: %s", r.Key(), r.CaseID, r.ErrorType)
		if r.ActualTool != "" {
			line += fmt.Sprintf(" (called %s)", r.ActualTool)
		}
		if r.Error != "" {
			line += ": " + r.Error
		}
		misses = append(misses, line)
	}
	if len(misses) > 0 {
		sort.Strings(misses)
		b.WriteString("\nMisses:\n")
		b.WriteString(strings.Join(misses, "\n"))
		b.WriteString("\n")
	}
	if report.Cancelled {
		fmt.Fprintf(&b, "\nInterrupted: %d cases skipped\n", report.Skipped)
	}
	return b.String()
}
