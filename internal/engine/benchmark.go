package engine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"llmbenchstudio/internal/logging"
	"llmbenchstudio/internal/scoring"
	"llmbenchstudio/internal/target"
)

// Progress counts finished work items in a job.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// Hooks observe a job as it runs. Calls are serialized; callbacks must not
// block for long.
type Hooks struct {
	OnResult     func(RunResult, Progress)
	OnEvalResult func(scoring.EvalResult, Progress)
}

// BenchmarkSpec describes a benchmark job.
type BenchmarkSpec struct {
	JobID        string
	Targets      []target.Target
	Prompt       string
	MaxTokens    int
	Temperature  float32
	ContextSizes []int
	Runs         int
	Timeout      time.Duration
	// Cancelled is polled before each dispatch; nil means never.
	Cancelled func() bool
}

// BenchmarkOutcome holds every result of a job, skipped work included.
type BenchmarkOutcome struct {
	Results   []RunResult `json:"results"`
	Cancelled bool        `json:"cancelled"`
	Ran       int         `json:"ran"`
	Skipped   int         `json:"skipped"`
}

type benchItem struct {
	target        target.Target
	contextTokens int
	run           int
}

// RunBenchmark runs every target for every context size and run count with
// bounded fan-out. Cancellation is checked between dispatches only, so calls
// already started finish and everything not yet dispatched is reported as
// skipped.
func (e *Engine) RunBenchmark(ctx context.Context, spec BenchmarkSpec, hooks Hooks) BenchmarkOutcome {
	sizes := spec.ContextSizes
	if len(sizes) == 0 {
		sizes = []int{0}
	}
	runs := spec.Runs
	if runs <= 0 {
		runs = 1
	}

	var items []benchItem
	for _, size := range sizes {
		for run := 1; run <= runs; run++ {
			for _, t := range spec.Targets {
				items = append(items, benchItem{target: t, contextTokens: size, run: run})
			}
		}
	}

	log := e.logger.WithContext(&logging.LogContext{JobID: spec.JobID, Operation: "benchmark"})
	log.Info("starting %d calls across %d targets (fan-out %d)", len(items), len(spec.Targets), e.fanOut)

	results := make([]RunResult, len(items))
	var (
		mu   sync.Mutex
		done int
	)
	report := func(i int, r RunResult) {
		mu.Lock()
		defer mu.Unlock()
		results[i] = r
		done++
		if hooks.OnResult != nil {
			hooks.OnResult(r, Progress{Completed: done, Total: len(items)})
		}
	}

	g := new(errgroup.Group)
	g.SetLimit(e.fanOut)

	out := BenchmarkOutcome{}
	for i, item := range items {
		if isCancelled(ctx, spec.Cancelled) {
			out.Cancelled = true
			for j := i; j < len(items); j++ {
				report(j, skippedResult(items[j]))
			}
			break
		}
		g.Go(func() error {
			report(i, e.RunTarget(ctx, item.target, Request{
				Prompt:        spec.Prompt,
				MaxTokens:     spec.MaxTokens,
				Temperature:   spec.Temperature,
				ContextTokens: item.contextTokens,
				Timeout:       spec.Timeout,
				Run:           item.run,
			}))
			return nil
		})
	}
	_ = g.Wait()

	out.Results = results
	for _, r := range results {
		if r.Skipped {
			out.Skipped++
		} else {
			out.Ran++
		}
	}
	if out.Cancelled {
		log.Info("cancelled: %d calls ran, %d skipped", out.Ran, out.Skipped)
	} else {
		log.Info("finished %d calls", out.Ran)
	}
	return out
}

func skippedResult(item benchItem) RunResult {
	return RunResult{
		Provider:      item.target.Provider,
		Model:         item.target.Model,
		DisplayName:   item.target.Label(),
		ContextTokens: item.contextTokens,
		Run:           item.run,
		Skipped:       true,
	}
}

func isCancelled(ctx context.Context, cancelled func() bool) bool {
	if ctx.Err() != nil {
		return true
	}
	return cancelled != nil && cancelled()
}
