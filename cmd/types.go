package main

import (
	"time"

	"llmbenchstudio/internal/aggregate"
	"llmbenchstudio/internal/scoring"
)

type BenchmarkReport struct {
	Prompt       string                       `json:"prompt" yaml:"prompt"`
	MaxTokens    int                          `json:"max_tokens" yaml:"max-tokens"`
	Runs         int                          `json:"runs" yaml:"runs"`
	ContextSizes []int                        `json:"context_sizes" yaml:"context-sizes"`
	Started      time.Time                    `json:"started" yaml:"started"`
	DurationS    float64                      `json:"duration_s" yaml:"duration-s"`
	Cancelled    bool                         `json:"cancelled,omitempty" yaml:"cancelled,omitempty"`
	Skipped      int                          `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Results      []aggregate.AggregatedResult `json:"results" yaml:"results"`
}

type EvalReport struct {
	Suite     string                 `json:"suite" yaml:"suite"`
	Started   time.Time              `json:"started" yaml:"started"`
	DurationS float64                `json:"duration_s" yaml:"duration-s"`
	Cancelled bool                   `json:"cancelled,omitempty" yaml:"cancelled,omitempty"`
	Skipped   int                    `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Summaries []scoring.ModelSummary `json:"summaries" yaml:"summaries"`
	Results   []scoring.EvalResult   `json:"results" yaml:"results"`
}
