package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"llmbenchstudio/internal/api"
	"llmbenchstudio/internal/config"
	"llmbenchstudio/internal/engine"
	"llmbenchstudio/internal/logging"
	"llmbenchstudio/internal/scoring"
)

const (
	defaultPrompt = "Write a long story, no less than 10,000 words, starting from a long, long time ago."
)

func main() {
	configPath := pflag.StringP("config", "c", os.Getenv("CONFIG_PATH"), "Path to the YAML configuration (default: benchmark.yaml or config.yaml)")
	targets := pflag.StringSliceP("targets", "m", nil, "Comma-separated provider/model targets (default: every configured target)")
	prompt := pflag.StringP("prompt", "p", defaultPrompt, "Prompt to be used for generating responses")
	maxTokens := pflag.IntP("max-tokens", "t", 512, "Maximum number of tokens to generate")
	temperature := pflag.Float32("temperature", 0.7, "Sampling temperature")
	runs := pflag.IntP("runs", "r", 1, "Number of runs per target and context size")
	contextTokens := pflag.IntSlice("context-tokens", []int{0}, "Comma-separated filler context sizes in tokens")
	timeout := pflag.Duration("timeout", engine.DefaultTimeout, "Timeout for a single call")
	fanOut := pflag.Int("fan-out", 0, "Maximum concurrent calls (default from config)")
	suitePath := pflag.StringP("suite", "s", "", "Run a tool-calling evaluation suite (YAML) instead of a benchmark")
	format := pflag.StringP("format", "f", "", "Output format: json or yaml (default: markdown table)")
	listTargets := pflag.Bool("list-targets", false, "List configured targets and exit")
	help := pflag.BoolP("help", "h", false, "Show this help message")
	insecureSkipTLSVerify := pflag.Bool("insecure-skip-tls-verify", false, "Skip TLS certificate verification. Use with caution, this is insecure.")
	pflag.Parse()

	if *help {
		fmt.Printf("Usage of %s:\n", os.Args[0])
		pflag.PrintDefaults()
		os.Exit(0)
	}
	if *format != "" && *format != "json" && *format != "yaml" {
		log.Fatalf("Invalid --format %q: expected json or yaml", *format)
	}

	// Progress bars own the terminal; keep library logging to warnings.
	logging.AppLogger = logging.NewLoggerWithWriters(os.Stderr, os.Stderr, logging.WARN, false)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}

	if *listTargets {
		for _, t := range cfg.Targets() {
			fmt.Printf("%s\t%s\n", t.Key(), t.Label())
		}
		return
	}

	selected, err := cfg.ResolveTargets(*targets)
	if err != nil {
		log.Fatalf("Error resolving targets: %v", err)
	}
	if len(selected) == 0 {
		log.Fatalf("No targets configured; add providers to the configuration or set MODEL1_* variables")
	}

	if *insecureSkipTLSVerify {
		fmt.Fprintln(os.Stderr, "\n/!\\ WARNING: Skipping TLS certificate verification. This is insecure and should not be used in production. /!\\")
	}
	if *fanOut <= 0 {
		*fanOut = cfg.Execution.FanOut
	}
	eng := engine.New(engine.Options{
		Costs:   cfg.Pricing,
		Timeout: *timeout,
		FanOut:  *fanOut,
		Secrets: cfg.Secrets(),
		Client:  api.ClientOptions{InsecureSkipVerify: *insecureSkipTLSVerify},
	})

	// Ctrl-C lets calls in flight finish and skips the rest.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *suitePath != "" {
		suite, err := scoring.LoadSuite(*suitePath)
		if err != nil {
			log.Fatalf("Error loading suite: %v", err)
		}
		report := runEval(ctx, eng, engine.EvalSpec{
			JobID:       "cli",
			Targets:     selected,
			Suite:       suite,
			MaxTokens:   *maxTokens,
			Temperature: *temperature,
			Timeout:     *timeout,
		})
		if err := emit(report, *format, report.Markdown); err != nil {
			log.Fatalf("Error writing report: %v", err)
		}
		return
	}

	if *runs <= 0 {
		log.Fatalf("--runs must be at least 1")
	}
	if *runs > cfg.Limits.RunsPerBenchmark {
		log.Fatalf("--runs %d exceeds the configured limit of %d", *runs, cfg.Limits.RunsPerBenchmark)
	}
	report := runBenchmark(ctx, eng, engine.BenchmarkSpec{
		JobID:        "cli",
		Targets:      selected,
		Prompt:       *prompt,
		MaxTokens:    *maxTokens,
		Temperature:  *temperature,
		ContextSizes: *contextTokens,
		Runs:         *runs,
		Timeout:      *timeout,
	})
	if err := emit(report, *format, report.Markdown); err != nil {
		log.Fatalf("Error writing report: %v", err)
	}
}

type formattable interface {
	Json() (string, error)
	Yaml() (string, error)
}

func emit(report formattable, format string, markdown func() string) error {
	var (
		out string
		err error
	)
	switch format {
	case "json":
		out, err = report.Json()
	case "yaml":
		out, err = report.Yaml()
	default:
		out = markdown()
	}
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

func elapsedSince(start time.Time) float64 {
	return roundToTwoDecimals(time.Since(start).Seconds())
}
