// Package engine runs prompts against targets and measures them.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"llmbenchstudio/internal/api"
	"llmbenchstudio/internal/logging"
	"llmbenchstudio/internal/target"
)

// DefaultTimeout bounds one target call.
const DefaultTimeout = 2 * time.Minute

// DefaultFanOut bounds concurrent target calls within one job.
const DefaultFanOut = 8

// Request is one prompt to run against one target.
type Request struct {
	Prompt        string
	MaxTokens     int
	Temperature   float32
	ContextTokens int
	Timeout       time.Duration
	Run           int
	// OnChunk observes streamed content; optional.
	OnChunk api.ChunkFunc
}

// RunResult is one target x prompt x context size measurement. It is never
// modified after RunTarget returns it.
type RunResult struct {
	Provider        string    `json:"provider" yaml:"provider"`
	Model           string    `json:"model" yaml:"model"`
	DisplayName     string    `json:"displayName" yaml:"display-name"`
	ContextTokens   int       `json:"contextTokens" yaml:"context-tokens"`
	Run             int       `json:"run" yaml:"run"`
	StartedAt       time.Time `json:"startedAt" yaml:"started-at"`
	TTFTMs          float64   `json:"ttftMs" yaml:"ttft-ms"`
	TotalTimeS      float64   `json:"totalTimeS" yaml:"total-time-s"`
	OutputTokens    int       `json:"outputTokens" yaml:"output-tokens"`
	InputTokens     int       `json:"inputTokens" yaml:"input-tokens"`
	TokensPerSecond float64   `json:"tokensPerSecond" yaml:"tokens-per-second"`
	Cost            float64   `json:"cost" yaml:"cost"`
	Success         bool      `json:"success" yaml:"success"`
	Error           string    `json:"error,omitempty" yaml:"error,omitempty"`
	Skipped         bool      `json:"skipped,omitempty" yaml:"skipped,omitempty"`
}

// Key identifies the target the result belongs to.
func (r RunResult) Key() string {
	return r.Provider + "/" + r.Model
}

// Options configure an Engine.
type Options struct {
	Costs   target.CostTable
	Timeout time.Duration
	FanOut  int
	// Secrets are redacted from every error in addition to per-target keys.
	Secrets []string
	Client  api.ClientOptions
	Logger  *logging.Logger
}

// Engine issues completions. It is safe for concurrent use by many jobs.
type Engine struct {
	costs    target.CostTable
	timeout  time.Duration
	fanOut   int
	redactor *Redactor
	client   api.ClientOptions
	logger   *logging.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New returns an Engine with defaults applied.
func New(opts Options) *Engine {
	e := &Engine{
		costs:    opts.Costs,
		timeout:  opts.Timeout,
		fanOut:   opts.FanOut,
		redactor: NewRedactor(opts.Secrets...),
		client:   opts.Client,
		logger:   opts.Logger,
		limiters: map[string]*rate.Limiter{},
	}
	if e.timeout <= 0 {
		e.timeout = DefaultTimeout
	}
	if e.fanOut <= 0 {
		e.fanOut = DefaultFanOut
	}
	if e.logger == nil {
		e.logger = logging.AppLogger
	}
	return e
}

// Redactor returns the engine-wide redactor.
func (e *Engine) Redactor() *Redactor { return e.redactor }

// RunTarget streams one completion and measures it. Failures are reported on
// the result, never returned.
func (e *Engine) RunTarget(ctx context.Context, t target.Target, req Request) RunResult {
	res := RunResult{
		Provider:      t.Provider,
		Model:         t.Model,
		DisplayName:   t.Label(),
		ContextTokens: req.ContextTokens,
		Run:           req.Run,
		StartedAt:     time.Now().UTC(),
	}
	redactor := e.redactor.With(t.Secrets()...)
	log := e.logger.WithContext(&logging.LogContext{Provider: t.Provider, Model: t.Model, Operation: "run_target"})

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := e.pace(callCtx, t); err != nil {
		res.Error = FormatError(err, redactor)
		log.Warn("pacing wait aborted: %s", res.Error)
		return res
	}

	client := api.NewClient(t, e.client)
	stats, err := api.StreamChat(callCtx, client, e.chatRequest(t, req), req.OnChunk)
	res.TotalTimeS = stats.Elapsed.Seconds()
	if err != nil {
		res.Error = FormatError(err, redactor)
		log.Warn("completion failed after %.2fs: %s", res.TotalTimeS, res.Error)
		return res
	}

	res.Success = true
	if stats.FirstTokenSeen {
		res.TTFTMs = float64(stats.TTFT.Microseconds()) / 1000
	}
	res.OutputTokens = stats.CompletionTokens
	res.InputTokens = stats.PromptTokens
	if res.TotalTimeS > 0 {
		res.TokensPerSecond = float64(res.OutputTokens) / res.TotalTimeS
	}
	res.Cost = e.costs.Cost(t, res.InputTokens, res.OutputTokens)

	log.Debug("completed: ttft=%.0fms tokens=%d tps=%.2f", res.TTFTMs, res.OutputTokens, res.TokensPerSecond)
	return res
}

func (e *Engine) chatRequest(t target.Target, req Request) openai.ChatCompletionRequest {
	creq := openai.ChatCompletionRequest{
		Model:    t.Model,
		Messages: BuildMessages(t, req.Prompt, req.ContextTokens),
	}
	applySampling(&creq, t, req.MaxTokens, req.Temperature)
	if !t.Skips(target.ParamStreamUsage) {
		creq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return creq
}

// applySampling sets max tokens and temperature the way t accepts them.
func applySampling(creq *openai.ChatCompletionRequest, t target.Target, maxTokens int, temperature float32) {
	if t.MaxOutputTokens > 0 && (maxTokens <= 0 || maxTokens > t.MaxOutputTokens) {
		maxTokens = t.MaxOutputTokens
	}
	reasoning := api.IsReasoningModel(t.Model)
	if maxTokens > 0 {
		if reasoning || t.Skips(target.ParamMaxTokens) {
			creq.MaxCompletionTokens = maxTokens
		} else {
			creq.MaxTokens = maxTokens
		}
	}
	if !reasoning && !t.Skips(target.ParamTemperature) {
		creq.Temperature = temperature
	}
}

// pace waits on the provider's request budget when one is configured.
func (e *Engine) pace(ctx context.Context, t target.Target) error {
	if t.RequestsPerMinute <= 0 {
		return nil
	}
	e.mu.Lock()
	lim, ok := e.limiters[t.Provider]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(t.RequestsPerMinute)), 1)
		e.limiters[t.Provider] = lim
	}
	e.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return ErrTimeout
	}
	return nil
}
