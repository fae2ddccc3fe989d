package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/sync/errgroup"

	"llmbenchstudio/internal/api"
	"llmbenchstudio/internal/logging"
	"llmbenchstudio/internal/scoring"
	"llmbenchstudio/internal/target"
)

// DefaultMaxRounds bounds a multi-turn chain when the case sets no limit.
const DefaultMaxRounds = 5

var defaultMockResponse = map[string]any{"status": "ok"}

// EvalSpec describes a tool-calling evaluation job.
type EvalSpec struct {
	JobID       string
	Targets     []target.Target
	Suite       scoring.Suite
	MaxTokens   int
	Temperature float32
	Timeout     time.Duration
	Cancelled   func() bool
}

// EvalOutcome holds every scored case and the per-model summaries.
type EvalOutcome struct {
	Results   []scoring.EvalResult   `json:"results"`
	Summaries []scoring.ModelSummary `json:"summaries"`
	Cancelled bool                   `json:"cancelled"`
	Ran       int                    `json:"ran"`
	Skipped   int                    `json:"skipped"`
}

// RunEval runs every case of the suite against every target with the same
// fan-out and cancellation rules as RunBenchmark.
func (e *Engine) RunEval(ctx context.Context, spec EvalSpec, hooks Hooks) EvalOutcome {
	type evalItem struct {
		target target.Target
		c      scoring.Case
	}
	var items []evalItem
	for _, c := range spec.Suite.Cases {
		for _, t := range spec.Targets {
			items = append(items, evalItem{target: t, c: c})
		}
	}

	known := spec.Suite.KnownTools()
	tools := openAITools(spec.Suite.Tools)

	log := e.logger.WithContext(&logging.LogContext{JobID: spec.JobID, Operation: "eval"})
	log.Info("starting suite %q: %d cases x %d targets", spec.Suite.Name, len(spec.Suite.Cases), len(spec.Targets))

	results := make([]scoring.EvalResult, len(items))
	var (
		mu   sync.Mutex
		done int
	)
	report := func(i int, r scoring.EvalResult) {
		mu.Lock()
		defer mu.Unlock()
		results[i] = r
		done++
		if hooks.OnEvalResult != nil {
			hooks.OnEvalResult(r, Progress{Completed: done, Total: len(items)})
		}
	}

	g := new(errgroup.Group)
	g.SetLimit(e.fanOut)

	out := EvalOutcome{}
	for i, item := range items {
		if isCancelled(ctx, spec.Cancelled) {
			out.Cancelled = true
			for j := i; j < len(items); j++ {
				report(j, scoring.EvalResult{
					CaseID:         items[j].c.ID,
					Category:       items[j].c.Category,
					Provider:       items[j].target.Provider,
					Model:          items[j].target.Model,
					DisplayName:    items[j].target.Label(),
					ShouldCallTool: items[j].c.ExpectsCall(),
					Skipped:        true,
				})
			}
			break
		}
		g.Go(func() error {
			report(i, e.RunCase(ctx, item.target, spec, tools, known, item.c))
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
	out.Summaries = scoring.SummarizeByModel(results)
	log.Info("suite %q finished: %d scored, %d skipped", spec.Suite.Name, out.Ran, out.Skipped)
	return out
}

// RunCase issues one case against one target and scores it.
func (e *Engine) RunCase(ctx context.Context, t target.Target, spec EvalSpec, tools []openai.Tool, known map[string]bool, c scoring.Case) scoring.EvalResult {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	redactor := e.redactor.With(t.Secrets()...)
	client := api.NewClient(t, e.client)

	req := openai.ChatCompletionRequest{
		Model:    t.Model,
		Messages: BuildMessages(withToolPrompt(t, tools), c.Prompt, 0),
	}
	applySampling(&req, t, spec.MaxTokens, spec.Temperature)
	if !t.Skips(target.ParamTools) {
		req.Tools = tools
		if !t.Skips(target.ParamToolChoice) {
			req.ToolChoice = "auto"
		}
	}

	var res scoring.EvalResult
	var latency time.Duration
	if c.MultiTurn != nil {
		chain, resp, elapsed := e.runChain(callCtx, client, t, req, c, redactor)
		latency = elapsed
		res = scoring.ScoreMultiTurnCase(c, known, chain, resp)
	} else {
		resp, elapsed := e.complete(callCtx, client, t, req, redactor)
		latency = elapsed
		res = scoring.ScoreCase(c, known, resp)
	}

	res.Provider = t.Provider
	res.Model = t.Model
	res.DisplayName = t.Label()
	res.LatencyMs = float64(latency.Microseconds()) / 1000
	if res.Error != "" {
		e.logger.WarnWithContext(&logging.LogContext{JobID: spec.JobID, Provider: t.Provider, Model: t.Model, Operation: "eval_case"},
			"case %s failed: %s", c.ID, res.Error)
	}
	return res
}

func (e *Engine) complete(ctx context.Context, client *openai.Client, t target.Target, req openai.ChatCompletionRequest, redactor *Redactor) (scoring.Response, time.Duration) {
	if err := e.pace(ctx, t); err != nil {
		return scoring.Response{Failed: true, Error: FormatError(err, redactor)}, 0
	}
	tc, err := api.CompleteWithTools(ctx, client, req)
	if err != nil {
		return scoring.Response{Failed: true, Error: FormatError(err, redactor)}, tc.Latency
	}
	return responseFromMessage(tc.Message), tc.Latency
}

// runChain keeps feeding mock tool results back until the model calls an
// expected tool, stops calling tools, or runs out of rounds.
func (e *Engine) runChain(ctx context.Context, client *openai.Client, t target.Target, req openai.ChatCompletionRequest, c scoring.Case, redactor *Redactor) ([]scoring.Extraction, scoring.Response, time.Duration) {
	maxRounds := c.MultiTurn.MaxRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}

	var (
		chain   []scoring.Extraction
		last    scoring.Response
		elapsed time.Duration
	)
	for round := 0; round < maxRounds; round++ {
		if err := e.pace(ctx, t); err != nil {
			return chain, scoring.Response{Failed: true, Error: FormatError(err, redactor)}, elapsed
		}
		tc, err := api.CompleteWithTools(ctx, client, req)
		elapsed += tc.Latency
		if err != nil {
			return chain, scoring.Response{Failed: true, Error: FormatError(err, redactor)}, elapsed
		}
		last = responseFromMessage(tc.Message)
		if len(tc.Message.ToolCalls) == 0 {
			// A text-only turn may still carry a recoverable call.
			if ext := scoring.ExtractToolCall(last); ext.Usable() {
				chain = append(chain, ext)
			}
			break
		}

		calls := scoring.ExtractChain(last.ToolCalls)
		chain = append(chain, calls...)

		req.Messages = append(req.Messages, tc.Message)
		for _, call := range tc.Message.ToolCalls {
			req.Messages = append(req.Messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    mockResult(c.MultiTurn.MockResponses, call.Function.Name),
				ToolCallID: call.ID,
				Name:       call.Function.Name,
			})
		}

		if reachedExpected(calls, c.ExpectedTools) {
			break
		}
	}
	return chain, last, elapsed
}

func reachedExpected(calls []scoring.Extraction, expected []string) bool {
	for _, ext := range calls {
		if scoring.ToolSelectionScore(expected, ext.Call.Name) == 1.0 && len(expected) > 0 {
			return true
		}
	}
	return false
}

func mockResult(mocks map[string]any, tool string) string {
	v, ok := mocks[tool]
	if !ok {
		for k, m := range mocks {
			if strings.EqualFold(k, tool) {
				v, ok = m, true
				break
			}
		}
	}
	if !ok {
		v = defaultMockResponse
	}
	if s, isString := v.(string); isString {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return `{"status":"ok"}`
	}
	return string(b)
}

func responseFromMessage(msg openai.ChatCompletionMessage) scoring.Response {
	resp := scoring.Response{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, scoring.RawToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return resp
}

func openAITools(defs []scoring.ToolDef) []openai.Tool {
	tools := make([]openai.Tool, 0, len(defs))
	for _, d := range defs {
		params := d.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  params,
			},
		})
	}
	return tools
}

// withToolPrompt describes the tools in the system prompt for targets that
// refuse the tools parameter, asking for a JSON reply instead.
func withToolPrompt(t target.Target, tools []openai.Tool) target.Target {
	if !t.Skips(target.ParamTools) || len(tools) == 0 {
		return t
	}
	var b strings.Builder
	b.WriteString("You can call these tools. To call one, reply with only a JSON object ")
	b.WriteString(`{"name": "<tool>", "arguments": {...}}` + ". If no tool applies, answer normally.\n")
	for _, tool := range tools {
		schema, _ := json.Marshal(tool.Function.Parameters)
		fmt.Fprintf(&b, "- %s: %s parameters=%s\n", tool.Function.Name, tool.Function.Description, schema)
	}
	out := t
	if out.SystemPrompt != "" {
		out.SystemPrompt += "\n\n" + b.String()
	} else {
		out.SystemPrompt = b.String()
	}
	return out
}
