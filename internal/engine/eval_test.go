package engine

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmbenchstudio/internal/scoring"
	"llmbenchstudio/internal/target"
)

func toolCallCompletion(name, args string) string {
	return fmt.Sprintf(`{"id":"x","object":"chat.completion","created":1,"model":"m","choices":[{"index":0,"finish_reason":"tool_calls","message":{"role":"assistant","content":"","tool_calls":[{"id":"call_%s","type":"function","function":{"name":%q,"arguments":%q}}]}}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`, name, name, args)
}

func textCompletion(content string) string {
	return fmt.Sprintf(`{"id":"x","object":"chat.completion","created":1,"model":"m","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":%q}}]}`, content)
}

var weatherSuite = scoring.Suite{
	Name: "weather",
	Tools: []scoring.ToolDef{
		{Name: "get_weather", Description: "Weather for a city"},
		{Name: "get_location", Description: "Resolve the user's city"},
	},
	Cases: []scoring.Case{
		{
			ID:             "paris",
			Prompt:         "Weather in Paris?",
			ExpectedTools:  []string{"get_weather"},
			ExpectedParams: map[string]any{"city": "Paris"},
			MatchMode:      scoring.MatchCaseInsensitive,
			Category:       "simple",
		},
		{ID: "joke", Prompt: "Tell me a joke", Category: "irrelevance"},
	},
}

func TestRunEvalSingleTurn(t *testing.T) {
	fp, srv := newFakeProvider(t, func(w http.ResponseWriter, body map[string]any) {
		w.Header().Set("Content-Type", "application/json")
		msgs := body["messages"].([]any)
		prompt := msgs[len(msgs)-1].(map[string]any)["content"].(string)
		if strings.Contains(prompt, "Paris") {
			fmt.Fprint(w, toolCallCompletion("get_weather", `{"city":"paris"}`))
			return
		}
		fmt.Fprint(w, textCompletion("Why did the gopher cross the road?"))
	})

	var seen int
	out := quietEngine(Options{}).RunEval(context.Background(), EvalSpec{
		Targets: []target.Target{testTarget(srv)},
		Suite:   weatherSuite,
	}, Hooks{OnEvalResult: func(scoring.EvalResult, Progress) { seen++ }})

	require.Len(t, out.Results, 2)
	assert.Equal(t, 2, seen)
	for _, r := range out.Results {
		assert.Equal(t, "fake", r.Provider)
		assert.True(t, r.Passed, "%s: %+v", r.CaseID, r)
		assert.Equal(t, scoring.CompliancePass, r.FormatCompliance)
	}

	body := fp.last()
	assert.Len(t, body["tools"], 2)
	assert.Equal(t, "auto", body["tool_choice"])
	assert.NotContains(t, body, "stream")

	require.Len(t, out.Summaries, 1)
	assert.Equal(t, 2, out.Summaries[0].Passed)
	assert.Equal(t, 1.0, *out.Summaries[0].IrrelevanceAccuracy)
}

func TestRunEvalWithoutToolsParamNormalizes(t *testing.T) {
	fp, srv := newFakeProvider(t, func(w http.ResponseWriter, _ map[string]any) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, textCompletion("```json\n{\"name\": \"get_weather\", \"arguments\": {\"city\": \"Paris\"}}\n```"))
	})
	tg := testTarget(srv)
	tg.SkipParams = []string{"tools"}

	out := quietEngine(Options{}).RunEval(context.Background(), EvalSpec{
		Targets: []target.Target{tg},
		Suite:   scoring.Suite{Tools: weatherSuite.Tools, Cases: weatherSuite.Cases[:1]},
	}, Hooks{})

	r := out.Results[0]
	assert.Equal(t, scoring.ComplianceNormalized, r.FormatCompliance)
	assert.Equal(t, 1.0, r.OverallScore)

	body := fp.last()
	assert.NotContains(t, body, "tools")
	system := body["messages"].([]any)[0].(map[string]any)["content"].(string)
	assert.Contains(t, system, "get_weather")
}

func TestRunEvalMultiTurnFeedsMockResults(t *testing.T) {
	fp, srv := newFakeProvider(t, func(w http.ResponseWriter, body map[string]any) {
		w.Header().Set("Content-Type", "application/json")
		msgs := body["messages"].([]any)
		last := msgs[len(msgs)-1].(map[string]any)
		if last["role"] == "tool" {
			fmt.Fprint(w, toolCallCompletion("get_weather", `{"city":"Lyon"}`))
			return
		}
		fmt.Fprint(w, toolCallCompletion("get_location", `{}`))
	})

	c := scoring.Case{
		ID:             "where-am-i",
		Prompt:         "What's the weather where I am?",
		ExpectedTools:  []string{"get_weather"},
		ExpectedParams: map[string]any{"city": "Lyon"},
		MultiTurn: &scoring.MultiTurnSpec{
			OptimalHops:        2,
			ValidPrerequisites: []string{"get_location"},
			MockResponses:      map[string]any{"get_location": map[string]any{"city": "Lyon"}},
		},
	}

	out := quietEngine(Options{}).RunEval(context.Background(), EvalSpec{
		Targets: []target.Target{testTarget(srv)},
		Suite:   scoring.Suite{Tools: weatherSuite.Tools, Cases: []scoring.Case{c}},
	}, Hooks{})

	r := out.Results[0]
	require.NotNil(t, r.MultiTurn)
	assert.Equal(t, 2, r.MultiTurn.Hops)
	assert.Equal(t, 1.0, r.MultiTurn.Composite)
	assert.Equal(t, scoring.ErrorNone, r.ErrorType)
	assert.Len(t, fp.requests, 2)

	msgs := fp.last()["messages"].([]any)
	toolMsg := msgs[len(msgs)-1].(map[string]any)
	assert.Equal(t, `{"city":"Lyon"}`, toolMsg["content"])
	assert.Equal(t, "call_get_location", toolMsg["tool_call_id"])
}

func TestRunEvalMultiTurnStopsAtMaxRounds(t *testing.T) {
	_, srv := newFakeProvider(t, func(w http.ResponseWriter, _ map[string]any) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, toolCallCompletion("get_location", `{}`))
	})
	c := scoring.Case{
		ID:            "loop",
		ExpectedTools: []string{"get_weather"},
		MultiTurn:     &scoring.MultiTurnSpec{OptimalHops: 2, MaxRounds: 4, ValidPrerequisites: []string{"get_location"}},
	}

	out := quietEngine(Options{}).RunEval(context.Background(), EvalSpec{
		Targets: []target.Target{testTarget(srv)},
		Suite:   scoring.Suite{Tools: weatherSuite.Tools, Cases: []scoring.Case{c}},
	}, Hooks{})

	r := out.Results[0]
	assert.Equal(t, 4, r.MultiTurn.Hops)
	assert.Equal(t, scoring.ErrorReentrantFailure, r.ErrorType)
}

func TestRunEvalMultiTurnGradesHowCallsWereParsed(t *testing.T) {
	for _, tc := range []struct {
		args       string
		compliance scoring.Compliance
		errorType  scoring.ErrorType
	}{
		{`"{\"city\": \"Paris\"}"`, scoring.ComplianceNormalized, scoring.ErrorNone},
		{"not json at all", scoring.ComplianceFail, scoring.ErrorInvalidInvocation},
	} {
		t.Run(tc.args, func(t *testing.T) {
			_, srv := newFakeProvider(t, func(w http.ResponseWriter, _ map[string]any) {
				w.Header().Set("Content-Type", "application/json")
				fmt.Fprint(w, toolCallCompletion("get_weather", tc.args))
			})
			c := scoring.Case{
				ID:             "paris-chain",
				Prompt:         "Weather in Paris?",
				ExpectedTools:  []string{"get_weather"},
				ExpectedParams: map[string]any{"city": "Paris"},
				MultiTurn:      &scoring.MultiTurnSpec{OptimalHops: 1},
			}

			out := quietEngine(Options{}).RunEval(context.Background(), EvalSpec{
				Targets: []target.Target{testTarget(srv)},
				Suite:   scoring.Suite{Tools: weatherSuite.Tools, Cases: []scoring.Case{c}},
			}, Hooks{})

			r := out.Results[0]
			require.NotNil(t, r.MultiTurn)
			assert.Equal(t, 1, r.MultiTurn.Hops)
			assert.Equal(t, tc.compliance, r.FormatCompliance)
			assert.Equal(t, tc.errorType, r.ErrorType)
		})
	}
}

func TestRunEvalProviderFailure(t *testing.T) {
	_, srv := newFakeProvider(t, func(w http.ResponseWriter, _ map[string]any) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"Incorrect API key provided: sk-supersecretvalue123"}}`)
	})

	out := quietEngine(Options{}).RunEval(context.Background(), EvalSpec{
		Targets: []target.Target{testTarget(srv)},
		Suite:   scoring.Suite{Tools: weatherSuite.Tools, Cases: weatherSuite.Cases[:1]},
	}, Hooks{})

	r := out.Results[0]
	assert.False(t, r.Success)
	assert.Equal(t, scoring.ErrorInvalidInvocation, r.ErrorType)
	assert.True(t, strings.HasPrefix(r.Error, "[auth_failed]"))
	assert.NotContains(t, r.Error, "sk-supersecretvalue123")
}

func TestMockResult(t *testing.T) {
	assert.Equal(t, `{"status":"ok"}`, mockResult(nil, "anything"))
	assert.Equal(t, "plain", mockResult(map[string]any{"Lookup": "plain"}, "lookup"))
}
