package scoring

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var weatherSuite = Suite{
	Name: "weather",
	Tools: []ToolDef{
		{Name: "get_weather"},
		{Name: "get_location"},
	},
}

func weatherCase(mode MatchMode) Case {
	return Case{
		ID:             "paris",
		Prompt:         "What's the weather in Paris?",
		ExpectedTools:  []string{"get_weather"},
		ExpectedParams: map[string]any{"city": "Paris"},
		MatchMode:      mode,
		Category:       "simple",
	}
}

func TestScoreCaseCaseInsensitiveParams(t *testing.T) {
	resp := Response{ToolCalls: []RawToolCall{{Name: "get_weather", Arguments: `{"city":"paris"}`}}}

	res := ScoreCase(weatherCase(MatchCaseInsensitive), weatherSuite.KnownTools(), resp)

	assert.Equal(t, 1.0, res.ToolScore)
	require.NotNil(t, res.ParamScore)
	assert.Equal(t, 1.0, *res.ParamScore)
	assert.Equal(t, 1.0, res.OverallScore)
	assert.Equal(t, CompliancePass, res.FormatCompliance)
	assert.Equal(t, ErrorNone, res.ErrorType)
	assert.True(t, res.Passed)
}

func TestScoreCaseHallucinatedTool(t *testing.T) {
	known := weatherSuite.KnownTools()
	c := weatherCase(MatchCaseInsensitive)

	native := ScoreCase(c, known, Response{ToolCalls: []RawToolCall{{Name: "fetch_forecast", Arguments: `{"city":"Paris"}`}}})
	assert.Equal(t, ErrorToolHallucination, native.ErrorType)
	assert.Equal(t, CompliancePass, native.FormatCompliance)
	assert.Less(t, native.OverallScore, 1.0)

	none := ScoreCase(c, known, Response{Content: "I think you should use fetch_forecast."})
	assert.Equal(t, ComplianceFail, none.FormatCompliance)
	assert.Less(t, none.OverallScore, 1.0)
}

func TestScoreCaseParseFailureBeatsHallucination(t *testing.T) {
	res := ScoreCase(weatherCase(MatchExact), weatherSuite.KnownTools(),
		Response{ToolCalls: []RawToolCall{{Name: "fetch_forecast", Arguments: `{city: Paris`}}})

	assert.Equal(t, ErrorInvalidInvocation, res.ErrorType)
	assert.Equal(t, ComplianceFail, res.FormatCompliance)
}

func TestScoreCaseTransportFailure(t *testing.T) {
	res := ScoreCase(weatherCase(MatchExact), weatherSuite.KnownTools(), Response{Failed: true, Error: "[timeout] deadline"})
	assert.Equal(t, ErrorInvalidInvocation, res.ErrorType)
	assert.Equal(t, ComplianceFail, res.FormatCompliance)
	assert.False(t, res.Success)
	assert.Zero(t, res.OverallScore)
}

func TestScoreCaseWrongArguments(t *testing.T) {
	res := ScoreCase(weatherCase(MatchExact), weatherSuite.KnownTools(),
		Response{ToolCalls: []RawToolCall{{Name: "GET_WEATHER", Arguments: `{"city":"London"}`}}})

	assert.Equal(t, 1.0, res.ToolScore)
	assert.InDelta(t, 0.6, res.OverallScore, 1e-9)
	assert.Equal(t, ErrorArgumentHallucination, res.ErrorType)
}

func TestScoreCaseWrongKnownTool(t *testing.T) {
	res := ScoreCase(weatherCase(MatchExact), weatherSuite.KnownTools(),
		Response{ToolCalls: []RawToolCall{{Name: "get_location", Arguments: `{"city":"Paris"}`}}})
	assert.Equal(t, ErrorInvalidReasoning, res.ErrorType)
}

func TestScoreCaseAbstention(t *testing.T) {
	c := Case{ID: "chitchat", Prompt: "Tell me a joke", Category: "irrelevance"}

	res := ScoreCase(c, weatherSuite.KnownTools(), Response{Content: "Why did the chicken..."})
	assert.Equal(t, 1.0, res.ToolScore)
	assert.Equal(t, 1.0, res.AbstentionScore)
	assert.Equal(t, CompliancePass, res.FormatCompliance)
	assert.Nil(t, res.ParamScore)
	assert.Equal(t, ErrorNone, res.ErrorType)

	called := ScoreCase(c, weatherSuite.KnownTools(), Response{ToolCalls: []RawToolCall{{Name: "get_weather", Arguments: `{}`}}})
	assert.Zero(t, called.AbstentionScore)
	assert.Zero(t, called.ToolScore)
	assert.Equal(t, ErrorInvalidReasoning, called.ErrorType)
}

func TestAbstentionIsIndependentOfToolChoice(t *testing.T) {
	yes := true
	c := Case{ExpectedTools: []string{"get_weather"}, ShouldCallTool: &yes}
	res := ScoreCase(c, weatherSuite.KnownTools(), Response{ToolCalls: []RawToolCall{{Name: "get_location"}}})
	assert.Equal(t, 1.0, res.AbstentionScore)
	assert.Zero(t, res.ToolScore)
}

func TestToolSelectionScoreExpectedSet(t *testing.T) {
	assert.Equal(t, 1.0, ToolSelectionScore([]string{"search", "lookup"}, "LOOKUP"))
	assert.Equal(t, 0.0, ToolSelectionScore([]string{"search"}, ""))
	assert.Equal(t, 0.0, ToolSelectionScore(nil, "search"))
	assert.Equal(t, 1.0, ToolSelectionScore(nil, ""))
}

func TestScoreParamsModes(t *testing.T) {
	tests := []struct {
		name     string
		expected map[string]any
		actual   map[string]any
		mode     MatchMode
		eps      float64
		want     *float64
	}{
		{"not applicable", nil, map[string]any{"a": 1}, MatchExact, 0, nil},
		{"empty expected", map[string]any{}, nil, MatchExact, 0, ptr(1)},
		{"empty actual", map[string]any{"a": 1}, map[string]any{}, MatchExact, 0, ptr(0)},
		{"exact number vs float", map[string]any{"n": 3}, map[string]any{"n": 3.0}, MatchExact, 0, ptr(1)},
		{"exact string case", map[string]any{"s": "Paris"}, map[string]any{"s": "PARIS"}, MatchExact, 0, ptr(1)},
		{"contains either way", map[string]any{"q": "new york"}, map[string]any{"q": "New York City"}, MatchContains, 0, ptr(1)},
		{"contains reverse", map[string]any{"q": "New York City"}, map[string]any{"q": "york"}, MatchContains, 0, ptr(1)},
		{"tolerance default", map[string]any{"t": 21.5}, map[string]any{"t": 21.51}, MatchNumericTolerance, 0, ptr(1)},
		{"tolerance exceeded", map[string]any{"t": 21.5}, map[string]any{"t": 21.6}, MatchNumericTolerance, 0, ptr(0)},
		{"tolerance custom", map[string]any{"t": 21.5}, map[string]any{"t": "21.6"}, MatchNumericTolerance, 0.5, ptr(1)},
		{"regex", map[string]any{"date": `^\d{4}-\d{2}-\d{2}$`}, map[string]any{"date": "2024-05-01"}, MatchRegex, 0, ptr(1)},
		{"bad regex", map[string]any{"date": `(`}, map[string]any{"date": "("}, MatchRegex, 0, ptr(0)},
		{"partial", map[string]any{"a": "x", "b": "y"}, map[string]any{"A": "x", "b": "z"}, MatchExact, 0, ptr(0.5)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ScoreParams(tt.expected, tt.actual, tt.mode, tt.eps)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.InDelta(t, *tt.want, *got, 1e-9)
		})
	}
}

func TestExtractToolCallFallbacks(t *testing.T) {
	t.Run("json blob in name", func(t *testing.T) {
		ext := ExtractToolCall(Response{ToolCalls: []RawToolCall{{Name: `{"name":"get_weather","arguments":{"city":"Paris"}}`}}})
		require.True(t, ext.Usable())
		assert.True(t, ext.Normalized)
		assert.Equal(t, "get_weather", ext.Call.Name)
		assert.Equal(t, "Paris", ext.Call.Params["city"])
		assert.Equal(t, ComplianceNormalized, FormatCompliance(ext, true))
	})
	t.Run("lenient arguments", func(t *testing.T) {
		ext := ExtractToolCall(Response{ToolCalls: []RawToolCall{{Name: "get_weather", Arguments: "```json\n{'city': 'Paris',}\n```"}}})
		require.True(t, ext.Usable())
		assert.True(t, ext.Normalized)
		assert.Equal(t, "Paris", ext.Call.Params["city"])
	})
	t.Run("double encoded arguments", func(t *testing.T) {
		ext := ExtractToolCall(Response{ToolCalls: []RawToolCall{{Name: "get_weather", Arguments: `"{\"city\":\"Paris\"}"`}}})
		require.True(t, ext.Usable())
		assert.True(t, ext.Normalized)
	})
	t.Run("text content", func(t *testing.T) {
		ext := ExtractToolCall(Response{Content: `Sure! <tool_call>{"tool": "get_weather", "parameters": {"city": "Paris"}}</tool_call>`})
		require.True(t, ext.Usable())
		assert.False(t, ext.Native)
		assert.Equal(t, ComplianceNormalized, FormatCompliance(ext, true))
	})
	t.Run("openai style wrapper in text", func(t *testing.T) {
		ext := ExtractToolCall(Response{Content: `{"function": {"name": "get_weather", "arguments": "{\"city\":\"Paris\"}"}}`})
		require.True(t, ext.Usable())
		assert.Equal(t, "Paris", ext.Call.Params["city"])
	})
	t.Run("plain prose", func(t *testing.T) {
		ext := ExtractToolCall(Response{Content: "It is sunny in Paris."})
		assert.Nil(t, ext.Call)
		assert.Equal(t, ComplianceFail, FormatCompliance(ext, true))
		assert.Equal(t, CompliancePass, FormatCompliance(ext, false))
	})
	t.Run("native clean", func(t *testing.T) {
		ext := ExtractToolCall(Response{ToolCalls: []RawToolCall{{Name: "get_weather", Arguments: ""}}})
		require.True(t, ext.Usable())
		assert.Equal(t, CompliancePass, FormatCompliance(ext, true))
	})
}

func TestClassifyErrorPriority(t *testing.T) {
	known := map[string]bool{"a": true}
	pScore := 0.5

	assert.Equal(t, ErrorNone, ClassifyError(Signals{ToolScore: 1}, 1))
	assert.Equal(t, ErrorInvalidInvocation, ClassifyError(Signals{Failed: true}, 1), "failures are tagged even at a perfect score")
	assert.Equal(t, ErrorInvalidInvocation, ClassifyError(Signals{ParamsUnparsable: true, ActualTool: "zzz", KnownTools: known}, 0))
	assert.Equal(t, ErrorToolHallucination, ClassifyError(Signals{ActualTool: "zzz", KnownTools: known}, 0))
	assert.Equal(t, ErrorArgumentHallucination, ClassifyError(Signals{ActualTool: "a", KnownTools: known, ToolScore: 1, ParamScore: &pScore, MultiTurn: true, Rounds: 9, OptimalHops: 1}, 0.8))
	assert.Equal(t, ErrorReentrantFailure, ClassifyError(Signals{ActualTool: "a", KnownTools: known, MultiTurn: true, Rounds: 4, OptimalHops: 2}, 0.5))
	assert.Equal(t, ErrorPartialExecution, ClassifyError(Signals{ActualTool: "a", KnownTools: known, MultiTurn: true, Rounds: 1, OptimalHops: 2}, 0.5))
	assert.Equal(t, ErrorInvalidReasoning, ClassifyError(Signals{ActualTool: "a", KnownTools: known}, 0))
	assert.Equal(t, ErrorUnclassified, ClassifyError(Signals{ActualTool: "a", KnownTools: known, ToolScore: 1}, 0.9))
}

func TestErrorRulesOrder(t *testing.T) {
	want := []ErrorType{
		ErrorInvalidInvocation,
		ErrorToolHallucination,
		ErrorArgumentHallucination,
		ErrorReentrantFailure,
		ErrorPartialExecution,
		ErrorInvalidReasoning,
		ErrorUnclassified,
	}
	got := make([]ErrorType, len(ErrorRules))
	for i, r := range ErrorRules {
		got[i] = r.Type
	}
	assert.Equal(t, want, got)
}

func TestLoadSuite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "suite.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: weather
tools:
  - name: get_weather
    description: Current weather for a city
    parameters:
      type: object
      properties:
        city: {type: string}
cases:
  - prompt: Weather in Paris?
    expected_tools: [get_weather]
    expected_params: {city: Paris}
    match_mode: case_insensitive
    category: simple
  - id: joke
    prompt: Tell me a joke
    should_call_tool: false
`), 0o600))

	s, err := LoadSuite(path)
	require.NoError(t, err)
	require.Len(t, s.Cases, 2)
	assert.Equal(t, "case-1", s.Cases[0].ID)
	assert.Equal(t, MatchCaseInsensitive, s.Cases[0].MatchMode)
	assert.False(t, s.Cases[1].ExpectsCall())
	assert.True(t, s.KnownTools()["get_weather"])
}
