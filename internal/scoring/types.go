// Package scoring grades tool-calling responses against expected calls.
//
// Every function here is pure and total: malformed or missing input degrades
// to FAIL / unclassified results, never to an error.
package scoring

import (
	"fmt"
	"os"
	"strings"

	"go.yaml.in/yaml/v4"
)

// MatchMode selects how expected and actual parameter values are compared.
type MatchMode string

const (
	MatchExact            MatchMode = "exact"
	MatchCaseInsensitive  MatchMode = "case_insensitive"
	MatchContains         MatchMode = "contains"
	MatchNumericTolerance MatchMode = "numeric_tolerance"
	MatchRegex            MatchMode = "regex"
)

// DefaultEpsilon is the numeric_tolerance bound when a case sets none.
const DefaultEpsilon = 0.01

// Compliance is the format-compliance grade of a response.
type Compliance string

const (
	CompliancePass       Compliance = "PASS"
	ComplianceNormalized Compliance = "NORMALIZED"
	ComplianceFail       Compliance = "FAIL"
)

// ErrorType is the error taxonomy tag. ErrorNone marks a fully correct case.
type ErrorType string

const (
	ErrorNone                  ErrorType = ""
	ErrorInvalidInvocation     ErrorType = "invalid_invocation"
	ErrorToolHallucination     ErrorType = "tool_hallucination"
	ErrorArgumentHallucination ErrorType = "argument_hallucination"
	ErrorReentrantFailure      ErrorType = "reentrant_failure"
	ErrorPartialExecution      ErrorType = "partial_execution"
	ErrorInvalidReasoning      ErrorType = "invalid_reasoning"
	ErrorUnclassified          ErrorType = "unclassified"
)

// ToolDef is a function exposed to the model.
type ToolDef struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// MultiTurnSpec describes a case solved by a chain of calls.
type MultiTurnSpec struct {
	OptimalHops        int            `json:"optimalHops" yaml:"optimal_hops"`
	ValidPrerequisites []string       `json:"validPrerequisites,omitempty" yaml:"valid_prerequisites,omitempty"`
	MaxRounds          int            `json:"maxRounds,omitempty" yaml:"max_rounds,omitempty"`
	MockResponses      map[string]any `json:"mockResponses,omitempty" yaml:"mock_responses,omitempty"`
}

// Case is one prompt with its expected tool invocation. Empty ExpectedTools
// means the model should not call any tool. Nil ExpectedParams means the
// parameter axis does not apply.
type Case struct {
	ID             string         `json:"id" yaml:"id"`
	Prompt         string         `json:"prompt" yaml:"prompt"`
	ExpectedTools  []string       `json:"expectedTools,omitempty" yaml:"expected_tools,omitempty"`
	ExpectedParams map[string]any `json:"expectedParams,omitempty" yaml:"expected_params,omitempty"`
	ShouldCallTool *bool          `json:"shouldCallTool,omitempty" yaml:"should_call_tool,omitempty"`
	MatchMode      MatchMode      `json:"matchMode,omitempty" yaml:"match_mode,omitempty"`
	Epsilon        float64        `json:"epsilon,omitempty" yaml:"epsilon,omitempty"`
	Category       string         `json:"category,omitempty" yaml:"category,omitempty"`
	MultiTurn      *MultiTurnSpec `json:"multiTurn,omitempty" yaml:"multi_turn,omitempty"`
}

// ExpectsCall reports whether the model is supposed to call a tool.
func (c Case) ExpectsCall() bool {
	if c.ShouldCallTool != nil {
		return *c.ShouldCallTool
	}
	return len(c.ExpectedTools) > 0
}

func (c Case) epsilon() float64 {
	if c.Epsilon > 0 {
		return c.Epsilon
	}
	return DefaultEpsilon
}

func (c Case) mode() MatchMode {
	if c.MatchMode == "" {
		return MatchExact
	}
	return c.MatchMode
}

// Suite is a named set of cases sharing one tool palette.
type Suite struct {
	Name  string    `json:"name" yaml:"name"`
	Tools []ToolDef `json:"tools" yaml:"tools"`
	Cases []Case    `json:"cases" yaml:"cases"`
}

// KnownTools returns the lower-cased names of every tool the suite offers,
// including tools referenced only as expectations or prerequisites.
func (s Suite) KnownTools() map[string]bool {
	known := make(map[string]bool, len(s.Tools))
	for _, t := range s.Tools {
		known[strings.ToLower(t.Name)] = true
	}
	for _, c := range s.Cases {
		for _, name := range c.ExpectedTools {
			known[strings.ToLower(name)] = true
		}
		if c.MultiTurn != nil {
			for _, name := range c.MultiTurn.ValidPrerequisites {
				known[strings.ToLower(name)] = true
			}
		}
	}
	return known
}

// LoadSuite reads a YAML suite file.
func LoadSuite(path string) (Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Suite{}, fmt.Errorf("read suite %s: %w", path, err)
	}
	var s Suite
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Suite{}, fmt.Errorf("failed to parse suite %s: %w", path, err)
	}
	if len(s.Cases) == 0 {
		return Suite{}, fmt.Errorf("suite %s has no cases", path)
	}
	for i := range s.Cases {
		if s.Cases[i].ID == "" {
			s.Cases[i].ID = fmt.Sprintf("case-%d", i+1)
		}
	}
	return s, nil
}

// RawToolCall is a tool call as returned on the wire.
type RawToolCall struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Response is a completed model turn.
type Response struct {
	ToolCalls []RawToolCall `json:"toolCalls,omitempty"`
	Content   string        `json:"content,omitempty"`
	Failed    bool          `json:"failed,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// ToolCall is a parsed invocation.
type ToolCall struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// MultiTurnScore holds the chain-level axes.
type MultiTurnScore struct {
	Hops              int     `json:"hops"`
	Completion        float64 `json:"completion"`
	Efficiency        float64 `json:"efficiency"`
	RedundancyPenalty float64 `json:"redundancyPenalty"`
	DetourPenalty     float64 `json:"detourPenalty"`
	Composite         float64 `json:"composite"`
}

// EvalResult is one case scored for one target. It is never mutated after
// ScoreCase returns it.
type EvalResult struct {
	CaseID           string          `json:"caseId"`
	Category         string          `json:"category,omitempty"`
	Provider         string          `json:"provider"`
	Model            string          `json:"model"`
	DisplayName      string          `json:"displayName,omitempty"`
	ExpectedTools    []string        `json:"expectedTools,omitempty"`
	ShouldCallTool   bool            `json:"shouldCallTool"`
	ActualTool       string          `json:"actualTool,omitempty"`
	ActualParams     map[string]any  `json:"actualParams,omitempty"`
	ToolScore        float64         `json:"toolScore"`
	ParamScore       *float64        `json:"paramScore,omitempty"`
	OverallScore     float64         `json:"overallScore"`
	AbstentionScore  float64         `json:"abstentionScore"`
	FormatCompliance Compliance      `json:"formatCompliance"`
	ErrorType        ErrorType       `json:"errorType,omitempty"`
	MultiTurn        *MultiTurnScore `json:"multiTurn,omitempty"`
	Chain            []ToolCall      `json:"chain,omitempty"`
	Passed           bool            `json:"passed"`
	Success          bool            `json:"success"`
	Skipped          bool            `json:"skipped,omitempty"`
	LatencyMs        float64         `json:"latencyMs"`
	Error            string          `json:"error,omitempty"`
}

// Key identifies the target the result belongs to.
func (r EvalResult) Key() string {
	return r.Provider + "/" + r.Model
}
