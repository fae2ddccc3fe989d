package scoring

import "strings"

// Signals is everything the error taxonomy looks at.
type Signals struct {
	Failed           bool
	ParamsUnparsable bool
	ActualTool       string
	KnownTools       map[string]bool
	ToolScore        float64
	ParamScore       *float64
	MultiTurn        bool
	Rounds           int
	OptimalHops      int
	Complete         bool
}

// ErrorRule tags a response when Match holds.
type ErrorRule struct {
	Type  ErrorType
	Match func(Signals) bool
}

// ErrorRules is evaluated top to bottom; the first match wins. The last rule
// always matches.
var ErrorRules = []ErrorRule{
	{ErrorInvalidInvocation, func(s Signals) bool {
		return s.Failed || s.ParamsUnparsable
	}},
	{ErrorToolHallucination, func(s Signals) bool {
		return s.ActualTool != "" && len(s.KnownTools) > 0 && !s.KnownTools[strings.ToLower(s.ActualTool)]
	}},
	{ErrorArgumentHallucination, func(s Signals) bool {
		return s.ToolScore == 1.0 && s.ParamScore != nil && *s.ParamScore < 1.0
	}},
	{ErrorReentrantFailure, func(s Signals) bool {
		return s.MultiTurn && s.OptimalHops > 0 && s.Rounds >= 2*s.OptimalHops
	}},
	{ErrorPartialExecution, func(s Signals) bool {
		return s.MultiTurn && s.Rounds >= 1 && !s.Complete
	}},
	{ErrorInvalidReasoning, func(s Signals) bool {
		return s.ToolScore == 0.0
	}},
	{ErrorUnclassified, func(Signals) bool { return true }},
}

// ClassifyError tags a response. Fully correct, successful responses get
// ErrorNone; everything else gets exactly one tag from ErrorRules.
func ClassifyError(s Signals, overall float64) ErrorType {
	if overall >= 1.0 && !s.Failed {
		return ErrorNone
	}
	for _, rule := range ErrorRules {
		if rule.Match(s) {
			return rule.Type
		}
	}
	return ErrorUnclassified
}
