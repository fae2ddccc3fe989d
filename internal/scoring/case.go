package scoring

import "strings"

// Penalty per redundant or detour call in a chain.
const ChainPenalty = 0.10

// ScoreCase grades a single-turn response to c. known is the suite's tool
// palette as returned by Suite.KnownTools.
func ScoreCase(c Case, known map[string]bool, resp Response) EvalResult {
	ext := ExtractToolCall(resp)
	res := newResult(c)
	res.Success = !resp.Failed
	res.Error = resp.Error

	var actualTool string
	var actualParams map[string]any
	if ext.Call != nil {
		actualTool = ext.Call.Name
		actualParams = ext.Call.Params
	}
	res.ActualTool = actualTool
	res.ActualParams = actualParams
	res.FormatCompliance = FormatCompliance(ext, res.ShouldCallTool)
	res.AbstentionScore = AbstentionScore(res.ShouldCallTool, actualTool != "")

	if resp.Failed {
		res.ErrorType = ClassifyError(Signals{Failed: true}, 0)
		res.FormatCompliance = ComplianceFail
		return res
	}

	res.ToolScore = ToolSelectionScore(c.ExpectedTools, actualTool)
	if !ext.ParamsUnparsable {
		res.ParamScore = ScoreParams(c.ExpectedParams, actualParams, c.mode(), c.epsilon())
	} else if c.ExpectedParams != nil {
		res.ParamScore = ptr(0.0)
	}
	res.OverallScore = OverallScore(res.ToolScore, res.ParamScore)
	res.Passed = res.OverallScore >= 1.0

	res.ErrorType = ClassifyError(Signals{
		ParamsUnparsable: ext.ParamsUnparsable,
		ActualTool:       actualTool,
		KnownTools:       known,
		ToolScore:        res.ToolScore,
		ParamScore:       res.ParamScore,
	}, res.OverallScore)
	return res
}

// ScoreMultiTurn scores an ordered chain of calls. Only the final call counts
// toward completion; an empty chain scores zero on every axis.
func ScoreMultiTurn(c Case, chain []ToolCall) MultiTurnScore {
	if len(chain) == 0 {
		return MultiTurnScore{}
	}
	final := chain[len(chain)-1]
	tool := ToolSelectionScore(c.ExpectedTools, final.Name)
	param := ScoreParams(c.ExpectedParams, final.Params, c.mode(), c.epsilon())

	out := MultiTurnScore{
		Hops:       len(chain),
		Completion: OverallScore(tool, param),
	}

	optimal := 1
	var prereqs []string
	if c.MultiTurn != nil {
		if c.MultiTurn.OptimalHops > 0 {
			optimal = c.MultiTurn.OptimalHops
		}
		prereqs = c.MultiTurn.ValidPrerequisites
	}
	out.Efficiency = min(1.0, float64(optimal)/float64(len(chain)))

	onPath := make(map[string]bool, len(c.ExpectedTools)+len(prereqs))
	for _, name := range c.ExpectedTools {
		onPath[strings.ToLower(name)] = true
	}
	for _, name := range prereqs {
		onPath[strings.ToLower(name)] = true
	}

	redundant, detours := 0, 0
	for i, call := range chain {
		if i > 0 && strings.EqualFold(call.Name, chain[i-1].Name) {
			redundant++
		}
		if i < len(chain)-1 && !onPath[strings.ToLower(call.Name)] {
			detours++
		}
	}
	out.RedundancyPenalty = float64(redundant) * ChainPenalty
	out.DetourPenalty = float64(detours) * ChainPenalty
	out.Composite = clamp01(out.Completion*out.Efficiency - out.RedundancyPenalty - out.DetourPenalty)
	return out
}

// ScoreMultiTurnCase grades a chain produced over several rounds. The
// composite chain score is the overall score.
func ScoreMultiTurnCase(c Case, known map[string]bool, chain []Extraction, resp Response) EvalResult {
	res := newResult(c)
	res.Success = !resp.Failed
	res.Error = resp.Error
	res.Chain = ChainCalls(chain)

	mt := ScoreMultiTurn(c, res.Chain)
	res.MultiTurn = &mt

	var unparsable bool
	if len(chain) > 0 {
		final := chain[len(chain)-1]
		res.ActualTool = final.Call.Name
		res.ActualParams = final.Call.Params
		res.FormatCompliance = chainCompliance(chain)
		unparsable = final.ParamsUnparsable
	} else {
		ext := ExtractToolCall(resp)
		if ext.Call != nil {
			res.ActualTool = ext.Call.Name
			res.ActualParams = ext.Call.Params
		}
		res.FormatCompliance = FormatCompliance(ext, res.ShouldCallTool)
		unparsable = ext.ParamsUnparsable
	}
	res.AbstentionScore = AbstentionScore(res.ShouldCallTool, res.ActualTool != "")

	if resp.Failed && len(chain) == 0 {
		res.FormatCompliance = ComplianceFail
		res.ErrorType = ClassifyError(Signals{Failed: true}, 0)
		return res
	}

	res.ToolScore = ToolSelectionScore(c.ExpectedTools, res.ActualTool)
	if !unparsable {
		res.ParamScore = ScoreParams(c.ExpectedParams, res.ActualParams, c.mode(), c.epsilon())
	} else if c.ExpectedParams != nil {
		res.ParamScore = ptr(0.0)
	}
	if len(chain) > 0 {
		res.OverallScore = mt.Composite
	} else {
		res.OverallScore = OverallScore(res.ToolScore, res.ParamScore)
	}
	res.Passed = res.OverallScore >= 1.0 && !resp.Failed

	optimal := 1
	if c.MultiTurn != nil && c.MultiTurn.OptimalHops > 0 {
		optimal = c.MultiTurn.OptimalHops
	}
	res.ErrorType = ClassifyError(Signals{
		Failed:           resp.Failed,
		ParamsUnparsable: unparsable,
		ActualTool:       res.ActualTool,
		KnownTools:       known,
		ToolScore:        res.ToolScore,
		ParamScore:       res.ParamScore,
		MultiTurn:        true,
		Rounds:           len(chain),
		OptimalHops:      optimal,
		Complete:         mt.Completion >= 1.0,
	}, res.OverallScore)
	return res
}

func newResult(c Case) EvalResult {
	return EvalResult{
		CaseID:         c.ID,
		Category:       c.Category,
		ExpectedTools:  append([]string(nil), c.ExpectedTools...),
		ShouldCallTool: c.ExpectsCall(),
	}
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
