package scoring

import "sort"

// CategoryStats aggregates the cases of one category for one model.
type CategoryStats struct {
	Cases        int     `json:"cases"`
	Passed       int     `json:"passed"`
	AvgToolScore float64 `json:"avgToolScore"`
	AvgOverall   float64 `json:"avgOverall"`
}

// ModelSummary aggregates one model's results over a run.
type ModelSummary struct {
	Provider      string   `json:"provider"`
	Model         string   `json:"model"`
	DisplayName   string   `json:"displayName,omitempty"`
	Cases         int      `json:"cases"`
	Passed        int      `json:"passed"`
	Skipped       int      `json:"skipped,omitempty"`
	AvgToolScore  float64  `json:"avgToolScore"`
	AvgParamScore *float64 `json:"avgParamScore,omitempty"`
	AvgOverall    float64  `json:"avgOverall"`

	// IrrelevanceAccuracy is the abstention accuracy over cases where no tool
	// should be called; nil when the run had none.
	IrrelevanceAccuracy *float64                 `json:"irrelevanceAccuracy,omitempty"`
	Categories          map[string]CategoryStats `json:"categories"`
	FormatCompliance    map[Compliance]int       `json:"formatCompliance"`
	ErrorTypes          map[ErrorType]int        `json:"errorTypes"`
}

// Key identifies the model the summary belongs to.
func (m ModelSummary) Key() string {
	return m.Provider + "/" + m.Model
}

// SummarizeByModel groups results by model and computes per-category stats,
// compliance and error tallies. Output is sorted by provider then model.
func SummarizeByModel(results []EvalResult) []ModelSummary {
	type acc struct {
		sum                       ModelSummary
		toolSum, overallSum       float64
		paramSum                  float64
		paramN                    int
		irrelevantN, irrelevantOK int
		catTool, catOverall       map[string]float64
	}
	groups := map[string]*acc{}
	var order []string

	for _, r := range results {
		key := r.Key()
		a, ok := groups[key]
		if !ok {
			a = &acc{
				sum: ModelSummary{
					Provider:         r.Provider,
					Model:            r.Model,
					DisplayName:      r.DisplayName,
					Categories:       map[string]CategoryStats{},
					FormatCompliance: map[Compliance]int{},
					ErrorTypes:       map[ErrorType]int{},
				},
				catTool:    map[string]float64{},
				catOverall: map[string]float64{},
			}
			groups[key] = a
			order = append(order, key)
		}
		if r.Skipped {
			a.sum.Skipped++
			continue
		}

		a.sum.Cases++
		if r.Passed {
			a.sum.Passed++
		}
		a.toolSum += r.ToolScore
		a.overallSum += r.OverallScore
		if r.ParamScore != nil {
			a.paramSum += *r.ParamScore
			a.paramN++
		}

		cat := r.Category
		if cat == "" {
			cat = "uncategorized"
		}
		cs := a.sum.Categories[cat]
		cs.Cases++
		if r.Passed {
			cs.Passed++
		}
		a.sum.Categories[cat] = cs
		a.catTool[cat] += r.ToolScore
		a.catOverall[cat] += r.OverallScore

		a.sum.FormatCompliance[r.FormatCompliance]++
		if r.ErrorType != ErrorNone {
			a.sum.ErrorTypes[r.ErrorType]++
		}

		if !r.ShouldCallTool {
			a.irrelevantN++
			if r.AbstentionScore == 1.0 {
				a.irrelevantOK++
			}
		}
	}

	out := make([]ModelSummary, 0, len(order))
	for _, key := range order {
		a := groups[key]
		s := a.sum
		if s.Cases > 0 {
			s.AvgToolScore = a.toolSum / float64(s.Cases)
			s.AvgOverall = a.overallSum / float64(s.Cases)
		}
		if a.paramN > 0 {
			s.AvgParamScore = ptr(a.paramSum / float64(a.paramN))
		}
		if a.irrelevantN > 0 {
			s.IrrelevanceAccuracy = ptr(float64(a.irrelevantOK) / float64(a.irrelevantN))
		}
		for cat, cs := range s.Categories {
			cs.AvgToolScore = a.catTool[cat] / float64(cs.Cases)
			cs.AvgOverall = a.catOverall[cat] / float64(cs.Cases)
			s.Categories[cat] = cs
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Model < out[j].Model
	})
	return out
}
