package target

import "strings"

// Pricing holds per-million-token rates in USD.
type Pricing struct {
	InputPerMTok  float64 `json:"input_per_mtok" yaml:"input_per_mtok"`
	OutputPerMTok float64 `json:"output_per_mtok" yaml:"output_per_mtok"`
}

// CostTable maps model ids to pricing. Keys are matched case-insensitively,
// with or without a "provider/" prefix.
type CostTable map[string]Pricing

// Lookup finds pricing for t, trying "provider/model" then the bare model id
// then the last path segment of the model id.
func (c CostTable) Lookup(t Target) (Pricing, bool) {
	if len(c) == 0 {
		return Pricing{}, false
	}
	candidates := []string{t.Key(), t.Model}
	if i := strings.LastIndex(t.Model, "/"); i >= 0 {
		candidates = append(candidates, t.Model[i+1:])
	}
	for _, cand := range candidates {
		if p, ok := c[cand]; ok {
			return p, true
		}
	}
	for k, p := range c {
		for _, cand := range candidates {
			if strings.EqualFold(k, cand) {
				return p, true
			}
		}
	}
	return Pricing{}, false
}

// Cost computes the USD cost of one call. The table wins over the target's
// configured rates; with neither available the cost is 0.
func (c CostTable) Cost(t Target, inputTokens, outputTokens int) float64 {
	p, ok := c.Lookup(t)
	if !ok {
		if !t.HasConfiguredRates() {
			return 0
		}
		p = Pricing{InputPerMTok: t.InputCostPerMTok, OutputPerMTok: t.OutputCostPerMTok}
	}
	return (float64(inputTokens)*p.InputPerMTok + float64(outputTokens)*p.OutputPerMTok) / 1_000_000
}
