package scoring

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Weights of the overall score.
const (
	ToolWeight  = 0.6
	ParamWeight = 0.4
)

// FormatCompliance grades how the call was obtained. With no usable call the
// grade is PASS when abstaining was correct and FAIL otherwise.
func FormatCompliance(ext Extraction, expectsCall bool) Compliance {
	if ext.Usable() {
		if ext.Native && !ext.Normalized {
			return CompliancePass
		}
		return ComplianceNormalized
	}
	if !expectsCall && ext.Call == nil {
		return CompliancePass
	}
	return ComplianceFail
}

// ToolSelectionScore is 1.0 when actual matches one of expected
// case-insensitively, or when both are empty; 0.0 otherwise.
func ToolSelectionScore(expected []string, actual string) float64 {
	actual = strings.TrimSpace(actual)
	if len(expected) == 0 {
		if actual == "" {
			return 1.0
		}
		return 0.0
	}
	if actual == "" {
		return 0.0
	}
	for _, e := range expected {
		if strings.EqualFold(strings.TrimSpace(e), actual) {
			return 1.0
		}
	}
	return 0.0
}

// AbstentionScore is 1.0 iff the call/no-call decision matches shouldCall.
func AbstentionScore(shouldCall, called bool) float64 {
	if shouldCall == called {
		return 1.0
	}
	return 0.0
}

// ScoreParams returns the fraction of expected keys whose actual value
// matches under mode. It returns nil when expected is nil, 1.0 when expected
// is empty and 0.0 when actual is empty.
func ScoreParams(expected, actual map[string]any, mode MatchMode, epsilon float64) *float64 {
	if expected == nil {
		return nil
	}
	if len(expected) == 0 {
		return ptr(1.0)
	}
	if len(actual) == 0 {
		return ptr(0.0)
	}
	if epsilon <= 0 {
		epsilon = DefaultEpsilon
	}
	matched := 0
	for key, want := range expected {
		got, ok := lookup(actual, key)
		if ok && ValuesMatch(want, got, mode, epsilon) {
			matched++
		}
	}
	return ptr(float64(matched) / float64(len(expected)))
}

// OverallScore combines the axes: 0.6 tool + 0.4 param, or the tool score
// alone when the parameter axis does not apply.
func OverallScore(tool float64, param *float64) float64 {
	if param == nil {
		return tool
	}
	return ToolWeight*tool + ParamWeight*(*param)
}

// ValuesMatch compares one expected value to one actual value.
func ValuesMatch(want, got any, mode MatchMode, epsilon float64) bool {
	switch mode {
	case MatchNumericTolerance:
		wf, wok := toFloat(want)
		gf, gok := toFloat(got)
		if wok && gok {
			return math.Abs(wf-gf) <= epsilon+1e-12
		}
		return strings.EqualFold(stringify(want), stringify(got))
	case MatchContains:
		w := strings.ToLower(stringify(want))
		g := strings.ToLower(stringify(got))
		return strings.Contains(g, w) || strings.Contains(w, g)
	case MatchRegex:
		re, err := regexp.Compile(stringify(want))
		if err != nil {
			return false
		}
		return re.MatchString(stringify(got))
	default:
		// exact and case_insensitive: numbers compare numerically, everything
		// else by case-insensitive string form.
		if wf, ok := toFloat(want); ok && isNumber(want) {
			if gf, ok := toFloat(got); ok {
				return wf == gf
			}
		}
		return strings.EqualFold(stringify(want), stringify(got))
	}
}

func lookup(m map[string]any, key string) (any, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, json.Number:
		return true
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(s)
	case bool, int, int64, float64, json.Number:
		return fmt.Sprint(s)
	}
	if b, err := json.Marshal(v); err == nil {
		return string(b)
	}
	return fmt.Sprint(v)
}

func ptr(f float64) *float64 { return &f }
