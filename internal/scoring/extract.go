package scoring

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Extraction is the tool call recovered from a response, with how it was
// recovered.
type Extraction struct {
	Call *ToolCall
	// Native is set when the provider returned a structured tool call.
	Native bool
	// Normalized is set when any fallback parsing was needed.
	Normalized bool
	// ParamsUnparsable is set when arguments could not be parsed at all.
	ParamsUnparsable bool
}

// Usable reports whether a named call with parsed parameters was recovered.
func (e Extraction) Usable() bool {
	return e.Call != nil && e.Call.Name != "" && !e.ParamsUnparsable
}

var (
	nameKeys = []string{"name", "tool", "tool_name", "function"}
	argsKeys = []string{"arguments", "parameters", "args", "params", "input"}

	codeFence     = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	trailingComma = regexp.MustCompile(`,\s*([}\]])`)
)

// ExtractToolCall recovers the first tool call from resp. Native calls are
// taken as-is when well formed; otherwise a JSON blob in the name field,
// lenient argument parsing, or a JSON object in the text content is tried.
func ExtractToolCall(resp Response) Extraction {
	if resp.Failed {
		return Extraction{}
	}
	if len(resp.ToolCalls) > 0 {
		return extractNative(resp.ToolCalls[0])
	}
	if call, ok := callFromText(resp.Content); ok {
		return Extraction{Call: call, Normalized: true}
	}
	return Extraction{}
}

// ExtractChain parses every native call in order, used for multi-turn rounds.
// Calls whose name could not be recovered are dropped.
func ExtractChain(calls []RawToolCall) []Extraction {
	out := make([]Extraction, 0, len(calls))
	for _, raw := range calls {
		ext := extractNative(raw)
		if ext.Call == nil {
			continue
		}
		out = append(out, ext)
	}
	return out
}

// ChainCalls returns the calls of chain in order.
func ChainCalls(chain []Extraction) []ToolCall {
	out := make([]ToolCall, 0, len(chain))
	for _, ext := range chain {
		out = append(out, *ext.Call)
	}
	return out
}

// chainCompliance grades a chain by its final call. Fallback parsing anywhere
// in the chain makes it NORMALIZED.
func chainCompliance(chain []Extraction) Compliance {
	if !chain[len(chain)-1].Usable() {
		return ComplianceFail
	}
	for _, ext := range chain {
		if ext.Normalized || !ext.Native {
			return ComplianceNormalized
		}
	}
	return CompliancePass
}

func extractNative(raw RawToolCall) Extraction {
	ext := Extraction{Native: true}
	name := strings.TrimSpace(raw.Name)

	if strings.HasPrefix(name, "{") {
		ext.Normalized = true
		obj, ok := parseObject(name)
		if !ok {
			ext.ParamsUnparsable = true
			return ext
		}
		call, ok := callFromObject(obj)
		if !ok {
			ext.ParamsUnparsable = true
			return ext
		}
		if len(call.Params) == 0 && strings.TrimSpace(raw.Arguments) != "" {
			if params, _, ok := parseArguments(raw.Arguments); ok {
				call.Params = params
			}
		}
		ext.Call = call
		return ext
	}

	params, strict, ok := parseArguments(raw.Arguments)
	ext.Call = &ToolCall{Name: name, Params: params}
	if !ok {
		ext.ParamsUnparsable = true
		ext.Call.Params = nil
		return ext
	}
	if !strict {
		ext.Normalized = true
	}
	return ext
}

// parseArguments returns the parsed object, whether strict JSON parsing
// worked, and whether any parsing worked.
func parseArguments(s string) (map[string]any, bool, bool) {
	s = strings.TrimSpace(s)
	if s == "" || s == "null" {
		return map[string]any{}, true, true
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err == nil {
		if out == nil {
			out = map[string]any{}
		}
		return out, true, true
	}
	// Some providers double-encode arguments as a JSON string.
	var inner string
	if err := json.Unmarshal([]byte(s), &inner); err == nil {
		if obj, ok := parseObject(inner); ok {
			return obj, false, true
		}
	}
	if obj, ok := parseObject(s); ok {
		return obj, false, true
	}
	return nil, false, false
}

// parseObject parses s as a JSON object, repairing code fences, surrounding
// prose, trailing commas and single quotes.
func parseObject(s string) (map[string]any, bool) {
	candidates := []string{s}
	if m := codeFence.FindStringSubmatch(s); m != nil {
		candidates = append(candidates, m[1])
	}
	if obj := firstBalancedObject(s); obj != "" {
		candidates = append(candidates, obj)
	}
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		for _, variant := range []string{c, trailingComma.ReplaceAllString(c, "$1"), strings.ReplaceAll(trailingComma.ReplaceAllString(c, "$1"), "'", `"`)} {
			var out map[string]any
			if err := json.Unmarshal([]byte(variant), &out); err == nil && out != nil {
				return out, true
			}
		}
	}
	return nil, false
}

func callFromText(content string) (*ToolCall, bool) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, false
	}
	obj, ok := parseObject(content)
	if !ok {
		return nil, false
	}
	return callFromObject(obj)
}

// callFromObject accepts {"name":..,"arguments":{..}} and the common
// {"function":{"name":..,"arguments":..}} / {"tool_call":{..}} wrappings.
func callFromObject(obj map[string]any) (*ToolCall, bool) {
	for _, wrapper := range []string{"tool_call", "function_call"} {
		if inner, ok := obj[wrapper].(map[string]any); ok {
			return callFromObject(inner)
		}
	}
	if fn, ok := obj["function"].(map[string]any); ok {
		return callFromObject(fn)
	}

	var name string
	for _, k := range nameKeys {
		if v, ok := obj[k].(string); ok && strings.TrimSpace(v) != "" {
			name = strings.TrimSpace(v)
			break
		}
	}
	if name == "" {
		return nil, false
	}

	params := map[string]any{}
	for _, k := range argsKeys {
		switch v := obj[k].(type) {
		case map[string]any:
			params = v
		case string:
			if p, _, ok := parseArguments(v); ok {
				params = p
			}
		default:
			continue
		}
		break
	}
	return &ToolCall{Name: name, Params: params}, true
}

func firstBalancedObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
