// Package target defines the provider/model pair a prompt is run against.
package target

import "strings"

// Well-known request parameters a provider may refuse.
const (
	ParamTemperature = "temperature"
	ParamMaxTokens   = "max_tokens"
	ParamTools       = "tools"
	ParamToolChoice  = "tool_choice"
	ParamStreamUsage = "stream_options"
)

// Target is one (provider, model) pair. Values are immutable once built for a
// run and may be shared across users; use WithAPIKey to inject credentials.
type Target struct {
	Provider          string   `json:"provider" yaml:"provider"`
	ProviderName      string   `json:"providerName" yaml:"provider-name"`
	Model             string   `json:"model" yaml:"model"`
	DisplayName       string   `json:"displayName" yaml:"display-name"`
	APIBase           string   `json:"apiBase,omitempty" yaml:"api-base,omitempty"`
	APIKey            string   `json:"-" yaml:"-"`
	InputCostPerMTok  float64  `json:"inputCostPerMTok,omitempty" yaml:"input-cost-per-mtok,omitempty"`
	OutputCostPerMTok float64  `json:"outputCostPerMTok,omitempty" yaml:"output-cost-per-mtok,omitempty"`
	SkipParams        []string `json:"skipParams,omitempty" yaml:"skip-params,omitempty"`
	SystemPrompt      string   `json:"systemPrompt,omitempty" yaml:"system-prompt,omitempty"`
	ContextWindow     int      `json:"contextWindow,omitempty" yaml:"context-window,omitempty"`
	MaxOutputTokens   int      `json:"maxOutputTokens,omitempty" yaml:"max-output-tokens,omitempty"`
	RequestsPerMinute int      `json:"requestsPerMinute,omitempty" yaml:"requests-per-minute,omitempty"`
}

// Key identifies the target as "provider/model".
func (t Target) Key() string {
	return t.Provider + "/" + t.Model
}

// Label is the human-facing name, falling back to the model id.
func (t Target) Label() string {
	if t.DisplayName != "" {
		return t.DisplayName
	}
	return t.Model
}

// WithAPIKey returns a copy of t carrying key. t itself is left untouched.
func (t Target) WithAPIKey(key string) Target {
	out := t
	out.APIKey = key
	if t.SkipParams != nil {
		out.SkipParams = append([]string(nil), t.SkipParams...)
	}
	return out
}

// Skips reports whether the provider does not accept param.
func (t Target) Skips(param string) bool {
	for _, p := range t.SkipParams {
		if strings.EqualFold(p, param) {
			return true
		}
	}
	return false
}

// HasConfiguredRates reports whether per-million rates were configured.
func (t Target) HasConfiguredRates() bool {
	return t.InputCostPerMTok > 0 || t.OutputCostPerMTok > 0
}

// Secrets returns the credential material that must never surface in errors.
func (t Target) Secrets() []string {
	if t.APIKey == "" {
		return nil
	}
	return []string{t.APIKey}
}
