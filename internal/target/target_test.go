package target

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithAPIKeyDoesNotMutateOriginal(t *testing.T) {
	orig := Target{Provider: "openai", Model: "gpt-4o", SkipParams: []string{"temperature"}}

	injected := orig.WithAPIKey("sk-user-1")
	injected.SkipParams[0] = "max_tokens"

	require.Empty(t, orig.APIKey)
	require.Equal(t, "sk-user-1", injected.APIKey)
	require.Equal(t, []string{"temperature"}, orig.SkipParams)
}

func TestSkipsIsCaseInsensitive(t *testing.T) {
	tg := Target{SkipParams: []string{"Temperature"}}
	require.True(t, tg.Skips(ParamTemperature))
	require.False(t, tg.Skips(ParamMaxTokens))
}

func TestKeyAndLabel(t *testing.T) {
	tg := Target{Provider: "groq", Model: "llama-3.1-8b"}
	require.Equal(t, "groq/llama-3.1-8b", tg.Key())
	require.Equal(t, "llama-3.1-8b", tg.Label())

	tg.DisplayName = "Llama 3.1 8B"
	require.Equal(t, "Llama 3.1 8B", tg.Label())
}

func TestSecrets(t *testing.T) {
	require.Nil(t, Target{}.Secrets())
	require.Equal(t, []string{"k"}, Target{APIKey: "k"}.Secrets())
}
