package engine

import (
	"strings"

	"github.com/sashabaranov/go-openai"

	"llmbenchstudio/internal/target"
)

// fillerWords are common English words that tokenize to roughly one token
// each with a leading space.
var fillerWords = strings.Fields(`the of and to in is was for on that with as by at from
this be are it an or have not which one all were they their but has more time
been would other when there can its who will into only new some could these may
first then do any like over such our year most after two made should very well`)

// ContextFiller returns synthetic text of approximately tokens tokens.
func ContextFiller(tokens int) string {
	if tokens <= 0 {
		return ""
	}
	var b strings.Builder
	b.Grow(tokens * 5)
	for i := 0; i < tokens; i++ {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(fillerWords[i%len(fillerWords)])
	}
	return b.String()
}

// BuildMessages assembles the request messages. A target's system prompt is
// followed by the context filler; without one the filler alone forms the
// system message when contextTokens > 0.
func BuildMessages(t target.Target, prompt string, contextTokens int) []openai.ChatCompletionMessage {
	var msgs []openai.ChatCompletionMessage

	system := strings.TrimSpace(t.SystemPrompt)
	if filler := ContextFiller(contextTokens); filler != "" {
		if system != "" {
			system += "\n\n" + filler
		} else {
			system = filler
		}
	}
	if system != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	return append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})
}
