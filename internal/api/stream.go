package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// StreamStats is what a single streamed completion measured.
type StreamStats struct {
	// TTFT is measured to the first chunk carrying non-empty content.
	TTFT             time.Duration
	FirstTokenSeen   bool
	Elapsed          time.Duration
	PromptTokens     int
	CompletionTokens int
	UsageReported    bool
	ContentChunks    int
	Content          string
}

// ChunkFunc observes every non-empty content delta as it arrives.
type ChunkFunc func(content string)

// StreamChat issues req as a streaming completion and consumes the stream to
// the end. Callers set req.StreamOptions to ask for a usage record; when the
// provider sends none the completion token count falls back to the number of
// non-empty content chunks.
func StreamChat(ctx context.Context, client *openai.Client, req openai.ChatCompletionRequest, onChunk ChunkFunc) (StreamStats, error) {
	var stats StreamStats
	start := time.Now()

	req.Stream = true

	stream, err := client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return stats, fmt.Errorf("chat completion request failed: %w", err)
	}
	defer stream.Close()

	var (
		content   strings.Builder
		lastUsage *openai.Usage
	)
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			stats.Elapsed = time.Since(start)
			return stats, fmt.Errorf("stream error: %w", err)
		}

		if len(resp.Choices) > 0 {
			delta := resp.Choices[0].Delta.Content
			if delta != "" {
				if !stats.FirstTokenSeen {
					stats.TTFT = time.Since(start)
					stats.FirstTokenSeen = true
				}
				content.WriteString(delta)
				stats.ContentChunks++
				if onChunk != nil {
					onChunk(delta)
				}
			}
		}

		if resp.Usage != nil {
			lastUsage = resp.Usage
		}
	}
	stats.Elapsed = time.Since(start)
	stats.Content = content.String()

	if lastUsage != nil {
		stats.UsageReported = true
		stats.PromptTokens = lastUsage.PromptTokens
		stats.CompletionTokens = lastUsage.CompletionTokens
	} else {
		stats.CompletionTokens = stats.ContentChunks
	}
	return stats, nil
}

// ToolCompletion is the outcome of a non-streamed, tool-enabled completion.
type ToolCompletion struct {
	Message      openai.ChatCompletionMessage
	FinishReason openai.FinishReason
	Usage        openai.Usage
	Latency      time.Duration
}

// CompleteWithTools issues req without streaming and returns the first choice.
func CompleteWithTools(ctx context.Context, client *openai.Client, req openai.ChatCompletionRequest) (ToolCompletion, error) {
	start := time.Now()
	req.Stream = false
	resp, err := client.CreateChatCompletion(ctx, req)
	latency := time.Since(start)
	if err != nil {
		return ToolCompletion{Latency: latency}, fmt.Errorf("chat completion request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return ToolCompletion{Latency: latency, Usage: resp.Usage}, errors.New("chat completion returned no choices")
	}
	return ToolCompletion{
		Message:      resp.Choices[0].Message,
		FinishReason: resp.Choices[0].FinishReason,
		Usage:        resp.Usage,
		Latency:      latency,
	}, nil
}
