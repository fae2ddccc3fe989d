package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmbenchstudio/internal/target"
)

func contentChunk(s string) string {
	return fmt.Sprintf(`data: {"id":"x","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":%q}}]}`+"\n\n", s)
}

const usageChunk = `data: {"id":"x","object":"chat.completion.chunk","created":1,"model":"m","choices":[],"usage":{"prompt_tokens":12,"completion_tokens":40,"total_tokens":52}}` + "\n\n"

func sseServer(t *testing.T, chunks ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprint(w, c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testClient(srv *httptest.Server) *openai.Client {
	return NewClient(target.Target{APIBase: srv.URL + "/v1", APIKey: "sk-test"}, ClientOptions{})
}

func TestStreamChatUsesReportedUsage(t *testing.T) {
	srv := sseServer(t, contentChunk(""), contentChunk("  "), contentChunk("Hello"), contentChunk(" world"), usageChunk)

	var seen []string
	stats, err := StreamChat(context.Background(), testClient(srv), openai.ChatCompletionRequest{
		Model:    "m",
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "hi"}},
	}, func(c string) { seen = append(seen, c) })
	require.NoError(t, err)

	assert.True(t, stats.FirstTokenSeen)
	assert.True(t, stats.UsageReported)
	assert.Equal(t, 12, stats.PromptTokens)
	assert.Equal(t, 40, stats.CompletionTokens)
	assert.Equal(t, "  Hello world", stats.Content)
	assert.Equal(t, 3, stats.ContentChunks, "whitespace chunk counts, empty one does not")
	assert.Equal(t, []string{"  ", "Hello", " world"}, seen)
	assert.LessOrEqual(t, stats.TTFT, stats.Elapsed)
}

func TestStreamChatTimesFirstWhitespaceChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, contentChunk("\n"))
		flusher.Flush()
		time.Sleep(300 * time.Millisecond)
		fmt.Fprint(w, contentChunk("Hello"))
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	stats, err := StreamChat(context.Background(), testClient(srv), openai.ChatCompletionRequest{
		Model:    "m",
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "hi"}},
	}, nil)
	require.NoError(t, err)

	require.True(t, stats.FirstTokenSeen)
	assert.Less(t, stats.TTFT, 150*time.Millisecond, "clock stops at the newline chunk")
	assert.GreaterOrEqual(t, stats.Elapsed, 300*time.Millisecond)
	assert.Equal(t, "\nHello", stats.Content)
}

func TestStreamChatFallsBackToChunkCount(t *testing.T) {
	srv := sseServer(t, contentChunk("a"), contentChunk(""), contentChunk("b"), contentChunk("c"))

	stats, err := StreamChat(context.Background(), testClient(srv), openai.ChatCompletionRequest{
		Model:    "m",
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "hi"}},
	}, nil)
	require.NoError(t, err)
	assert.False(t, stats.UsageReported)
	assert.Equal(t, 3, stats.CompletionTokens)
	assert.Zero(t, stats.PromptTokens)
}

func TestStreamChatSurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"slow down","type":"rate_limit"}}`)
	}))
	defer srv.Close()

	_, err := StreamChat(context.Background(), testClient(srv), openai.ChatCompletionRequest{
		Model:    "m",
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "hi"}},
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slow down")
}

func TestCompleteWithToolsReturnsFirstChoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"x","object":"chat.completion","created":1,"model":"m","choices":[{"index":0,"finish_reason":"tool_calls","message":{"role":"assistant","content":"","tool_calls":[{"id":"c1","type":"function","function":{"name":"get_weather","arguments":"{\"city\":\"Paris\"}"}}]}}],"usage":{"prompt_tokens":5,"completion_tokens":7,"total_tokens":12}}`)
	}))
	defer srv.Close()

	out, err := CompleteWithTools(context.Background(), testClient(srv), openai.ChatCompletionRequest{
		Model:    "m",
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "weather?"}},
	})
	require.NoError(t, err)
	require.Len(t, out.Message.ToolCalls, 1)
	assert.Equal(t, "get_weather", out.Message.ToolCalls[0].Function.Name)
	assert.Equal(t, 7, out.Usage.CompletionTokens)
}

func TestListModelsSorted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/models") {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"object":"list","data":[{"id":"zeta","object":"model"},{"id":"alpha","object":"model"}]}`)
	}))
	defer srv.Close()

	ids, err := ListModels(context.Background(), testClient(srv))
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "zeta"}, ids)
}

func TestNormalizeBaseURL(t *testing.T) {
	assert.Equal(t, "https://genai-proxy.sys.example.com/svc/openai/v1", NormalizeBaseURL("https://genai-proxy.sys.example.com/svc/openai"))
	assert.Equal(t, "https://genai-proxy.sys.example.com/tanzu-abc/openai/v1", NormalizeBaseURL("https://genai-proxy.sys.example.com/tanzu-abc"))
	assert.Equal(t, "https://api.openai.com/v1", NormalizeBaseURL("https://api.openai.com/v1/"))
}
