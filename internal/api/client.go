package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/sashabaranov/go-openai"

	"llmbenchstudio/internal/logging"
	"llmbenchstudio/internal/target"
)

// ClientOptions tune how provider clients are built.
type ClientOptions struct {
	InsecureSkipVerify bool
	HTTPClient         *http.Client
}

// NewClient builds a go-openai client for t's endpoint and credential.
func NewClient(t target.Target, opts ClientOptions) *openai.Client {
	config := openai.DefaultConfig(t.APIKey)
	if t.APIBase != "" {
		config.BaseURL = NormalizeBaseURL(t.APIBase)
	}
	switch {
	case opts.HTTPClient != nil:
		config.HTTPClient = opts.HTTPClient
	case opts.InsecureSkipVerify:
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		config.HTTPClient = &http.Client{Transport: transport}
	}
	return openai.NewClientWithConfig(config)
}

// NormalizeBaseURL appends the OpenAI path segment GenAI on Tanzu proxies
// expect when the binding omits it.
func NormalizeBaseURL(baseURL string) string {
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.Contains(baseURL, "genai-proxy") || strings.Contains(baseURL, "/v1") {
		return baseURL
	}
	if strings.HasSuffix(baseURL, "/openai") {
		return baseURL + "/v1"
	}
	if strings.Contains(baseURL, "tanzu-") {
		logging.AppLogger.Debug("Adjusted base URL for multi-model service: %s", baseURL)
		return baseURL + "/openai/v1"
	}
	return baseURL
}

// IsReasoningModel reports models that reject max_tokens and a non-default
// temperature. go-openai validates these client side.
func IsReasoningModel(model string) bool {
	m := strings.ToLower(model)
	if i := strings.LastIndex(m, "/"); i >= 0 {
		m = m[i+1:]
	}
	for _, prefix := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(m, prefix) {
			return true
		}
	}
	return false
}

// ListModels returns the model ids the endpoint advertises, sorted.
func ListModels(ctx context.Context, client *openai.Client) ([]string, error) {
	modelList, err := client.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	ids := make([]string, 0, len(modelList.Models))
	for _, m := range modelList.Models {
		ids = append(ids, m.ID)
	}
	sort.Strings(ids)
	return ids, nil
}
