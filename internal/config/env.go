package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"llmbenchstudio/internal/logging"
)

const defaultOpenAIBase = "https://api.openai.com/v1"

// DiscoverProviders builds providers from the process environment when no
// config file declares any. VCAP_SERVICES wins over plain variables.
func DiscoverProviders() ([]ProviderConfig, string) {
	if IsVCAPServicesAvailable() {
		providers, err := DiscoverProvidersFromVCAP()
		if err != nil {
			logging.AppLogger.WarnWithFields("Failed to discover VCAP_SERVICES", map[string]interface{}{
				"error": err.Error(),
			})
		} else if len(providers) > 0 {
			return providers, "cloud-foundry"
		}
	}

	if providers := DiscoverProvidersFromEnvironment(); len(providers) > 0 {
		return providers, "environment"
	}
	return nil, "none"
}

// DiscoverProvidersFromEnvironment reads MODEL1_*/MODEL2_* first and falls
// back to the generic BASE_URL/API_KEY/MODELS triple.
func DiscoverProvidersFromEnvironment() []ProviderConfig {
	var providers []ProviderConfig
	for _, prefix := range []string{"MODEL1", "MODEL2"} {
		p, err := parseNumberedModel(prefix)
		if err != nil {
			continue
		}
		providers = append(providers, p)
	}
	if len(providers) > 0 {
		return providers
	}

	p, err := parseGenericConfig()
	if err != nil {
		return nil
	}
	return []ProviderConfig{p}
}

func parseNumberedModel(prefix string) (ProviderConfig, error) {
	name := os.Getenv(prefix + "_NAME")
	if name == "" {
		return ProviderConfig{}, fmt.Errorf("%s_NAME not set", prefix)
	}
	baseURL := os.Getenv(prefix + "_BASE_URL")
	if baseURL == "" {
		return ProviderConfig{}, fmt.Errorf("%s_BASE_URL not set", prefix)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return ProviderConfig{}, fmt.Errorf("invalid %s_BASE_URL: %w", prefix, err)
	}
	if os.Getenv(prefix+"_API_KEY") == "" {
		logging.AppLogger.Warn("%s_API_KEY not set for model %s", prefix, name)
	}

	key := strings.ToLower(prefix)
	return ProviderConfig{
		Key:       key,
		Name:      ProviderLabel(baseURL),
		APIBase:   baseURL,
		APIKeyEnv: prefix + "_API_KEY",
		Models:    []ModelConfig{{ID: name, DisplayName: name}},
		Source:    "environment",
	}, nil
}

func parseGenericConfig() (ProviderConfig, error) {
	baseURL := os.Getenv("BASE_URL")
	apiKey := os.Getenv("API_KEY")
	modelsStr := os.Getenv("MODELS")

	if baseURL == "" && apiKey == "" && modelsStr == "" {
		return ProviderConfig{}, fmt.Errorf("no generic configuration found")
	}
	if baseURL == "" {
		baseURL = defaultOpenAIBase
	}
	if _, err := url.Parse(baseURL); err != nil {
		return ProviderConfig{}, fmt.Errorf("invalid BASE_URL: %w", err)
	}
	if apiKey == "" {
		logging.AppLogger.Warn("API_KEY not set for generic configuration")
	}
	if modelsStr == "" {
		modelsStr = "gpt-4o-mini"
	}

	var models []ModelConfig
	for _, name := range strings.Split(modelsStr, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		models = append(models, ModelConfig{ID: name, DisplayName: name})
	}
	if len(models) == 0 {
		return ProviderConfig{}, fmt.Errorf("no valid models found in MODELS configuration")
	}

	return ProviderConfig{
		Key:       "generic",
		Name:      ProviderLabel(baseURL),
		APIBase:   baseURL,
		APIKeyEnv: "API_KEY",
		Models:    models,
		Source:    "environment",
	}, nil
}

// ValidateEnvironment reports malformed discovery variables.
func ValidateEnvironment() []string {
	var errs []string
	for _, prefix := range []string{"MODEL1", "MODEL2"} {
		if os.Getenv(prefix+"_NAME") == "" {
			continue
		}
		if baseURL := os.Getenv(prefix + "_BASE_URL"); baseURL == "" {
			errs = append(errs, fmt.Sprintf("%s_BASE_URL is required when %s_NAME is set", prefix, prefix))
		} else if !isValidURL(baseURL) {
			errs = append(errs, fmt.Sprintf("Invalid %s_BASE_URL: %s", prefix, baseURL))
		}
	}
	if baseURL := os.Getenv("BASE_URL"); baseURL != "" && !isValidURL(baseURL) {
		errs = append(errs, fmt.Sprintf("Invalid BASE_URL: %s", baseURL))
	}
	return errs
}

// ProviderLabel guesses a display name from the endpoint host.
func ProviderLabel(baseURL string) string {
	baseURL = strings.ToLower(baseURL)
	switch {
	case strings.Contains(baseURL, "openai.com"):
		return "OpenAI"
	case strings.Contains(baseURL, "anthropic.com"):
		return "Anthropic"
	case strings.Contains(baseURL, "generativelanguage.googleapis.com"):
		return "Google"
	case strings.Contains(baseURL, "groq.com"):
		return "Groq"
	case strings.Contains(baseURL, "openrouter.ai"):
		return "OpenRouter"
	case strings.Contains(baseURL, "genai-proxy"), strings.Contains(baseURL, "tanzu"):
		return "GenAI on Tanzu Platform"
	}
	return "Direct OpenAI Compatible"
}

func isValidURL(urlStr string) bool {
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return false
	}
	return parsedURL.Scheme != "" && parsedURL.Host != ""
}
