package config

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"llmbenchstudio/internal/logging"
)

// VCAPService is one Cloud Foundry service binding.
type VCAPService struct {
	InstanceGUID string                 `json:"instance_guid"`
	InstanceName string                 `json:"instance_name"`
	Name         string                 `json:"name"`
	Plan         string                 `json:"plan"`
	Credentials  map[string]interface{} `json:"credentials"`
	Tags         []string               `json:"tags"`
	Label        string                 `json:"label"`
}

// VCAPServices is the part of VCAP_SERVICES this process reads.
type VCAPServices struct {
	GenAI []VCAPService `json:"genai"`
}

type serviceEndpoint struct {
	APIKey    string
	APIBase   string
	ConfigURL string
}

type advertisedModel struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities"`
}

type configResponse struct {
	AdvertisedModels []advertisedModel `json:"advertisedModels"`
}

// ConfigFetchTimeout bounds the config_url lookup for multi-model plans.
var ConfigFetchTimeout = 10 * time.Second

// IsVCAPServicesAvailable reports whether the process runs with bindings.
func IsVCAPServicesAvailable() bool {
	return os.Getenv("VCAP_SERVICES") != ""
}

// DiscoverProvidersFromVCAP turns every genai binding into a provider.
func DiscoverProvidersFromVCAP() ([]ProviderConfig, error) {
	raw := os.Getenv("VCAP_SERVICES")
	if raw == "" {
		return nil, fmt.Errorf("VCAP_SERVICES not found")
	}

	var services VCAPServices
	if err := json.Unmarshal([]byte(raw), &services); err != nil {
		return nil, fmt.Errorf("failed to parse VCAP_SERVICES: %w", err)
	}

	var providers []ProviderConfig
	for _, service := range services.GenAI {
		p, ok := providerFromBinding(service)
		if !ok {
			continue
		}
		providers = append(providers, p)
		logging.AppLogger.InfoWithFields("Discovered service", map[string]interface{}{
			"serviceName": p.Name,
			"plan":        service.Plan,
			"models":      len(p.Models),
		})
	}
	return providers, nil
}

func providerFromBinding(service VCAPService) (ProviderConfig, bool) {
	serviceName := service.InstanceName
	if serviceName == "" {
		serviceName = service.Name
	}
	if service.Credentials == nil {
		logging.AppLogger.WarnWithFields("Service has no credentials, skipping", map[string]interface{}{
			"serviceName": serviceName,
		})
		return ProviderConfig{}, false
	}

	id := serviceName
	if id == "" {
		id = service.InstanceGUID
	}

	p := ProviderConfig{
		Key:    providerKey(id),
		Name:   serviceName,
		Source: "cloud-foundry",
	}

	endpoint, hasEndpoint := parseServiceEndpoint(service.Credentials)
	modelName, hasModelName := service.Credentials["model_name"].(string)

	switch {
	case hasEndpoint && endpoint.ConfigURL != "" && !hasModelName:
		// Multi-model plan: models are advertised at config_url.
		p.APIBase = endpoint.APIBase
		p.APIKey = endpoint.APIKey
		if endpoint.APIKey != "" {
			advertised, err := fetchModelsFromConfig(endpoint.ConfigURL, endpoint.APIKey)
			if err != nil {
				logging.AppLogger.WarnWithFields("Failed to fetch models for service", map[string]interface{}{
					"serviceName": serviceName,
					"error":       err.Error(),
				})
			}
			for _, m := range advertised {
				display := m.Description
				if display == "" {
					display = m.Name
				}
				p.Models = append(p.Models, ModelConfig{ID: m.Name, DisplayName: display})
			}
		}
	case hasEndpoint && hasModelName:
		p.APIKey = endpoint.APIKey
		if apiBase, ok := service.Credentials["api_base"].(string); ok && apiBase != "" {
			p.APIBase = apiBase
		} else {
			p.APIBase = endpoint.APIBase
		}
		if modelName != "" {
			p.Models = []ModelConfig{{ID: modelName, DisplayName: modelName}}
		}
	default:
		apiKey, baseURL, names := parseLegacyCredentials(service.Credentials)
		p.APIKey = apiKey
		p.APIBase = baseURL
		for _, n := range names {
			p.Models = append(p.Models, ModelConfig{ID: n, DisplayName: n})
		}
	}
	return p, true
}

func parseServiceEndpoint(credentials map[string]interface{}) (serviceEndpoint, bool) {
	endpointMap, ok := credentials["endpoint"].(map[string]interface{})
	if !ok {
		return serviceEndpoint{}, false
	}
	var e serviceEndpoint
	e.APIKey, _ = endpointMap["api_key"].(string)
	e.APIBase, _ = endpointMap["api_base"].(string)
	e.ConfigURL, _ = endpointMap["config_url"].(string)
	return e, true
}

func parseLegacyCredentials(credentials map[string]interface{}) (apiKey, baseURL string, models []string) {
	apiKey, _ = credentials["api_key"].(string)
	if u, ok := credentials["api_base"].(string); ok {
		baseURL = u
	} else if u, ok := credentials["base_url"].(string); ok {
		baseURL = u
	}
	if name, ok := credentials["model_name"].(string); ok && name != "" {
		models = append(models, name)
	}
	if aliases, ok := credentials["model_aliases"].([]interface{}); ok {
		seen := map[string]bool{}
		for _, m := range models {
			seen[m] = true
		}
		for _, alias := range aliases {
			s, ok := alias.(string)
			if !ok || s == "" || seen[s] {
				continue
			}
			seen[s] = true
			models = append(models, s)
		}
	}
	return apiKey, baseURL, models
}

func fetchModelsFromConfig(configURL, apiKey string) ([]advertisedModel, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ConfigFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, configURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("config URL returned status %d", resp.StatusCode)
	}

	var out configResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode config response: %w", err)
	}
	return out.AdvertisedModels, nil
}

var nonKeyChars = regexp.MustCompile(`[^a-z0-9_-]+`)

func providerKey(s string) string {
	k := nonKeyChars.ReplaceAllString(strings.ToLower(s), "-")
	k = strings.Trim(k, "-")
	if k == "" {
		return "genai"
	}
	return k
}
