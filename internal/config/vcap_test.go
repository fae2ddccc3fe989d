package config

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

const legacyVCAP = `{
	"genai": [
		{
			"instance_guid": "87654321-4321-4321-4321-cba987654321",
			"instance_name": "legacy-openai-service",
			"name": "openai-service",
			"plan": "standard",
			"credentials": {
				"api_key": "sk-test-legacy-key",
				"api_base": "https://api.openai.com/v1",
				"model_name": "gpt-4",
				"model_aliases": ["gpt-4-turbo", "gpt-4o", "gpt-4"]
			}
		}
	]
}`

const singleModelVCAP = `{
	"genai": [
		{
			"instance_name": "Single Model",
			"plan": "llama",
			"credentials": {
				"api_base": "https://top.example.com/v1",
				"model_name": "llama3",
				"endpoint": {
					"api_key": "sk-single",
					"api_base": "https://endpoint.example.com/v1",
					"config_url": "https://config.example.com"
				}
			}
		}
	]
}`

const noCredentialsVCAP = `{
	"genai": [
		{"instance_guid": "no-creds-service", "instance_name": "no-credentials", "plan": "standard"}
	]
}`

func TestDiscoverProvidersFromVCAP_Legacy(t *testing.T) {
	t.Setenv("VCAP_SERVICES", legacyVCAP)

	providers, err := DiscoverProvidersFromVCAP()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(providers) != 1 {
		t.Fatalf("Expected 1 provider, got %d", len(providers))
	}

	p := providers[0]
	if p.Key != "legacy-openai-service" {
		t.Errorf("Expected key 'legacy-openai-service', got '%s'", p.Key)
	}
	if p.APIBase != "https://api.openai.com/v1" {
		t.Errorf("Unexpected base URL '%s'", p.APIBase)
	}
	if len(p.Models) != 3 {
		t.Fatalf("Expected 3 deduplicated models, got %d", len(p.Models))
	}
	if p.Credential() != "sk-test-legacy-key" {
		t.Error("Expected inline API key")
	}
}

func TestDiscoverProvidersFromVCAP_SingleModelPrefersTopLevelBase(t *testing.T) {
	t.Setenv("VCAP_SERVICES", singleModelVCAP)

	providers, err := DiscoverProvidersFromVCAP()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	p := providers[0]
	if p.Key != "single-model" {
		t.Errorf("Expected sanitized key 'single-model', got '%s'", p.Key)
	}
	if p.APIBase != "https://top.example.com/v1" {
		t.Errorf("Expected top-level api_base, got '%s'", p.APIBase)
	}
	if p.APIKey != "sk-single" {
		t.Errorf("Expected endpoint api_key")
	}
	if len(p.Models) != 1 || p.Models[0].ID != "llama3" {
		t.Errorf("Unexpected models %+v", p.Models)
	}
}

func TestDiscoverProvidersFromVCAP_MultiPlanFetchesAdvertisedModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-multi" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"advertisedModels":[{"name":"m1","description":"Model One"},{"name":"m2"}]}`)
	}))
	defer srv.Close()

	t.Setenv("VCAP_SERVICES", fmt.Sprintf(`{"genai":[{"instance_name":"multi","plan":"multi",
		"credentials":{"endpoint":{"api_key":"sk-multi","api_base":"https://api.example.com/v1","config_url":%q}}}]}`, srv.URL))

	providers, err := DiscoverProvidersFromVCAP()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	p := providers[0]
	if len(p.Models) != 2 {
		t.Fatalf("Expected 2 advertised models, got %d", len(p.Models))
	}
	if p.Models[0].DisplayName != "Model One" || p.Models[1].DisplayName != "m2" {
		t.Errorf("Unexpected display names %+v", p.Models)
	}
}

func TestDiscoverProvidersFromVCAP_NoCredentials(t *testing.T) {
	t.Setenv("VCAP_SERVICES", noCredentialsVCAP)

	providers, err := DiscoverProvidersFromVCAP()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(providers) != 0 {
		t.Errorf("Expected binding without credentials to be skipped")
	}
}

func TestDiscoverProvidersFromVCAP_Malformed(t *testing.T) {
	t.Setenv("VCAP_SERVICES", `{"genai": [ {`)

	if _, err := DiscoverProvidersFromVCAP(); err == nil {
		t.Fatal("Expected parse error for malformed VCAP_SERVICES")
	}
}

func TestDiscoverProvidersPrefersVCAP(t *testing.T) {
	clearDiscoveryEnv(t)
	t.Setenv("VCAP_SERVICES", legacyVCAP)
	t.Setenv("API_KEY", "sk-generic")

	providers, source := DiscoverProviders()
	if source != "cloud-foundry" {
		t.Fatalf("Expected cloud-foundry source, got '%s'", source)
	}
	if providers[0].Key != "legacy-openai-service" {
		t.Errorf("Unexpected provider %s", providers[0].Key)
	}
}
