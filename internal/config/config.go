package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.yaml.in/yaml/v4"

	"llmbenchstudio/internal/target"
)

// ErrUnknownTarget is returned when a selection names a provider/model that
// is not configured.
var ErrUnknownTarget = errors.New("unknown target")

// ModelConfig is one model offered by a provider.
type ModelConfig struct {
	ID                string   `yaml:"id" json:"id"`
	DisplayName       string   `yaml:"display_name" json:"displayName"`
	ContextWindow     int      `yaml:"context_window" json:"contextWindow"`
	MaxOutputTokens   int      `yaml:"max_output_tokens,omitempty" json:"maxOutputTokens,omitempty"`
	SkipParams        []string `yaml:"skip_params,omitempty" json:"skipParams,omitempty"`
	InputCostPerMTok  float64  `yaml:"input_cost_per_mtok,omitempty" json:"inputCostPerMTok,omitempty"`
	OutputCostPerMTok float64  `yaml:"output_cost_per_mtok,omitempty" json:"outputCostPerMTok,omitempty"`
	SystemPrompt      string   `yaml:"system_prompt,omitempty" json:"systemPrompt,omitempty"`
}

// ProviderConfig is one OpenAI-compatible endpoint and its models.
type ProviderConfig struct {
	Key               string        `yaml:"key" json:"key"`
	Name              string        `yaml:"name" json:"name"`
	APIBase           string        `yaml:"api_base,omitempty" json:"apiBase,omitempty"`
	APIKey            string        `yaml:"api_key,omitempty" json:"-"`
	APIKeyEnv         string        `yaml:"api_key_env,omitempty" json:"apiKeyEnv,omitempty"`
	RequestsPerMinute int           `yaml:"requests_per_minute,omitempty" json:"requestsPerMinute,omitempty"`
	Models            []ModelConfig `yaml:"models" json:"models"`
	Source            string        `yaml:"-" json:"source,omitempty"`
}

// Credential resolves the inline key first, then the referenced env var.
func (p ProviderConfig) Credential() string {
	if p.APIKey != "" {
		return p.APIKey
	}
	if p.APIKeyEnv != "" {
		return os.Getenv(p.APIKeyEnv)
	}
	return ""
}

// LimitsConfig carries the default per-user quotas.
type LimitsConfig struct {
	MaxConcurrent     int `yaml:"max_concurrent" json:"maxConcurrent"`
	BenchmarksPerHour int `yaml:"benchmarks_per_hour" json:"benchmarksPerHour"`
	RunsPerBenchmark  int `yaml:"runs_per_benchmark" json:"runsPerBenchmark"`
}

// ExecutionConfig tunes the execution engine and push layer.
type ExecutionConfig struct {
	Timeout               time.Duration `yaml:"timeout" json:"timeout"`
	FanOut                int           `yaml:"fan_out" json:"fanOut"`
	MaxConnectionsPerUser int           `yaml:"max_connections_per_user" json:"maxConnectionsPerUser"`
	// StaleJobAfter is the age at which a job still marked running is
	// failed at startup.
	StaleJobAfter time.Duration `yaml:"stale_job_after" json:"staleJobAfter"`
}

// ServerConfig holds process-level settings, mostly from the environment.
type ServerConfig struct {
	Port          string `yaml:"port" json:"port"`
	RedisURL      string `yaml:"redis_url" json:"redisUrl"`
	RedisPassword string `yaml:"-" json:"-"`
	StaticPath    string `yaml:"static_path" json:"staticPath"`
}

// Config is the resolved configuration for the whole process.
type Config struct {
	Providers []ProviderConfig `yaml:"providers" json:"providers"`
	Pricing   target.CostTable `yaml:"pricing" json:"pricing"`
	Limits    LimitsConfig     `yaml:"limits" json:"limits"`
	Execution ExecutionConfig  `yaml:"execution" json:"execution"`
	Server    ServerConfig     `yaml:"server" json:"server"`
	Source    string           `yaml:"-" json:"source"`
}

// DefaultConfig returns the defaults applied before any file is read.
func DefaultConfig() *Config {
	return &Config{
		Limits: LimitsConfig{
			MaxConcurrent:     1,
			BenchmarksPerHour: 20,
			RunsPerBenchmark:  10,
		},
		Execution: ExecutionConfig{
			Timeout:               120 * time.Second,
			FanOut:                8,
			MaxConnectionsPerUser: 5,
			StaleJobAfter:         6 * time.Hour,
		},
		Server: ServerConfig{
			Port:       "8080",
			StaticPath: "dist",
		},
	}
}

var defaultConfigFiles = []string{"benchmark.yaml", "config.yaml"}

// Load reads the YAML file at path. With an empty path it searches the
// default file names and falls back to environment discovery when none exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	var data []byte
	var err error
	if path != "" {
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		for _, name := range defaultConfigFiles {
			if data, err = os.ReadFile(name); err == nil {
				path = name
				break
			}
		}
	}

	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		cfg.Source = "file"
		for i := range cfg.Providers {
			cfg.Providers[i].Source = "file"
		}
	}

	cfg.applyEnv()
	cfg.fillDefaults()

	if len(cfg.Providers) == 0 {
		providers, source := DiscoverProviders()
		cfg.Providers = providers
		cfg.Source = source
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Server.RedisURL = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Server.RedisPassword = v
	}
	if v := os.Getenv("STATIC_PATH"); v != "" {
		c.Server.StaticPath = v
	}
}

func (c *Config) fillDefaults() {
	def := DefaultConfig()
	if c.Limits.MaxConcurrent <= 0 {
		c.Limits.MaxConcurrent = def.Limits.MaxConcurrent
	}
	if c.Limits.BenchmarksPerHour <= 0 {
		c.Limits.BenchmarksPerHour = def.Limits.BenchmarksPerHour
	}
	if c.Limits.RunsPerBenchmark <= 0 {
		c.Limits.RunsPerBenchmark = def.Limits.RunsPerBenchmark
	}
	if c.Execution.Timeout <= 0 {
		c.Execution.Timeout = def.Execution.Timeout
	}
	if c.Execution.FanOut <= 0 {
		c.Execution.FanOut = def.Execution.FanOut
	}
	if c.Execution.MaxConnectionsPerUser <= 0 {
		c.Execution.MaxConnectionsPerUser = def.Execution.MaxConnectionsPerUser
	}
	if c.Execution.StaleJobAfter <= 0 {
		c.Execution.StaleJobAfter = def.Execution.StaleJobAfter
	}
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Name == "" {
			p.Name = p.Key
		}
		for j := range p.Models {
			if p.Models[j].DisplayName == "" {
				p.Models[j].DisplayName = p.Models[j].ID
			}
		}
	}
}

// Validate returns every problem found rather than stopping at the first.
func (c *Config) Validate() []string {
	var errs []string
	seen := map[string]bool{}
	for i, p := range c.Providers {
		if p.Key == "" {
			errs = append(errs, fmt.Sprintf("providers[%d].key is required", i))
			continue
		}
		if seen[p.Key] {
			errs = append(errs, fmt.Sprintf("duplicate provider key %q", p.Key))
		}
		seen[p.Key] = true
		if p.APIBase != "" && !isValidURL(p.APIBase) {
			errs = append(errs, fmt.Sprintf("invalid api_base for provider %q: %s", p.Key, p.APIBase))
		}
		for j, m := range p.Models {
			if m.ID == "" {
				errs = append(errs, fmt.Sprintf("providers[%s].models[%d].id is required", p.Key, j))
			}
		}
	}
	return errs
}

// Provider returns the provider with key.
func (c *Config) Provider(key string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Key == key {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// Targets returns every configured provider/model pair with credentials
// resolved.
func (c *Config) Targets() []target.Target {
	var out []target.Target
	for _, p := range c.Providers {
		key := p.Credential()
		for _, m := range p.Models {
			out = append(out, buildTarget(p, m, key))
		}
	}
	return out
}

// ResolveTargets maps "provider/model" selections onto configured targets,
// preserving the selection order. An empty selection returns every target.
func (c *Config) ResolveTargets(selection []string) ([]target.Target, error) {
	all := c.Targets()
	if len(selection) == 0 {
		return all, nil
	}
	byKey := make(map[string]target.Target, len(all))
	for _, t := range all {
		byKey[t.Key()] = t
	}
	out := make([]target.Target, 0, len(selection))
	for _, sel := range selection {
		sel = strings.TrimSpace(sel)
		t, ok := byKey[sel]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, sel)
		}
		out = append(out, t)
	}
	return out, nil
}

// Secrets lists every credential value known to the configuration.
func (c *Config) Secrets() []string {
	var out []string
	for _, p := range c.Providers {
		if k := p.Credential(); k != "" {
			out = append(out, k)
		}
	}
	return out
}

func buildTarget(p ProviderConfig, m ModelConfig, key string) target.Target {
	return target.Target{
		Provider:          p.Key,
		ProviderName:      p.Name,
		Model:             m.ID,
		DisplayName:       m.DisplayName,
		APIBase:           p.APIBase,
		APIKey:            key,
		InputCostPerMTok:  m.InputCostPerMTok,
		OutputCostPerMTok: m.OutputCostPerMTok,
		SkipParams:        append([]string(nil), m.SkipParams...),
		SystemPrompt:      m.SystemPrompt,
		ContextWindow:     m.ContextWindow,
		MaxOutputTokens:   m.MaxOutputTokens,
		RequestsPerMinute: p.RequestsPerMinute,
	}
}
