package config

import (
	"context"
	"sync"

	"llmbenchstudio/internal/target"
)

// UserConfigSource resolves the targets a given user may run.
type UserConfigSource interface {
	TargetsFor(ctx context.Context, userID string, selection []string) ([]target.Target, error)
}

// StaticUserConfig serves the process configuration to every user. Keys set
// with SetUserKey replace the configured credential for that user only.
type StaticUserConfig struct {
	cfg *Config

	mu   sync.RWMutex
	keys map[string]map[string]string // user -> provider key -> api key
}

// NewStaticUserConfig wraps cfg.
func NewStaticUserConfig(cfg *Config) *StaticUserConfig {
	return &StaticUserConfig{cfg: cfg, keys: make(map[string]map[string]string)}
}

// SetUserKey registers a personal credential for provider. An empty key
// removes it.
func (s *StaticUserConfig) SetUserKey(userID, provider, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key == "" {
		delete(s.keys[userID], provider)
		if len(s.keys[userID]) == 0 {
			delete(s.keys, userID)
		}
		return
	}
	if s.keys[userID] == nil {
		s.keys[userID] = make(map[string]string)
	}
	s.keys[userID][provider] = key
}

// ForgetUser drops every credential registered for userID.
func (s *StaticUserConfig) ForgetUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, userID)
}

// TargetsFor resolves selection and injects the user's own keys. The shared
// targets are never modified.
func (s *StaticUserConfig) TargetsFor(_ context.Context, userID string, selection []string) ([]target.Target, error) {
	targets, err := s.cfg.ResolveTargets(selection)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	keys := s.keys[userID]
	s.mu.RUnlock()
	if len(keys) == 0 {
		return targets, nil
	}
	out := make([]target.Target, len(targets))
	for i, t := range targets {
		if key, ok := keys[t.Provider]; ok {
			out[i] = t.WithAPIKey(key)
		} else {
			out[i] = t
		}
	}
	return out, nil
}

// Secrets returns every credential known to the source, per-user keys
// included.
func (s *StaticUserConfig) Secrets() []string {
	out := s.cfg.Secrets()
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, byProvider := range s.keys {
		for _, k := range byProvider {
			out = append(out, k)
		}
	}
	return out
}
