package ai

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

type ProviderFactory func(ctx context.Context, model string) (Provider, error)

// Registry routes a session's provider name to a factory, so each chat
// session can use its own provider and model.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ProviderFactory)}
}

func (r *Registry) Register(name string, f ProviderFactory) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) Get(ctx context.Context, name string, model string) (Provider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Errorf("unknown ai provider: %s", name)
	}
	return f(ctx, model)
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	return out
}

// Settings configures the default registry.
type Settings struct {
	OllamaBaseURL     string
	OllamaModel       string
	OpenRouterBaseURL string
	OpenRouterAPIKey  string
	OpenRouterModel   string
	OpenRouterSiteURL string
	OpenRouterAppName string
}

// DefaultRegistry registers "ollama" and, when an API key is set, "openrouter".
func DefaultRegistry(s Settings) *Registry {
	reg := NewRegistry()
	reg.Register("ollama", func(_ context.Context, model string) (Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = s.OllamaModel
		}
		return NewOllamaProvider(s.OllamaBaseURL, m), nil
	})
	if strings.TrimSpace(s.OpenRouterAPIKey) != "" {
		reg.Register("openrouter", func(_ context.Context, model string) (Provider, error) {
			m := strings.TrimSpace(model)
			if m == "" {
				m = s.OpenRouterModel
			}
			return NewOpenRouterProvider(s.OpenRouterBaseURL, s.OpenRouterAPIKey, m, s.OpenRouterSiteURL, s.OpenRouterAppName), nil
		})
	}
	return reg
}
