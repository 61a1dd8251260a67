package providers

import (
	"os"
	"sync"

	"github.com/haasonsaas/nexus-core/internal/agent"
	"github.com/haasonsaas/nexus-core/internal/errdefs"
	"github.com/haasonsaas/nexus-core/internal/observability"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

// Default API key environment variables per provider id.
const (
	anthropicKeyEnv = "ANTHROPIC_API_KEY"
	openaiKeyEnv    = "OPENAI_API_KEY"
)

// Resolver builds and caches provider clients per (provider, model) pair.
// Safe for concurrent use.
type Resolver struct {
	logger *observability.Logger

	mu    sync.Mutex
	cache map[string]agent.Provider
}

// NewResolver builds a provider resolver.
func NewResolver(logger *observability.Logger) *Resolver {
	return &Resolver{
		logger: logger,
		cache:  make(map[string]agent.Provider),
	}
}

// Resolve implements agent.ProviderResolver.
func (r *Resolver) Resolve(spec models.ProviderSpec) (agent.Provider, error) {
	key := spec.Provider + "/" + spec.Model
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.cache[key]; ok {
		return p, nil
	}

	p, err := r.build(spec)
	if err != nil {
		return nil, err
	}
	r.cache[key] = p
	return p, nil
}

func (r *Resolver) build(spec models.ProviderSpec) (agent.Provider, error) {
	switch spec.Provider {
	case "anthropic":
		return NewAnthropic(AnthropicConfig{
			APIKey: apiKey(spec, anthropicKeyEnv),
			Model:  spec.Model,
		}, r.logger)
	case "openai":
		return NewOpenAI(OpenAIConfig{
			APIKey: apiKey(spec, openaiKeyEnv),
			Model:  spec.Model,
		}, r.logger)
	default:
		return nil, errdefs.Newf(errdefs.CodeValidation, "unknown provider %q", spec.Provider)
	}
}

func apiKey(spec models.ProviderSpec, fallbackEnv string) string {
	if spec.APIKeyEnvVar != "" {
		return os.Getenv(spec.APIKeyEnvVar)
	}
	return os.Getenv(fallbackEnv)
}
