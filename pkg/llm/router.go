package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/opgroeien/flowd/pkg/models"
)

// ProviderType identifies a backend implementation.
type ProviderType string

const (
	ProviderOpenAI    ProviderType = "openai"
	ProviderAnthropic ProviderType = "anthropic"
)

// ModelSpec is the resolved configuration for one logical model name.
type ModelSpec struct {
	// Provider selects the backend implementation.
	Provider ProviderType

	// Model is the provider-side model identifier.
	Model string

	// APIKey authenticates against the provider.
	APIKey string

	// BaseURL overrides the provider endpoint (OpenAI-compatible
	// gateways, regional Anthropic endpoints).
	BaseURL string

	// Strict marks Pro-tier models subject to the 5 RPM process gate.
	Strict bool

	// Pool names the gateway semaphore this model's callers contend on.
	Pool string

	// Config carries default generation parameters.
	Config models.ModelConfig

	// MaxTokens caps response length; 0 uses the backend default.
	MaxTokens int
}

// Router maps logical model names to provider backends. It implements
// Client itself: Stream resolves req.Model and delegates.
type Router struct {
	mu       sync.RWMutex
	specs    map[string]ModelSpec
	backends map[string]Client
}

// NewRouter builds a router for the given model registry. Backends are
// constructed lazily on first use and cached per logical model.
func NewRouter(specs map[string]ModelSpec) *Router {
	copied := make(map[string]ModelSpec, len(specs))
	for k, v := range specs {
		copied[k] = v
	}
	return &Router{
		specs:    copied,
		backends: make(map[string]Client),
	}
}

// Spec returns the registered spec for a logical model name.
func (r *Router) Spec(name string) (ModelSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[name]
	if !ok {
		return ModelSpec{}, fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}
	return spec, nil
}

// Models returns all registered logical model names.
func (r *Router) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	return names
}

// Register adds or replaces a backend for a logical model name.
// Used by tests to install scripted clients.
func (r *Router) Register(name string, spec ModelSpec, client Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[name] = spec
	r.backends[name] = client
}

// Stream resolves the logical model and delegates to its backend.
func (r *Router) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	client, spec, err := r.resolve(req.Model)
	if err != nil {
		return nil, err
	}

	// Pass the provider-side model name downstream; apply registry
	// defaults the request does not override.
	resolved := *req
	resolved.Model = spec.Model
	if resolved.MaxTokens == 0 {
		resolved.MaxTokens = spec.MaxTokens
	}
	if resolved.Config.Temperature == nil {
		resolved.Config.Temperature = spec.Config.Temperature
	}
	if resolved.Config.ThinkingLevel == "" {
		resolved.Config.ThinkingLevel = spec.Config.ThinkingLevel
	}
	return client.Stream(ctx, &resolved)
}

func (r *Router) resolve(name string) (Client, ModelSpec, error) {
	r.mu.RLock()
	spec, ok := r.specs[name]
	if !ok {
		r.mu.RUnlock()
		return nil, ModelSpec{}, fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}
	if client, cached := r.backends[name]; cached {
		r.mu.RUnlock()
		return client, spec, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if client, cached := r.backends[name]; cached {
		return client, spec, nil
	}

	var client Client
	switch spec.Provider {
	case ProviderOpenAI:
		client = NewOpenAIClient(spec.APIKey, spec.BaseURL)
	case ProviderAnthropic:
		client = NewAnthropicClient(spec.APIKey, spec.BaseURL)
	default:
		return nil, ModelSpec{}, fmt.Errorf("%w: unknown provider %q for model %s", ErrInvalidInput, spec.Provider, name)
	}
	r.backends[name] = client
	return client, spec, nil
}
