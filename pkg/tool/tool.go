// Package tool defines the provider contract for tools that agents can
// invoke, and the process-wide registry that maps provider types to
// implementations. Providers are pure with respect to their input: they
// receive the merged parameters, the run's system parameters, and the
// tool's metadata, and never see orchestrator state.
package tool

import (
	"context"
	"fmt"
	"sync"

	"github.com/qcenturion/arion-agents/pkg/graph"
	"github.com/qcenturion/arion-agents/pkg/secrets"
)

// Input is everything a provider receives for one invocation.
type Input struct {
	Params   map[string]interface{} `json:"params"`
	System   map[string]interface{} `json:"system"`
	Metadata map[string]interface{} `json:"metadata"`
}

// Output is the uniform result shape returned by every provider.
type Output struct {
	OK     bool        `json:"ok"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Errorf builds a failed Output with a formatted message.
func Errorf(format string, args ...interface{}) Output {
	return Output{OK: false, Error: fmt.Sprintf(format, args...)}
}

// Provider executes one tool. Implementations must be safe for concurrent
// use: a single instance serves every run that equips the tool.
type Provider interface {
	Run(ctx context.Context, in Input) Output
}

// Config carries the compiled tool definition and its resolved secret to a
// provider factory.
type Config struct {
	Key          string
	ProviderType string
	Metadata     map[string]interface{}
	Secret       string
}

// Factory builds a provider instance for one configured tool.
type Factory func(cfg Config) (Provider, error)

// Registry maps provider types to factories and caches one provider
// instance per tool key. Populated at process start, read-mostly after.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	instances map[string]Provider
	secrets   *secrets.Resolver
}

// NewRegistry creates an empty registry. A nil resolver disables secret
// resolution; providers then run without credentials.
func NewRegistry(res *secrets.Resolver) *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		instances: make(map[string]Provider),
		secrets:   res,
	}
}

// NewDefaultRegistry creates a registry with the built-in providers
// registered: builtin:echo, http:request, rag:hybrid, and mcp:call.
func NewDefaultRegistry(res *secrets.Resolver) *Registry {
	r := NewRegistry(res)
	r.Register(ProviderEcho, NewEcho)
	r.Register(ProviderHTTP, NewHTTP)
	r.Register(ProviderRAG, NewRAG)
	r.Register(ProviderMCP, NewMCP)
	return r
}

// Register installs a factory for a provider type, replacing any previous
// registration.
func (r *Registry) Register(providerType string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[providerType] = f
}

// Resolve returns the provider instance for a compiled tool, constructing
// and caching it on first use. The tool's secret_ref is resolved here so
// providers receive the credential, never the reference.
func (r *Registry) Resolve(t *graph.CompiledTool) (Provider, error) {
	r.mu.RLock()
	if p, ok := r.instances[t.Key]; ok {
		r.mu.RUnlock()
		return p, nil
	}
	factory, ok := r.factories[t.ProviderType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no provider for type %q", t.ProviderType)
	}

	cfg := Config{
		Key:          t.Key,
		ProviderType: t.ProviderType,
		Metadata:     t.Metadata,
	}
	if t.SecretRef != "" && r.secrets != nil {
		if v, found := r.secrets.Resolve(t.SecretRef); found {
			cfg.Secret = v
		}
	}

	p, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build provider for tool %q: %w", t.Key, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.instances[t.Key]; ok {
		return existing, nil
	}
	r.instances[t.Key] = p
	return p, nil
}
