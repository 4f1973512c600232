package llms

import (
	"fmt"

	"github.com/agentmesh/agentmesh/config"
	"github.com/agentmesh/agentmesh/registry"
)

// Registry manages named Adapter instances, one per configured LLM.
type Registry struct {
	*registry.BaseRegistry[Adapter]
}

func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[Adapter]()}
}

// CreateFromConfig builds and registers an Adapter for the given named
// LLM config entry.
func (r *Registry) CreateFromConfig(name string, cfg config.LLMConfig) (Adapter, error) {
	var adapter Adapter
	switch cfg.Type {
	case "anthropic":
		adapter = NewAnthropicAdapter(cfg)
	case "openai":
		adapter = NewOpenAIAdapter(cfg)
	default:
		return nil, fmt.Errorf("llms: unsupported provider type %q", cfg.Type)
	}
	if err := r.Register(name, adapter); err != nil {
		return nil, err
	}
	return adapter, nil
}

// Get retrieves a named Adapter.
func (r *Registry) Get(name string) (Adapter, error) {
	adapter, ok := r.BaseRegistry.Get(name)
	if !ok {
		return nil, fmt.Errorf("llms: adapter %q not registered", name)
	}
	return adapter, nil
}
