package agent

import (
	"fmt"
	"sync"
)

// AgentDef declares a scripted participant in configuration.
type AgentDef struct {
	Name        string   `yaml:"name" toml:"name"`
	Role        string   `yaml:"role" toml:"role"`
	Description string   `yaml:"description,omitempty" toml:"description"`
	Replies     []string `yaml:"replies,omitempty" toml:"replies"`

	// Key is the bus key the agent is registered under; empty means default.
	Key string `yaml:"key,omitempty" toml:"key"`
}

// FactoryFunc builds an agent from its definition.
type FactoryFunc func(AgentDef) (Agent, error)

// Registry interface allows for testable registry implementations
type Registry interface {
	Register(role string, factory FactoryFunc)
	GetFactory(role string) (FactoryFunc, bool)
	Roles() []string
}

// DefaultRegistry is the global registry implementation
type DefaultRegistry struct {
	factories map[string]FactoryFunc
	order     []string
	mu        sync.RWMutex
}

var defaultRegistry = NewRegistry()

// NewRegistry creates a new registry instance (useful for testing)
func NewRegistry() *DefaultRegistry {
	return &DefaultRegistry{
		factories: make(map[string]FactoryFunc),
	}
}

func (r *DefaultRegistry) Register(role string, factory FactoryFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[role]; !exists {
		r.order = append(r.order, role)
	}
	r.factories[role] = factory
}

func (r *DefaultRegistry) GetFactory(role string) (FactoryFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[role]
	return f, ok
}

// Roles lists registered roles in registration order.
func (r *DefaultRegistry) Roles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Register registers a factory with the default registry
func Register(role string, factory FactoryFunc) {
	defaultRegistry.Register(role, factory)
}

// GetFactory retrieves a factory from the default registry
func GetFactory(role string) (FactoryFunc, bool) {
	return defaultRegistry.GetFactory(role)
}

// CreateAgent creates an agent using the default registry
func CreateAgent(def AgentDef) (Agent, error) {
	return CreateAgentWithRegistry(def, defaultRegistry)
}

// CreateAgentWithRegistry creates an agent using a custom registry (useful for testing)
func CreateAgentWithRegistry(def AgentDef, registry Registry) (Agent, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("agent definition has no name")
	}
	if factory, ok := registry.GetFactory(def.Role); ok {
		return factory(def)
	}
	return nil, fmt.Errorf("unknown role: %s", def.Role)
}
