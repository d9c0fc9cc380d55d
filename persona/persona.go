package persona

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Persona is a named worker role backed by the text generator.
type Persona struct {
	Name         string  `json:"name" yaml:"name"`
	Role         string  `json:"role" yaml:"role"`
	SystemPrompt string  `json:"system_prompt" yaml:"system_prompt"`
	Model        string  `json:"model,omitempty" yaml:"model"`
	Temperature  float64 `json:"temperature,omitempty" yaml:"temperature"`
}

// DefaultCoordinator is the name of the built-in coordinator persona.
const DefaultCoordinator = "coordinator"

// DefaultRoster returns the built-in personas.
func DefaultRoster() []Persona {
	return []Persona{
		{
			Name: DefaultCoordinator,
			Role: "plans the work and delegates it",
			SystemPrompt: "You are the coordinator of a small engineering team. " +
				"Break requests into focused tasks for the right teammates, or answer directly when no delegation is needed.",
		},
		{
			Name: "nova",
			Role: "implementation",
			SystemPrompt: "You are Nova, a pragmatic software engineer. " +
				"Write working code. Put runnable code in a single fenced block tagged with its language.",
		},
		{
			Name: "sentinel",
			Role: "testing and review",
			SystemPrompt: "You are Sentinel, a meticulous tester. " +
				"Write tests and check edge cases. Put runnable test code in a single fenced block tagged with its language.",
		},
		{
			Name: "atlas",
			Role: "research and analysis",
			SystemPrompt: "You are Atlas, a careful researcher. " +
				"Gather facts, compare options and state your sources of uncertainty.",
		},
		{
			Name: "echo",
			Role: "documentation",
			SystemPrompt: "You are Echo, a technical writer. " +
				"Explain results clearly and concisely for the person who asked.",
		},
	}
}

// Registry holds the personas and knows which one coordinates.
type Registry struct {
	mu          sync.RWMutex
	personas    map[string]Persona
	coordinator string
}

// NewRegistry creates a registry. coordinator must name one of personas.
func NewRegistry(coordinator string, personas ...Persona) (*Registry, error) {
	r := &Registry{personas: make(map[string]Persona), coordinator: coordinator}
	for _, p := range personas {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	if _, ok := r.personas[coordinator]; !ok {
		return nil, fmt.Errorf("coordinator persona %q is not registered", coordinator)
	}
	return r, nil
}

// Register adds or replaces a persona.
func (r *Registry) Register(p Persona) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("persona name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.personas[p.Name] = p
	return nil
}

// Get returns the persona called name.
func (r *Registry) Get(name string) (Persona, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.personas[name]
	return p, ok
}

// Coordinator returns the coordinating persona.
func (r *Registry) Coordinator() Persona {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.personas[r.coordinator]
}

// Workers returns every persona except the coordinator, sorted by name.
func (r *Registry) Workers() []Persona {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Persona, 0, len(r.personas))
	for name, p := range r.personas {
		if name != r.coordinator {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// KnownWorkers returns the names tasks may be delegated to.
func (r *Registry) KnownWorkers() []string {
	workers := r.Workers()
	names := make([]string, len(workers))
	for i, p := range workers {
		names[i] = p.Name
	}
	return names
}
