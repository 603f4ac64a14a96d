package persona

import (
	"slices"
	"sync"
)

// Registry is an ordered, concurrency-safe set of personas. Replace swaps
// the whole set, which is how hot reload applies a changed file. Use
// NewRegistry; the zero value holds no personas.
type Registry struct {
	mu       sync.RWMutex
	personas []Persona
}

// NewRegistry returns a registry holding personas, or Defaults when
// personas is empty.
func NewRegistry(personas []Persona) *Registry {
	r := &Registry{}
	r.Replace(personas)
	return r
}

// Replace swaps in a new persona list. Duplicate names keep the first entry.
func (r *Registry) Replace(personas []Persona) {
	if len(personas) == 0 {
		personas = Defaults()
	}
	seen := make(map[string]bool, len(personas))
	next := make([]Persona, 0, len(personas))
	for _, p := range personas {
		if seen[p.Name] {
			continue
		}
		seen[p.Name] = true
		next = append(next, clonePersona(p))
	}

	r.mu.Lock()
	r.personas = next
	r.mu.Unlock()
}

// Get looks up a persona by name.
func (r *Registry) Get(name string) (Persona, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.personas {
		if p.Name == name {
			return clonePersona(p), true
		}
	}
	return Persona{}, false
}

// Names returns persona names in cycling order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.personas))
	for i, p := range r.personas {
		names[i] = p.Name
	}
	return names
}

// List returns a copy of every persona in cycling order.
func (r *Registry) List() []Persona {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Persona, len(r.personas))
	for i, p := range r.personas {
		out[i] = clonePersona(p)
	}
	return out
}

// First returns the persona at the head of the cycle.
func (r *Registry) First() Persona {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return clonePersona(r.personas[0])
}

// Next returns the persona after name, wrapping around. With reverse it
// returns the one before. An unknown name starts from the first persona.
func (r *Registry) Next(name string, reverse bool) Persona {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(r.personas)
	i := slices.IndexFunc(r.personas, func(p Persona) bool { return p.Name == name })
	if i < 0 {
		return clonePersona(r.personas[0])
	}
	if reverse {
		i = (i - 1 + n) % n
	} else {
		i = (i + 1) % n
	}
	return clonePersona(r.personas[i])
}

func clonePersona(p Persona) Persona {
	p.AllowedTools = slices.Clone(p.AllowedTools)
	p.DisallowedTools = slices.Clone(p.DisallowedTools)
	return p
}
