package site

import (
	"fmt"
	"sort"
)

// Factory builds a Client for one transport.
type Factory func() (Client, error)

// Registry maps transport names ("kudu", "ssh") to client factories.
type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// Open builds the client registered under name.
func (r *Registry) Open(name string) (Client, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("transport not registered: %s", name)
	}
	c, err := f()
	if err != nil {
		return nil, fmt.Errorf("open %s transport: %w", name, err)
	}
	return c, nil
}

// Names lists registered transports in order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
