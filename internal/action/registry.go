// Package action holds the registry steps are resolved against.
package action

import (
	"fmt"
	"sort"
	"sync"

	catalystaction "github.com/xerilium/catalyst/pkg/catalyst/v1/action"
	caterrors "github.com/xerilium/catalyst/pkg/catalyst/v1/errors"
)

// StaticRegistry is a map-backed catalystaction.Registry. It is filled
// explicitly at program start; there is no registration from init().
type StaticRegistry struct {
	factories map[string]catalystaction.Factory
	mu        sync.RWMutex
}

var _ catalystaction.Registry = (*StaticRegistry)(nil)

// NewStaticRegistry creates an empty registry.
func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{factories: make(map[string]catalystaction.Factory)}
}

// Register associates an action identifier with its factory. Empty names,
// nil factories and duplicate names are rejected.
func (r *StaticRegistry) Register(name string, factory catalystaction.Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" {
		return caterrors.New(caterrors.KindConfigInvalid, "action registration error: name cannot be empty", "", nil)
	}
	if factory == nil {
		return caterrors.New(caterrors.KindConfigInvalid,
			fmt.Sprintf("action registration error for '%s': factory cannot be nil", name), "", nil)
	}
	if _, exists := r.factories[name]; exists {
		return caterrors.New(caterrors.KindConfigInvalid,
			fmt.Sprintf("action registration error: duplicate action name '%s'", name), "", nil)
	}
	r.factories[name] = factory
	return nil
}

// MustRegister is Register that panics, for wiring code where a failure is a
// programming mistake.
func (r *StaticRegistry) MustRegister(name string, factory catalystaction.Factory) {
	if err := r.Register(name, factory); err != nil {
		panic(err)
	}
}

// Get returns the factory for name or an ActionNotFound error.
func (r *StaticRegistry) Get(name string) (catalystaction.Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, exists := r.factories[name]
	if !exists {
		return nil, caterrors.New(caterrors.KindActionNotFound, fmt.Sprintf("action '%s' is not registered", name),
			"Check the step's action name; 'catalyst validate' lists the available actions.", nil)
	}
	return factory, nil
}

// List returns the registered names, sorted.
func (r *StaticRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
