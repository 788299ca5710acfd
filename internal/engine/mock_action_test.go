package engine_test

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/xerilium/catalyst/pkg/catalyst/v1/action"
	caterrors "github.com/xerilium/catalyst/pkg/catalyst/v1/errors"
)

// InMemoryRegistry is a minimal action.Registry for engine tests.
type InMemoryRegistry struct {
	factories map[string]action.Factory
	mu        sync.RWMutex
}

func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{factories: make(map[string]action.Factory)}
}

func (r *InMemoryRegistry) Register(name string, factory action.Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == "" || factory == nil {
		return caterrors.New(caterrors.KindConfigInvalid, "mock registry: name and factory are required", "", nil)
	}
	if _, dup := r.factories[name]; dup {
		return caterrors.New(caterrors.KindConfigInvalid, fmt.Sprintf("mock registry: %q already registered", name), "", nil)
	}
	r.factories[name] = factory
	return nil
}

func (r *InMemoryRegistry) Get(name string) (action.Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	if !ok {
		return nil, caterrors.New(caterrors.KindActionNotFound, fmt.Sprintf("action %q is not registered", name), "", nil)
	}
	return f, nil
}

func (r *InMemoryRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

var _ action.Registry = (*InMemoryRegistry)(nil)

// MockAction replays scripted outcomes, one per invocation. The last outcome
// repeats once the script is exhausted; an empty script always continues
// with the received config as its value.
type MockAction struct {
	mu       sync.Mutex
	outcomes []action.Outcome
	calls    int
	configs  []any
	// hook, when set, runs before each invocation.
	hook func(ctx context.Context, call int)
}

func NewMockAction(outcomes ...action.Outcome) *MockAction {
	return &MockAction{outcomes: outcomes}
}

// Factory returns the same instance on every call so invocations can be
// counted across retries and resumes.
func (m *MockAction) Factory() action.Action { return m }

func (m *MockAction) Execute(ctx context.Context, cfg any) action.Outcome {
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.configs = append(m.configs, cfg)
	hook := m.hook
	var out action.Outcome = action.Continue{Value: cfg}
	if n := len(m.outcomes); n > 0 {
		idx := call - 1
		if idx >= n {
			idx = n - 1
		}
		out = m.outcomes[idx]
	}
	m.mu.Unlock()

	if hook != nil {
		hook(ctx, call)
	}
	return out
}

func (m *MockAction) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockAction) LastConfig() any {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.configs) == 0 {
		return nil
	}
	return m.configs[len(m.configs)-1]
}

// shorthandAction accepts a scalar config under "value".
type shorthandAction struct{ *MockAction }

func (shorthandAction) PrimaryProperty() string { return "value" }

// dependentAction declares an environment variable it needs.
type dependentAction struct {
	*MockAction
	env string
}

func (d dependentAction) Dependencies() []action.Dependency {
	return []action.Dependency{{Kind: action.DependencyEnv, Name: d.env}}
}

// panickingAction panics on every invocation.
type panickingAction struct{}

func (panickingAction) Execute(context.Context, any) action.Outcome { panic("boom") }

func fail(code, msg string) action.Failure {
	return action.Failure{Code: code, Message: msg}
}

func ok(v any) action.Continue { return action.Continue{Value: v} }
