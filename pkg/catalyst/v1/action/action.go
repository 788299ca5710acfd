// Package action defines the capability interface steps are dispatched to.
package action

import (
	"context"

	catlog "github.com/xerilium/catalyst/pkg/catalyst/v1/log"
)

// SuccessCode is the code an action reports when it completed normally.
const SuccessCode = "Success"

// Action is a unit of side-effecting work bound to a playbook step.
//
// Execute receives the step config after template resolution. The config
// carries live secret values; actions must not log it verbatim. Execute must
// return exactly one of Continue, EarlyReturn or Failure.
type Action interface {
	Execute(ctx context.Context, config any) Outcome
}

// Outcome is the closed set of results an action invocation can produce.
type Outcome interface {
	outcome()
}

// Continue reports success. Value is recorded under the step's name in the
// run's variables.
type Continue struct {
	Value any
}

// EarlyReturn ends the step loop successfully. Remaining steps are skipped;
// finally steps still run.
type EarlyReturn struct {
	Code    string
	Message string
	Outputs map[string]any
}

// Failure reports a failed invocation. Code is the application-defined error
// code consulted by error policies and catch handlers.
type Failure struct {
	Code    string
	Message string
	Err     error
}

func (Continue) outcome()    {}
func (EarlyReturn) outcome() {}
func (Failure) outcome()     {}

func (f Failure) Error() string {
	switch {
	case f.Message != "" && f.Err != nil:
		return f.Message + ": " + f.Err.Error()
	case f.Message != "":
		return f.Message
	case f.Err != nil:
		return f.Err.Error()
	}
	return f.Code
}

// Unwrap exposes the underlying cause.
func (f Failure) Unwrap() error { return f.Err }

// Fail builds a Failure from an error.
func Fail(code string, err error) Failure {
	f := Failure{Code: code, Err: err}
	if err != nil {
		f.Message = err.Error()
	}
	return f
}

// PrimaryPropertyProvider is implemented by actions that accept a shorthand
// scalar config. The scalar is placed under the named property.
type PrimaryPropertyProvider interface {
	PrimaryProperty() string
}

// DependencyKind names what a Dependency refers to.
type DependencyKind string

const (
	DependencyCLI DependencyKind = "cli"
	DependencyEnv DependencyKind = "env"
)

// Dependency is an external tool or environment variable an action requires.
type Dependency struct {
	Kind DependencyKind
	Name string
}

// DependencyDeclarer is implemented by actions that need the host to verify
// external prerequisites before first use.
type DependencyDeclarer interface {
	Dependencies() []Dependency
}

// Factory creates a fresh action instance.
type Factory func() Action

// Registry maps action identifiers to factories.
type Registry interface {
	// Get returns the factory for name, or an ActionNotFound error.
	Get(name string) (Factory, error)
	// Register adds a factory. Empty names, nil factories and duplicates are
	// rejected.
	Register(name string, factory Factory) error
	// List returns the registered names in sorted order.
	List() []string
}

type loggerKey struct{}

// WithLogger returns a context carrying the step logger. The engine sets it
// before every invocation; the logger masks the run's secrets.
func WithLogger(ctx context.Context, log catlog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, log)
}

// LoggerFrom returns the step logger stored in ctx, or fallback.
func LoggerFrom(ctx context.Context, fallback catlog.Logger) catlog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(catlog.Logger); ok && l != nil {
		return l
	}
	return fallback
}
