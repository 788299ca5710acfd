package v1

import (
	"context"
	"time"

	"github.com/xerilium/catalyst/internal/config"
	"github.com/xerilium/catalyst/internal/lock"
	"github.com/xerilium/catalyst/internal/state"
	"github.com/xerilium/catalyst/pkg/catalyst/v1/action"
	caterrors "github.com/xerilium/catalyst/pkg/catalyst/v1/errors"
	"github.com/xerilium/catalyst/pkg/catalyst/v1/events"
	"github.com/xerilium/catalyst/pkg/catalyst/v1/metrics"
	"github.com/xerilium/catalyst/pkg/catalyst/v1/tracing"
)

// EngineV1 defines the public interface of the Catalyst playbook executor.
type EngineV1 interface {
	// Run executes playbook with the given inputs. secrets populates the
	// run's secret store; values are masked everywhere they are surfaced and
	// are never persisted.
	Run(ctx context.Context, playbook *config.Playbook, inputs map[string]any, secrets map[string]string) (*RunResult, error)
	// Resume continues a suspended (or interrupted) run from its persisted
	// state. A run still marked running whose lock is live is refused unless
	// ForceResume is given.
	Resume(ctx context.Context, runID string, playbook *config.Playbook, secrets map[string]string, opts ...ResumeOption) (*RunResult, error)

	// MetricsRegistryProvider returns the underlying metrics provider.
	MetricsRegistryProvider() metrics.RegistryProvider
	// TracerProvider returns the underlying tracing provider.
	TracerProvider() tracing.TracerProvider

	// Setter methods for configuring engine components programmatically.
	SetStateStore(store state.Store) error
	SetLockManager(manager LockManager) error
	SetEventBus(bus events.Bus) error
	SetActionRegistry(registry action.Registry) error
	SetMetricsRegistryProvider(provider metrics.RegistryProvider) error
	SetTracerProvider(provider tracing.TracerProvider) error
	SetDefaultErrorPolicy(policy *config.ErrorPolicy) error
	SetLockHolder(holder string) error
	SetLockTTL(ttl time.Duration) error
	SetRetrySleeper(sleeper Sleeper) error
}

// EngineOption is a function type used to configure the engine at creation.
type EngineOption func(EngineV1) error

// LockManager is the part of the resource lock manager the engine uses.
type LockManager interface {
	Acquire(runID string, res lock.Resources, holder string, ttl time.Duration) error
	Release(runID string) error
	// Held reports runID's own unexpired lock record.
	Held(runID string) (lock.Lock, bool, error)
}

// ResumeOptions tunes a single Resume call.
type ResumeOptions struct {
	// Force resumes a running record even while its lock is live, for when
	// the process that held it is known to be gone.
	Force bool
}

// ResumeOption sets a ResumeOptions field.
type ResumeOption func(*ResumeOptions)

// ForceResume skips the live-lock check on runs still marked running.
func ForceResume() ResumeOption {
	return func(o *ResumeOptions) { o.Force = true }
}

// Sleeper waits between retries. It returns early with ctx's error when ctx
// is cancelled.
type Sleeper func(ctx context.Context, d time.Duration) error

// RunResult is the terminal outcome of Run or Resume.
type RunResult struct {
	RunID  string       `json:"runId"`
	Status state.Status `json:"status"`
	// Code is "Success" for successful runs, the early-return code when a
	// return step ended the run, or the error code of the failure.
	Code    string         `json:"code"`
	Message string         `json:"message,omitempty"`
	Outputs map[string]any `json:"outputs,omitempty"`

	CompletedSteps []string      `json:"completedSteps"`
	SkippedSteps   []string      `json:"skippedSteps,omitempty"`
	CleanupSteps   []string      `json:"cleanupSteps,omitempty"`
	Duration       time.Duration `json:"duration"`
}

// Succeeded reports whether the run completed.
func (r *RunResult) Succeeded() bool {
	return r != nil && r.Status == state.StatusCompleted
}

func nilOption(what string) error {
	return caterrors.New(caterrors.KindConfigInvalid, what+" cannot be nil", "Pass a configured instance or omit the option to use the default.", nil)
}

// WithStateStore is an engine option to provide a custom run state store.
func WithStateStore(store state.Store) EngineOption {
	return func(e EngineV1) error {
		if store == nil {
			return nilOption("state store")
		}
		return e.SetStateStore(store)
	}
}

// WithLockManager is an engine option to provide the resource lock manager.
func WithLockManager(manager LockManager) EngineOption {
	return func(e EngineV1) error {
		if manager == nil {
			return nilOption("lock manager")
		}
		return e.SetLockManager(manager)
	}
}

// WithEventBus is an engine option to provide a custom event bus.
func WithEventBus(bus events.Bus) EngineOption {
	return func(e EngineV1) error {
		if bus == nil {
			return nilOption("event bus")
		}
		return e.SetEventBus(bus)
	}
}

// WithActionRegistry is an engine option to provide the action registry.
func WithActionRegistry(registry action.Registry) EngineOption {
	return func(e EngineV1) error {
		if registry == nil {
			return nilOption("action registry")
		}
		return e.SetActionRegistry(registry)
	}
}

// WithMetricsRegistryProvider is an engine option to provide a custom metrics provider.
func WithMetricsRegistryProvider(provider metrics.RegistryProvider) EngineOption {
	return func(e EngineV1) error {
		if provider == nil {
			return nilOption("metrics registry provider")
		}
		return e.SetMetricsRegistryProvider(provider)
	}
}

// WithTracerProvider is an engine option to provide a custom tracing provider.
func WithTracerProvider(provider tracing.TracerProvider) EngineOption {
	return func(e EngineV1) error {
		if provider == nil {
			return nilOption("tracer provider")
		}
		return e.SetTracerProvider(provider)
	}
}

// WithDefaultErrorPolicy sets the policy used when neither the step nor the
// playbook declares one.
func WithDefaultErrorPolicy(policy *config.ErrorPolicy) EngineOption {
	return func(e EngineV1) error {
		if policy == nil {
			return nilOption("default error policy")
		}
		if v := policy.Violations("defaultErrorPolicy"); len(v) > 0 {
			return caterrors.NewValidation(caterrors.KindConfigInvalid, "default error policy is not valid", v, "")
		}
		return e.SetDefaultErrorPolicy(policy)
	}
}

// WithLockHolder sets the identity recorded in lock files.
func WithLockHolder(holder string) EngineOption {
	return func(e EngineV1) error {
		return e.SetLockHolder(holder)
	}
}

// WithLockTTL sets how long acquired locks stay valid.
func WithLockTTL(ttl time.Duration) EngineOption {
	return func(e EngineV1) error {
		if ttl <= 0 {
			return caterrors.New(caterrors.KindConfigInvalid, "lock ttl must be positive", "", nil)
		}
		return e.SetLockTTL(ttl)
	}
}

// WithRetrySleeper replaces the wall clock used between retries.
func WithRetrySleeper(sleeper Sleeper) EngineOption {
	return func(e EngineV1) error {
		if sleeper == nil {
			return nilOption("retry sleeper")
		}
		return e.SetRetrySleeper(sleeper)
	}
}
