// Package engine executes playbooks: one run is one sequential walk over the
// playbook's steps, with locks, persistence, error policies and masking
// applied around every step.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/xerilium/catalyst/actions"
	intAction "github.com/xerilium/catalyst/internal/action"
	"github.com/xerilium/catalyst/internal/config"
	"github.com/xerilium/catalyst/internal/errpolicy"
	intEvents "github.com/xerilium/catalyst/internal/events"
	"github.com/xerilium/catalyst/internal/inputs"
	"github.com/xerilium/catalyst/internal/lock"
	"github.com/xerilium/catalyst/internal/logger"
	intMetrics "github.com/xerilium/catalyst/internal/metrics"
	"github.com/xerilium/catalyst/internal/secrets"
	"github.com/xerilium/catalyst/internal/state"
	"github.com/xerilium/catalyst/internal/template"
	intTracing "github.com/xerilium/catalyst/internal/tracing"
	catalyst "github.com/xerilium/catalyst/pkg/catalyst/v1"
	"github.com/xerilium/catalyst/pkg/catalyst/v1/action"
	caterrors "github.com/xerilium/catalyst/pkg/catalyst/v1/errors"
	"github.com/xerilium/catalyst/pkg/catalyst/v1/events"
	catlog "github.com/xerilium/catalyst/pkg/catalyst/v1/log"
	"github.com/xerilium/catalyst/pkg/catalyst/v1/metrics"
	cattracing "github.com/xerilium/catalyst/pkg/catalyst/v1/tracing"
)

// DefaultRunsDir is used when no state store is configured.
const DefaultRunsDir = ".xe/runs"

// Engine is the playbook executor.
type Engine struct {
	store           state.Store
	locks           catalyst.LockManager
	eventBus        events.Bus
	registry        action.Registry
	metricsProvider metrics.RegistryProvider
	tracerProvider  cattracing.TracerProvider
	log             catlog.Logger

	defaultPolicy *config.ErrorPolicy
	holder        string
	lockTTL       time.Duration
	sleeper       errpolicy.Sleeper
	now           func() time.Time

	collectors *intMetrics.Collectors
}

var _ catalyst.EngineV1 = (*Engine)(nil)

// NewEngine creates an engine. Components that are not provided through
// options fall back to file-backed defaults under DefaultRunsDir, the
// built-in actions, a no-op event bus and a no-op tracer.
func NewEngine(log catlog.Logger, opts ...catalyst.EngineOption) (*Engine, error) {
	if log == nil {
		return nil, caterrors.New(caterrors.KindConfigInvalid, "logger cannot be nil", "", nil)
	}

	e := &Engine{
		log:           log,
		defaultPolicy: config.TokenPolicy(errpolicy.DefaultAction),
		holder:        lock.DefaultHolder(),
		lockTTL:       lock.DefaultTTL,
		sleeper:       errpolicy.SleepContext,
		now:           time.Now,
	}

	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, caterrors.New(caterrors.KindConfigInvalid, fmt.Sprintf("failed to apply engine option: %v", err), "", err)
		}
	}

	if e.store == nil {
		e.log.Debugf("No state store provided, using file store at %s.", DefaultRunsDir)
		e.store = state.NewFileStore(DefaultRunsDir, e.log)
	}
	if e.locks == nil {
		e.log.Debugf("No lock manager provided, using %s.", filepath.Join(DefaultRunsDir, "locks"))
		e.locks = lock.NewManager(filepath.Join(DefaultRunsDir, "locks"), e.log)
	}
	if e.eventBus == nil {
		e.eventBus = intEvents.NewNoOpEventBus()
	}
	if e.registry == nil {
		e.log.Debugf("No action registry provided, using the built-in actions.")
		reg := intAction.NewStaticRegistry()
		if err := actions.RegisterBuiltins(reg, e.log); err != nil {
			return nil, err
		}
		e.registry = reg
	}
	if e.metricsProvider == nil {
		e.metricsProvider = intMetrics.NewPrometheusRegistryProvider()
	}
	if e.tracerProvider == nil {
		e.tracerProvider = intTracing.NewNoOpProvider()
	}

	e.initMetrics()
	return e, nil
}

func (e *Engine) initMetrics() {
	reg := e.metricsProvider.Registry()
	if reg == nil {
		e.log.Errorf("Metrics provider returned a nil registry, cannot initialize metrics.")
		return
	}
	c, err := intMetrics.NewCollectors(reg)
	if err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			e.log.Warnf("Runner metrics already registered in this registry; this engine will not record them.")
		} else {
			e.log.Warnf("Failed to register runner metrics: %v", err)
		}
		return
	}
	e.collectors = c
	e.log.Debugf("Prometheus metrics initialized and registered.")
}

// Collectors returns the engine's metrics, or nil when they could not be
// registered. The event-driven counters are fed by an events.MetricsEventListener.
func (e *Engine) Collectors() *intMetrics.Collectors { return e.collectors }

// Store returns the run state store.
func (e *Engine) Store() state.Store { return e.store }

// Registry returns the action registry.
func (e *Engine) Registry() action.Registry { return e.registry }

func (e *Engine) MetricsRegistryProvider() metrics.RegistryProvider { return e.metricsProvider }
func (e *Engine) TracerProvider() cattracing.TracerProvider          { return e.tracerProvider }

func (e *Engine) SetStateStore(store state.Store) error {
	e.store = store
	return nil
}

func (e *Engine) SetLockManager(manager catalyst.LockManager) error {
	e.locks = manager
	return nil
}

func (e *Engine) SetEventBus(bus events.Bus) error {
	e.eventBus = bus
	return nil
}

func (e *Engine) SetActionRegistry(registry action.Registry) error {
	e.registry = registry
	return nil
}

func (e *Engine) SetMetricsRegistryProvider(provider metrics.RegistryProvider) error {
	e.metricsProvider = provider
	return nil
}

func (e *Engine) SetTracerProvider(provider cattracing.TracerProvider) error {
	e.tracerProvider = provider
	return nil
}

func (e *Engine) SetDefaultErrorPolicy(policy *config.ErrorPolicy) error {
	e.defaultPolicy = policy
	return nil
}

func (e *Engine) SetLockHolder(holder string) error {
	if holder != "" {
		e.holder = holder
	}
	return nil
}

func (e *Engine) SetLockTTL(ttl time.Duration) error {
	e.lockTTL = ttl
	return nil
}

func (e *Engine) SetRetrySleeper(sleeper catalyst.Sleeper) error {
	e.sleeper = errpolicy.Sleeper(sleeper)
	return nil
}

// runContext is everything one run carries between steps. The variables map
// inside st is owned by the executor for the duration of the run.
type runContext struct {
	pb       *config.Playbook
	st       *state.RunState
	masker   *secrets.Masker
	log      catlog.Logger
	renderer template.Renderer
	tracer   oteltrace.Tracer
	span     oteltrace.Span
	start    time.Time
	locked   bool
	// verified holds action ids whose dependencies were checked in this run.
	verified map[string]struct{}
}

// templateData is the run's inputs overlaid by step variables.
func (rc *runContext) templateData() map[string]any {
	data := make(map[string]any, len(rc.st.Inputs)+len(rc.st.Variables))
	for k, v := range rc.st.Inputs {
		data[k] = v
	}
	for k, v := range rc.st.Variables {
		data[k] = v
	}
	return data
}

func (e *Engine) newRunContext(ctx context.Context, pb *config.Playbook, secretValues map[string]string) (context.Context, *runContext) {
	masker := secrets.NewMasker()
	masker.RegisterAll(secretValues)
	tracer := e.tracerProvider.GetTracer(intTracing.TracerName)
	runCtx, span := tracer.Start(ctx, "catalyst.run", oteltrace.WithAttributes(intTracing.AttrPlaybook.String(pb.Name)))
	return runCtx, &runContext{
		pb:       pb,
		masker:   masker,
		log:      logger.WithMasker(e.log, masker).With("playbook", pb.Name),
		renderer: template.NewGoRenderer(masker, e.eventBus),
		tracer:   tracer,
		span:     span,
		start:    e.now(),
		verified: make(map[string]struct{}),
	}
}

// Run executes playbook from its first step.
//
// Failures that prevent the run from starting (an invalid playbook, invalid
// inputs, a lock conflict, an unwritable state directory) return a failed
// RunResult together with the error. A run that starts and later fails
// returns its RunResult and the masked failure. Suspended runs return a nil
// error.
func (e *Engine) Run(ctx context.Context, pb *config.Playbook, provided map[string]any, secretValues map[string]string) (*catalyst.RunResult, error) {
	if err := e.validatePlaybook(pb); err != nil {
		e.log.Errorf("Playbook validation failed: %v", err)
		return failedResult("", err), err
	}

	ctx, rc := e.newRunContext(ctx, pb, secretValues)
	defer rc.span.End()

	resolved, err := inputs.Resolve(pb.Inputs, provided)
	if err != nil {
		err = rc.masker.MaskError(err)
		rc.log.Errorf("Input validation failed: %v", err)
		intTracing.RecordErrorWithContext(rc.span, err, rc.masker)
		return failedResult("", err), err
	}

	rc.st = state.New(e.store.NextRunID(rc.start), pb.Name, rc.start, resolved)
	rc.st.PlaybookPath = pb.FilePath
	rc.log = rc.log.With("run_id", rc.st.RunID)
	rc.span.SetAttributes(intTracing.AttrRunID.String(rc.st.RunID))

	if err := e.acquireLocks(rc); err != nil {
		return e.abortStart(rc, err)
	}
	if err := e.persist(rc); err != nil {
		e.releaseLocks(rc)
		return e.abortStart(rc, err)
	}

	rc.log.Infof("Starting run %s of playbook %q", rc.st.RunID, pb.Name)
	e.emit(rc, events.RunStarted, "", map[string]interface{}{"resume": false})
	return e.execute(ctx, rc)
}

// Resume reloads the persisted state of runID and continues with the first
// step that is neither completed nor skipped. Inputs and variables that were
// masked on disk are restored from secretValues.
func (e *Engine) Resume(ctx context.Context, runID string, pb *config.Playbook, secretValues map[string]string, opts ...catalyst.ResumeOption) (*catalyst.RunResult, error) {
	var ro catalyst.ResumeOptions
	for _, opt := range opts {
		opt(&ro)
	}

	if err := e.validatePlaybook(pb); err != nil {
		e.log.Errorf("Playbook validation failed: %v", err)
		return failedResult(runID, err), err
	}

	st, err := e.store.Load(runID)
	if err != nil {
		e.log.Errorf("Cannot resume run %s: %v", runID, err)
		return failedResult(runID, err), err
	}
	if st.Status.Terminal() {
		err := caterrors.New(caterrors.KindStateLoadFailed,
			fmt.Sprintf("run %s is %s and cannot be resumed", runID, st.Status),
			"Start a new run instead.", nil)
		return failedResult(runID, err), err
	}
	if st.PlaybookName != pb.Name {
		err := caterrors.New(caterrors.KindConfigInvalid,
			fmt.Sprintf("run %s belongs to playbook %q, not %q", runID, st.PlaybookName, pb.Name),
			"Resume the run with the playbook it was started from.", nil)
		return failedResult(runID, err), err
	}
	if st.Status == state.StatusRunning && !ro.Force {
		if err := e.checkNotLive(runID); err != nil {
			e.log.Errorf("Cannot resume run %s: %v", runID, err)
			return failedResult(runID, err), err
		}
	}

	ctx, rc := e.newRunContext(ctx, pb, secretValues)
	defer rc.span.End()

	st.Inputs, _ = rc.masker.UnmaskValue(st.Inputs).(map[string]any)
	st.Variables, _ = rc.masker.UnmaskValue(st.Variables).(map[string]any)
	if st.Inputs == nil {
		st.Inputs = map[string]any{}
	}
	if st.Variables == nil {
		st.Variables = map[string]any{}
	}
	st.ResumeCount++
	st.Error = nil
	rc.st = st
	rc.log = rc.log.With("run_id", st.RunID)
	rc.span.SetAttributes(intTracing.AttrRunID.String(st.RunID))

	if err := e.acquireLocks(rc); err != nil {
		return e.abortStart(rc, err)
	}
	if err := e.persist(rc); err != nil {
		e.releaseLocks(rc)
		return e.abortStart(rc, err)
	}

	rc.log.Infof("Resuming run %s at step %q (resume #%d)", st.RunID, st.CurrentStepName, st.ResumeCount)
	e.emit(rc, events.RunStarted, st.CurrentStepName, map[string]interface{}{"resume": true, "resume_count": st.ResumeCount})
	return e.execute(ctx, rc)
}

// checkNotLive refuses a run marked running whose own lock has not expired:
// another process is most likely still executing it. Suspended runs have
// released their locks, so this only guards crash recovery.
func (e *Engine) checkNotLive(runID string) error {
	l, live, err := e.locks.Held(runID)
	if err != nil {
		return err
	}
	if !live {
		return nil
	}
	return caterrors.New(caterrors.KindResourceLocked,
		fmt.Sprintf("run %s is still running (lock held by %s until %s)", runID, l.Holder, l.ExpiresAt().Format(time.RFC3339)),
		"Wait for the run to finish. If the process holding it is gone, resume with --force or run 'catalyst locks cleanup' after the lock expires.",
		nil)
}

// Validate checks pb without running it: structure plus action identifiers
// known to the engine's registry.
func (e *Engine) Validate(pb *config.Playbook) error { return e.validatePlaybook(pb) }

// validatePlaybook reports every structural violation plus unknown action
// identifiers in one PlaybookNotValid error.
func (e *Engine) validatePlaybook(pb *config.Playbook) error {
	if pb == nil {
		return caterrors.NewValidation(caterrors.KindPlaybookNotValid, "playbook is not valid", []string{"playbook is nil"}, "")
	}
	violations := config.ValidatePlaybookStructure(pb)
	check := func(where string, steps []config.Step) {
		for i, s := range steps {
			if s.Action == "" {
				continue
			}
			if _, err := e.registry.Get(s.Action); err != nil {
				violations = append(violations, fmt.Sprintf("%s[%d] (%s): unknown action %q", where, i, s.DisplayName(i), s.Action))
			}
		}
	}
	check("steps", pb.Steps)
	for i, h := range pb.Catch {
		check(fmt.Sprintf("catch[%d].steps", i), h.Steps)
	}
	check("finally", pb.Finally)

	if len(violations) == 0 {
		return nil
	}
	return caterrors.NewValidation(caterrors.KindPlaybookNotValid,
		fmt.Sprintf("playbook %q is not valid", pb.Name), violations,
		"Fix every listed problem in the playbook file; 'catalyst validate' reports them without running anything.")
}

// abortStart ends a run that never reached its first step.
func (e *Engine) abortStart(rc *runContext, err error) (*catalyst.RunResult, error) {
	err = rc.masker.MaskError(err)
	rc.log.Errorf("Run could not start: %v", err)
	intTracing.RecordErrorWithContext(rc.span, err, rc.masker)
	e.observeRun(rc.pb.Name, state.StatusFailed, e.now().Sub(rc.start))
	res := failedResult(rc.st.RunID, err)
	res.Duration = e.now().Sub(rc.start)
	return res, err
}

func failedResult(runID string, err error) *catalyst.RunResult {
	return &catalyst.RunResult{
		RunID:          runID,
		Status:         state.StatusFailed,
		Code:           caterrors.CodeOf(err),
		Message:        err.Error(),
		CompletedSteps: []string{},
	}
}

// acquireLocks claims the playbook's resources. A playbook that declares none
// still records an empty claim, so every live run has a lock record that
// Resume can check.
func (e *Engine) acquireLocks(rc *runContext) error {
	res, err := e.resolveResources(rc)
	if err != nil {
		return err
	}
	if err := e.locks.Acquire(rc.st.RunID, res, e.holder, e.lockTTL); err != nil {
		if caterrors.IsKind(err, caterrors.KindResourceLocked) {
			e.emit(rc, events.LockConflict, "", map[string]interface{}{"paths": res.Paths, "branches": res.Branches})
		}
		return err
	}
	rc.locked = true
	e.emit(rc, events.LockAcquired, "", map[string]interface{}{"paths": res.Paths, "branches": res.Branches})
	rc.log.Debugf("Acquired locks on paths %v and branches %v", res.Paths, res.Branches)
	return nil
}

// resolveResources renders the playbook's resource declarations against the
// run's inputs.
func (e *Engine) resolveResources(rc *runContext) (lock.Resources, error) {
	var res lock.Resources
	spec := rc.pb.Resources
	if spec == nil {
		return res, nil
	}
	data := rc.st.Inputs
	render := func(where string, in []string) ([]string, error) {
		out := make([]string, 0, len(in))
		for i, tmpl := range in {
			s, err := rc.renderer.Render(tmpl, data)
			if err != nil {
				return nil, fmt.Errorf("resources.%s[%d]: %w", where, i, err)
			}
			if s != "" {
				out = append(out, s)
			}
		}
		return out, nil
	}
	var err error
	if res.Paths, err = render("paths", spec.Paths); err != nil {
		return res, err
	}
	if res.Branches, err = render("branches", spec.Branches); err != nil {
		return res, err
	}
	return res, nil
}

func (e *Engine) releaseLocks(rc *runContext) {
	if !rc.locked {
		return
	}
	if err := e.locks.Release(rc.st.RunID); err != nil {
		rc.log.Warnf("Failed to release locks of run %s: %v", rc.st.RunID, err)
		return
	}
	rc.locked = false
	e.emit(rc, events.LockReleased, "", nil)
}

// persist writes the masked run record.
func (e *Engine) persist(rc *runContext) error {
	return e.store.Save(rc.st.Masked(rc.masker))
}

func (e *Engine) emit(rc *runContext, typ events.EventType, step string, payload map[string]interface{}) {
	runID := ""
	if rc.st != nil {
		runID = rc.st.RunID
	}
	e.eventBus.Emit(intEvents.New(typ, runID, rc.pb.Name, step, payload))
}

func (e *Engine) observeRun(playbook string, status state.Status, d time.Duration) {
	if e.collectors == nil {
		return
	}
	e.collectors.RunsTotal.WithLabelValues(playbook, string(status)).Inc()
	e.collectors.RunDuration.WithLabelValues(playbook).Observe(d.Seconds())
}

func (e *Engine) observeStep(actionID, outcome string, d time.Duration) {
	if e.collectors == nil {
		return
	}
	e.collectors.StepsTotal.WithLabelValues(actionID, outcome).Inc()
	e.collectors.StepDuration.WithLabelValues(actionID).Observe(d.Seconds())
}

// verifyDependencies checks an action's declared tools and environment
// variables once per run.
func (rc *runContext) verifyDependencies(actionID string, act action.Action) error {
	if _, done := rc.verified[actionID]; done {
		return nil
	}
	declarer, ok := act.(action.DependencyDeclarer)
	if !ok {
		rc.verified[actionID] = struct{}{}
		return nil
	}
	var missing []string
	for _, dep := range declarer.Dependencies() {
		switch dep.Kind {
		case action.DependencyCLI:
			if _, err := exec.LookPath(dep.Name); err != nil {
				missing = append(missing, fmt.Sprintf("command %q not found on PATH", dep.Name))
			}
		case action.DependencyEnv:
			if _, ok := os.LookupEnv(dep.Name); !ok {
				missing = append(missing, fmt.Sprintf("environment variable %q is not set", dep.Name))
			}
		}
	}
	if len(missing) > 0 {
		return caterrors.NewValidation(caterrors.KindDependencyMissing,
			fmt.Sprintf("action %q has unmet dependencies", actionID), missing,
			"Install the missing tools or export the variables, then resume the run.")
	}
	rc.verified[actionID] = struct{}{}
	return nil
}
