package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/xerilium/catalyst/internal/config"
	"github.com/xerilium/catalyst/internal/errpolicy"
	"github.com/xerilium/catalyst/internal/inputs"
	"github.com/xerilium/catalyst/internal/state"
	"github.com/xerilium/catalyst/internal/template"
	intTracing "github.com/xerilium/catalyst/internal/tracing"
	"github.com/xerilium/catalyst/internal/util"
	catalyst "github.com/xerilium/catalyst/pkg/catalyst/v1"
	"github.com/xerilium/catalyst/pkg/catalyst/v1/action"
	caterrors "github.com/xerilium/catalyst/pkg/catalyst/v1/errors"
	"github.com/xerilium/catalyst/pkg/catalyst/v1/events"
	catlog "github.com/xerilium/catalyst/pkg/catalyst/v1/log"
)

// Step outcome labels used for metrics, events and span attributes.
const (
	outcomeSuccess     = "success"
	outcomeEarlyReturn = "early_return"
	outcomeFailure     = "failure"
	outcomeSkipped     = "skipped"
	outcomeIgnored     = "ignored"
)

type blockEnd int

const (
	blockCompleted blockEnd = iota
	blockReturned
	blockFailed
	blockSuspended
)

// blockResult is how a sequence of steps ended.
type blockResult struct {
	end     blockEnd
	code    string
	message string
	outputs map[string]any
	err     error
}

func failedBlock(err error) blockResult {
	return blockResult{end: blockFailed, code: caterrors.CodeOf(err), message: err.Error(), err: err}
}

// execute runs the main steps, then catch and finally as required, and
// settles the run.
func (e *Engine) execute(ctx context.Context, rc *runContext) (*catalyst.RunResult, error) {
	main := e.runBlock(ctx, rc, rc.pb.Steps, mainBlock)
	if main.end == blockSuspended {
		return e.suspend(rc, main)
	}

	// Cleanup still runs when the host cancelled the run mid-way.
	cleanupCtx := context.WithoutCancel(ctx)

	if main.end == blockFailed {
		rc.st.Status = state.StatusFailed
		rc.st.Error = &state.ErrorInfo{Code: main.code, Message: main.message}
		if err := e.persist(rc); err != nil {
			rc.log.Errorf("Failed to record failure of run %s: %v", rc.st.RunID, err)
		}
		if i := rc.pb.FindCatchIndex(main.code); i >= 0 {
			h := rc.pb.Catch[i]
			rc.log.Infof("Running catch handler %q for error %s", h.Code, main.code)
			if res := e.runBlock(cleanupCtx, rc, h.Steps, config.CatchBlock(i)); res.end == blockFailed {
				rc.log.Errorf("Catch handler %q failed: %s", h.Code, res.message)
			}
		}
	}

	if len(rc.pb.Finally) > 0 {
		rc.log.Debugf("Running %d finally step(s)", len(rc.pb.Finally))
		fin := e.runBlock(cleanupCtx, rc, rc.pb.Finally, config.FinallyBlock)
		if fin.end == blockFailed {
			rc.log.Errorf("Finally block failed: %s", fin.message)
			if main.end != blockFailed {
				main = fin
			}
		}
	}
	return e.complete(rc, main)
}

// mainBlock names the playbook's steps; catch and finally blocks use
// config.CatchBlock and config.FinallyBlock.
const mainBlock = ""

// runBlock executes steps in order. The main block skips steps already
// completed or skipped and records its steps in completedSteps; catch and
// finally steps go to cleanupSteps. Only the main block may suspend; in
// catch and finally blocks Suspend and Inquire act like Stop.
func (e *Engine) runBlock(ctx context.Context, rc *runContext, steps []config.Step, block string) blockResult {
	isMain := block == mainBlock
	record := func(name string) {
		if isMain {
			rc.st.CompletedSteps = append(rc.st.CompletedSteps, name)
		} else {
			rc.st.CleanupSteps = append(rc.st.CleanupSteps, name)
		}
	}
	for i, step := range steps {
		name := step.QualifiedName(block, i)
		if isMain && rc.st.IsDone(name) {
			continue
		}
		if isMain && ctx.Err() != nil {
			return blockResult{
				end:     blockSuspended,
				code:    caterrors.KindRunSuspended.Code(),
				message: fmt.Sprintf("run interrupted before step %q", name),
				err:     ctx.Err(),
			}
		}

		rc.st.CurrentStepName = name
		outcome, decision := e.runStep(ctx, rc, step, name)

		switch out := outcome.(type) {
		case action.Continue:
			rc.st.Variables[name] = util.DeepCopy(out.Value)
			record(name)
			if err := e.persist(rc); err != nil {
				return failedBlock(err)
			}

		case action.EarlyReturn:
			rc.log.Infof("Step %q returned early with code %s", name, out.Code)
			rc.st.Variables[name] = util.CopyMap(out.Outputs)
			record(name)
			if err := e.persist(rc); err != nil {
				return failedBlock(err)
			}
			return blockResult{end: blockReturned, code: out.Code, message: out.Message, outputs: out.Outputs}

		case action.Failure:
			code := failureCode(out)
			failure := rc.masker.MaskError(failureError(out))

			switch decision.Action {
			case config.ActionIgnore:
				rc.log.Infof("Step %q failed with %s; ignoring: %v", name, code, failure)
				rc.st.SkippedSteps = append(rc.st.SkippedSteps, name)

			case config.ActionContinue, config.ActionSilentlyContinue:
				if decision.Action == config.ActionContinue {
					rc.log.Warnf("Step %q failed with %s after %d attempt(s); skipping: %v", name, code, decision.RetryCount+1, failure)
				} else {
					rc.log.Debugf("Step %q failed with %s; skipping silently", name, code)
				}
				rc.st.SkippedSteps = append(rc.st.SkippedSteps, name)
				e.emit(rc, events.StepSkipped, name, map[string]interface{}{"code": code, "policy": string(decision.Action)})

			case config.ActionSuspend, config.ActionInquire:
				if isMain {
					rc.log.Warnf("Step %q failed with %s; suspending run (%s): %v", name, code, decision.Action, failure)
					return blockResult{end: blockSuspended, code: code, message: failure.Error(), err: failure}
				}
				rc.log.Errorf("Step %q failed with %s: %v", name, code, failure)
				return blockResult{end: blockFailed, code: code, message: failure.Error(), err: failure}

			default:
				rc.log.Errorf("Step %q failed with %s (%s): %v", name, code, decision.Action, failure)
				return blockResult{end: blockFailed, code: code, message: failure.Error(), err: failure}
			}
			if err := e.persist(rc); err != nil {
				return failedBlock(err)
			}
		}
	}
	return blockResult{end: blockCompleted}
}

// runStep executes one step including the retries its policy grants. The
// returned decision is meaningful only for a Failure outcome.
func (e *Engine) runStep(ctx context.Context, rc *runContext, step config.Step, name string) (action.Outcome, errpolicy.Decision) {
	started := e.now()
	stepCtx, span := rc.tracer.Start(ctx, "catalyst.step", oteltrace.WithAttributes(
		intTracing.AttrRunID.String(rc.st.RunID),
		intTracing.AttrStep.String(name),
		intTracing.AttrAction.String(step.Action),
	))
	defer span.End()

	log := rc.log.With("step", name, "action", step.Action)
	log.Infof("Starting step %q", name)
	e.emit(rc, events.StepStarted, name, map[string]interface{}{"action": step.Action})

	outcome := e.attempt(stepCtx, rc, step, log)

	var decision errpolicy.Decision
	if f, ok := outcome.(action.Failure); ok {
		policy := errpolicy.Effective(step.ErrorPolicy, rc.pb.ErrorPolicy, e.defaultPolicy)
		decision = errpolicy.Decide(failureCode(f), policy)
		if decision.Retries() {
			outcome = e.retry(stepCtx, rc, step, name, log, decision.RetryCount, f)
			if f, ok := outcome.(action.Failure); ok {
				// The last failure's code picks the action; the retry budget is spent.
				decision.Action = errpolicy.Decide(failureCode(f), policy).Action
			}
		}
	}

	label := outcomeLabel(outcome, decision)
	d := e.now().Sub(started)
	e.observeStep(step.Action, label, d)
	span.SetAttributes(intTracing.AttrStatus.String(label))
	if f, ok := outcome.(action.Failure); ok {
		span.SetAttributes(intTracing.AttrCode.String(failureCode(f)))
		intTracing.RecordErrorWithContext(span, f, rc.masker)
	}
	e.emit(rc, events.StepFinished, name, map[string]interface{}{"outcome": label, "duration_ms": d.Milliseconds()})
	log.Debugf("Step %q finished: %s in %v", name, label, d)
	return outcome, decision
}

func (e *Engine) retry(ctx context.Context, rc *runContext, step config.Step, name string, log catlog.Logger, retries int, first action.Failure) action.Outcome {
	var last action.Outcome = first
	helper := errpolicy.NewHelper(log,
		errpolicy.WithSleeper(e.sleeper),
		errpolicy.WithErrorMasker(rc.masker),
		errpolicy.WithRetryHook(func(n int, delay time.Duration, lastErr error) {
			code := caterrors.CodeOf(lastErr)
			if f, ok := lastErr.(action.Failure); ok {
				code = failureCode(f)
			}
			e.emit(rc, events.StepRetried, name, map[string]interface{}{
				"attempt": n, "delay_ms": delay.Milliseconds(), "code": code,
			})
		}),
	)
	if err := helper.Retry(ctx, retries, first, func(ctx context.Context) error {
		last = e.attempt(ctx, rc, step, log)
		if f, ok := last.(action.Failure); ok {
			return f
		}
		return nil
	}); err != nil && ctx.Err() != nil {
		log.Warnf("Retries of step %q stopped: %v", name, ctx.Err())
	}
	return last
}

// attempt resolves the step config and invokes the action once.
func (e *Engine) attempt(ctx context.Context, rc *runContext, step config.Step, log catlog.Logger) action.Outcome {
	factory, err := e.registry.Get(step.Action)
	if err != nil {
		return action.Fail(caterrors.CodeOf(err), err)
	}
	act := factory()
	if act == nil {
		err := caterrors.New(caterrors.KindActionNotFound, fmt.Sprintf("action %q factory returned nil", step.Action), "", nil)
		return action.Fail(err.Code, err)
	}
	if err := rc.verifyDependencies(step.Action, act); err != nil {
		return action.Fail(caterrors.CodeOf(err), err)
	}

	cfg, err := rc.renderer.ResolveValue(expandShorthand(act, step.Config), rc.templateData())
	if err != nil {
		return action.Fail(caterrors.CodeOf(err), err)
	}
	if log.IsEnabled(slog.LevelDebug) {
		log.Debugf("Resolved config: %v", rc.masker.MaskValue(cfg))
	}
	return invoke(action.WithLogger(ctx, log), act, cfg)
}

// expandShorthand places a scalar config under the action's primary
// property.
func expandShorthand(act action.Action, cfg any) any {
	p, ok := act.(action.PrimaryPropertyProvider)
	if !ok {
		return cfg
	}
	switch cfg.(type) {
	case nil, map[string]any, []any:
		return cfg
	}
	return map[string]any{p.PrimaryProperty(): cfg}
}

// invoke calls the action and normalises its outcome. A panicking action is
// reported as an ActionFailed failure.
func invoke(ctx context.Context, act action.Action, cfg any) (out action.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = action.Failure{Code: caterrors.KindActionFailed.Code(), Message: fmt.Sprintf("action panicked: %v", r)}
		}
	}()
	switch o := act.Execute(ctx, cfg).(type) {
	case action.Continue, action.EarlyReturn, action.Failure:
		return o
	case *action.Continue:
		return *o
	case *action.EarlyReturn:
		return *o
	case *action.Failure:
		return *o
	}
	return action.Failure{Code: caterrors.KindActionFailed.Code(), Message: "action returned no outcome"}
}

// failureError converts a Failure into a runner error carrying its code.
// Runner errors raised while preparing the step are returned as they are.
func failureError(f action.Failure) error {
	var ce *caterrors.Error
	if errors.As(f.Err, &ce) && (f.Message == "" || f.Message == f.Err.Error()) {
		return ce
	}
	msg, cause := f.Message, f.Err
	if msg == "" && cause != nil {
		msg, cause = cause.Error(), nil
	} else if cause != nil && msg == cause.Error() {
		cause = nil
	}
	if msg == "" {
		msg = "step failed"
	}
	return caterrors.NewActionFailure(failureCode(f), msg, cause)
}

func failureCode(f action.Failure) string {
	if f.Code == "" || f.Code == action.SuccessCode {
		return caterrors.KindActionFailed.Code()
	}
	return f.Code
}

func outcomeLabel(o action.Outcome, d errpolicy.Decision) string {
	switch o.(type) {
	case action.Continue:
		return outcomeSuccess
	case action.EarlyReturn:
		return outcomeEarlyReturn
	}
	switch d.Action {
	case config.ActionIgnore:
		return outcomeIgnored
	case config.ActionContinue, config.ActionSilentlyContinue:
		return outcomeSkipped
	}
	return outcomeFailure
}

// suspend persists a resumable run and releases its locks. The run is not
// archived and finally does not run.
func (e *Engine) suspend(rc *runContext, res blockResult) (*catalyst.RunResult, error) {
	st := rc.st
	st.Status = state.StatusSuspended
	st.Error = &state.ErrorInfo{Code: res.code, Message: res.message}
	if err := e.persist(rc); err != nil {
		err = rc.masker.MaskError(err)
		rc.log.Errorf("Failed to persist suspended run %s: %v", st.RunID, err)
		e.releaseLocks(rc)
		return e.result(rc, res), err
	}
	e.releaseLocks(rc)

	rc.log.Warnf("Run %s suspended at step %q (%s); resume with 'catalyst resume %s'", st.RunID, st.CurrentStepName, res.code, st.RunID)
	rc.span.SetAttributes(intTracing.AttrStatus.String(string(st.Status)), intTracing.AttrCode.String(res.code))
	e.emit(rc, events.RunSuspended, st.CurrentStepName, map[string]interface{}{"code": res.code})
	e.observeRun(rc.pb.Name, st.Status, e.now().Sub(rc.start))
	return e.result(rc, res), nil
}

// complete records the terminal status, validates outputs, releases locks
// and archives the run.
func (e *Engine) complete(rc *runContext, res blockResult) (*catalyst.RunResult, error) {
	st := rc.st
	end := e.now()
	st.EndTime = &end

	var runErr error
	if res.end == blockFailed {
		st.Status = state.StatusFailed
		st.Error = &state.ErrorInfo{Code: res.code, Message: res.message}
		runErr = rc.masker.MaskError(res.err)
		if runErr == nil {
			runErr = caterrors.NewActionFailure(res.code, rc.masker.Mask(res.message), nil)
		}
	} else {
		st.Status = state.StatusCompleted
		st.Error = nil
		st.CurrentStepName = ""
	}

	if st.Status == state.StatusCompleted {
		outputs, problems := collectOutputs(rc.pb, st.Variables, res.outputs)
		if len(problems) > 0 {
			warn := caterrors.NewValidation(caterrors.KindOutputValidationFailed,
				"declared outputs are missing or have the wrong type", problems,
				"Make sure the steps that produce these outputs ran and returned the declared types.")
			rc.log.Warnf("%v", warn)
		}
		res.outputs = outputs
	}

	if err := e.persist(rc); err != nil {
		err = rc.masker.MaskError(err)
		rc.log.Errorf("Failed to persist final state of run %s: %v", st.RunID, err)
		if runErr == nil {
			runErr = err
		}
	}
	e.releaseLocks(rc)

	if err := e.store.Archive(st.RunID); err != nil {
		err = rc.masker.MaskError(err)
		rc.log.Errorf("Failed to archive run %s: %v", st.RunID, err)
		if runErr == nil {
			runErr = err
		}
	} else {
		e.emit(rc, events.RunArchived, "", nil)
	}

	result := e.result(rc, res)
	rc.span.SetAttributes(intTracing.AttrStatus.String(string(st.Status)), intTracing.AttrCode.String(result.Code))
	intTracing.RecordErrorWithContext(rc.span, runErr, rc.masker)
	e.observeRun(rc.pb.Name, st.Status, result.Duration)
	e.emit(rc, events.RunFinished, "", map[string]interface{}{"status": string(st.Status), "code": result.Code})

	if st.Status == state.StatusCompleted {
		rc.log.Infof("Run %s completed in %v", st.RunID, result.Duration)
	} else {
		rc.log.Errorf("Run %s failed with %s: %s", st.RunID, result.Code, result.Message)
	}
	return result, runErr
}

// result builds the masked RunResult for the current run state.
func (e *Engine) result(rc *runContext, res blockResult) *catalyst.RunResult {
	st := rc.st
	code := res.code
	if st.Status == state.StatusCompleted && code == "" {
		code = action.SuccessCode
	}
	out := &catalyst.RunResult{
		RunID:          st.RunID,
		Status:         st.Status,
		Code:           code,
		Message:        rc.masker.Mask(res.message),
		CompletedSteps: append([]string{}, st.CompletedSteps...),
		SkippedSteps:   append([]string(nil), st.SkippedSteps...),
		CleanupSteps:   append([]string(nil), st.CleanupSteps...),
		Duration:       e.now().Sub(rc.start),
	}
	if res.outputs != nil {
		out.Outputs = rc.masker.MaskMap(res.outputs)
	}
	return out
}

// collectOutputs gathers the declared outputs from variables, overlaid by
// early-return outputs, and lists every missing or mistyped one. Output
// names may be dotted paths into variables.
func collectOutputs(pb *config.Playbook, variables, returned map[string]any) (map[string]any, []string) {
	if len(pb.Outputs) == 0 {
		return util.CopyMap(returned), nil
	}
	outputs := make(map[string]any, len(pb.Outputs)+len(returned))
	names := make([]string, 0, len(pb.Outputs))
	for name := range pb.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)

	var problems []string
	for _, name := range names {
		v, ok := returned[name]
		if !ok {
			v, ok = template.Lookup(variables, name)
		}
		if !ok {
			problems = append(problems, fmt.Sprintf("output %q was not produced", name))
			continue
		}
		if typ := pb.Outputs[name]; !inputs.MatchesType(typ, v) {
			problems = append(problems, fmt.Sprintf("output %q is %T, expected %s", name, v, typ))
		}
		outputs[name] = util.DeepCopy(v)
	}
	for k, v := range returned {
		if _, ok := outputs[k]; !ok {
			outputs[k] = util.DeepCopy(v)
		}
	}
	return outputs, problems
}
