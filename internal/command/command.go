// Package command runs external processes for the script action.
package command

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"
)

// DefaultShell interprets script commands.
const DefaultShell = "sh"

// Spec describes one process invocation.
type Spec struct {
	// Command is passed to the shell with -c.
	Command string
	Shell   string
	Dir     string
	// Env is added to the parent environment; entries override inherited
	// variables of the same name.
	Env     map[string]string
	Timeout time.Duration
}

// Result holds the outcome of executing an external command.
type Result struct {
	Stdout string
	Stderr string
	// ExitCode is -1 when the process could not be started or was killed
	// before exiting on its own.
	ExitCode int
	Duration time.Duration
	TimedOut bool
}

// Runner runs commands. Tests substitute fakes.
type Runner interface {
	Run(ctx context.Context, spec Spec) (*Result, error)
}

type defaultRunner struct{}

// NewRunner creates the os/exec backed runner.
func NewRunner() Runner {
	return &defaultRunner{}
}

// Run executes spec.Command through the shell. A non-zero exit is reported
// in Result.ExitCode with a nil error; the error is reserved for failures to
// start the process, timeouts and cancellation.
func (r *defaultRunner) Run(ctx context.Context, spec Spec) (*Result, error) {
	shell := spec.Shell
	if shell == "" {
		shell = DefaultShell
	}
	runCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, shell, "-c", spec.Command)
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = mergeEnv(os.Environ(), spec.Env)
	}

	result := &Result{ExitCode: -1}
	started := time.Now()
	err := cmd.Run()
	result.Duration = time.Since(started)
	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()

	if err == nil {
		result.ExitCode = 0
		return result, nil
	}
	if runCtx.Err() != nil {
		result.TimedOut = errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		return result, runCtx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			result.ExitCode = status.ExitStatus()
		} else {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, nil
	}
	return result, err
}

func mergeEnv(base []string, extra map[string]string) []string {
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		name := kv
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				name = kv[:i]
				break
			}
		}
		if _, overridden := extra[name]; !overridden {
			out = append(out, kv)
		}
	}
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}
