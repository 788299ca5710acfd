// Package script implements the `script` action: run a shell command.
package script

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xerilium/catalyst/internal/command"
	"github.com/xerilium/catalyst/internal/paramutil"
	"github.com/xerilium/catalyst/pkg/catalyst/v1/action"
	caterrors "github.com/xerilium/catalyst/pkg/catalyst/v1/errors"
)

// ID is the action identifier used in playbooks.
const ID = "script"

// Error codes reported by the action.
const (
	CodeScriptFailed  = "ScriptFailed"
	CodeScriptTimeout = "ScriptTimeout"
)

// maxStderrInMessage bounds how much stderr is quoted in a failure message.
const maxStderrInMessage = 512

// Config is the step config of a script step.
type Config struct {
	Command string         `mapstructure:"command" validate:"required"`
	Shell   string         `mapstructure:"shell" default:"sh"`
	Dir     string         `mapstructure:"dir"`
	Env     map[string]any `mapstructure:"env"`
	Timeout time.Duration  `mapstructure:"timeout"`
	// AllowFailure records a non-zero exit as the step's value instead of
	// failing the step.
	AllowFailure bool `mapstructure:"allowFailure"`
}

// Action runs Config.Command through a shell.
type Action struct {
	runner command.Runner
}

// New is the registry factory.
func New() action.Action {
	return &Action{runner: command.NewRunner()}
}

// NewWithRunner creates the action around a custom runner.
func NewWithRunner(r command.Runner) *Action {
	return &Action{runner: r}
}

// PrimaryProperty lets `script: make build` stand for `{command: make build}`.
func (a *Action) PrimaryProperty() string { return "command" }

func (a *Action) Dependencies() []action.Dependency {
	return []action.Dependency{{Kind: action.DependencyCLI, Name: command.DefaultShell}}
}

func (a *Action) Execute(ctx context.Context, cfg any) action.Outcome {
	var c Config
	if err := paramutil.Decode(ID, cfg, &c); err != nil {
		return action.Fail(caterrors.CodeOf(err), err)
	}

	log := action.LoggerFrom(ctx, nil)
	if log != nil {
		log.Debugf("Running command in %q with shell %s", c.Dir, c.Shell)
	}

	res, err := a.runner.Run(ctx, command.Spec{
		Command: c.Command,
		Shell:   c.Shell,
		Dir:     c.Dir,
		Env:     paramutil.StringMap(c.Env),
		Timeout: c.Timeout,
	})
	if err != nil {
		if res != nil && res.TimedOut {
			return action.Failure{Code: CodeScriptTimeout, Message: fmt.Sprintf("command timed out after %v", c.Timeout), Err: err}
		}
		return action.Failure{Code: CodeScriptFailed, Message: "command could not run", Err: err}
	}

	value := map[string]any{
		"stdout":   res.Stdout,
		"stderr":   res.Stderr,
		"output":   strings.TrimSpace(res.Stdout),
		"exitCode": res.ExitCode,
	}
	if res.ExitCode != 0 && !c.AllowFailure {
		return action.Failure{
			Code:    CodeScriptFailed,
			Message: fmt.Sprintf("command exited with status %d%s", res.ExitCode, stderrSuffix(res.Stderr)),
		}
	}
	return action.Continue{Value: value}
}

func stderrSuffix(stderr string) string {
	stderr = strings.TrimSpace(stderr)
	if stderr == "" {
		return ""
	}
	if len(stderr) > maxStderrInMessage {
		stderr = "..." + stderr[len(stderr)-maxStderrInMessage:]
	}
	return ": " + stderr
}
