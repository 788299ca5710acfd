// Package logging implements the `log` action: write a message to the run
// log and record it as the step's value.
package logging

import (
	"context"
	"log/slog"

	"github.com/xerilium/catalyst/internal/paramutil"
	"github.com/xerilium/catalyst/pkg/catalyst/v1/action"
	caterrors "github.com/xerilium/catalyst/pkg/catalyst/v1/errors"
	catlog "github.com/xerilium/catalyst/pkg/catalyst/v1/log"
)

// ID is the action identifier used in playbooks.
const ID = "log"

// Config is the step config of a log step.
type Config struct {
	Message string `mapstructure:"message" validate:"required"`
	Level   string `mapstructure:"level" default:"info" validate:"oneof=debug info warn error"`
}

var levels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// Action logs its message.
type Action struct {
	fallback catlog.Logger
}

// NewFactory returns a factory whose actions log to the step logger, or to
// fallback when invoked outside the engine.
func NewFactory(fallback catlog.Logger) action.Factory {
	return func() action.Action { return &Action{fallback: fallback} }
}

// PrimaryProperty lets `log: hello` stand for `{message: hello}`.
func (a *Action) PrimaryProperty() string { return "message" }

func (a *Action) Execute(ctx context.Context, cfg any) action.Outcome {
	var c Config
	if err := paramutil.Decode(ID, cfg, &c); err != nil {
		return action.Fail(caterrors.CodeOf(err), err)
	}
	if log := action.LoggerFrom(ctx, a.fallback); log != nil {
		log.LogCtx(ctx, levels[c.Level], c.Message)
	}
	return action.Continue{Value: c.Message}
}
