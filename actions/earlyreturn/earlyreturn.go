// Package earlyreturn implements the `return` action, which ends the step
// loop successfully.
package earlyreturn

import (
	"context"

	"github.com/xerilium/catalyst/internal/paramutil"
	"github.com/xerilium/catalyst/pkg/catalyst/v1/action"
	caterrors "github.com/xerilium/catalyst/pkg/catalyst/v1/errors"
)

// ID is the action identifier used in playbooks.
const ID = "return"

// Config is the step config of a return step.
type Config struct {
	Code    string         `mapstructure:"code" default:"Success"`
	Message string         `mapstructure:"message"`
	Outputs map[string]any `mapstructure:"outputs"`
}

// Action returns an EarlyReturn outcome.
type Action struct{}

// New is the registry factory.
func New() action.Action { return &Action{} }

func (a *Action) Execute(_ context.Context, cfg any) action.Outcome {
	var c Config
	if err := paramutil.Decode(ID, cfg, &c); err != nil {
		return action.Fail(caterrors.CodeOf(err), err)
	}
	return action.EarlyReturn{Code: c.Code, Message: c.Message, Outputs: c.Outputs}
}
