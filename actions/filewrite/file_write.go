// Package filewrite implements the `file-write` action.
package filewrite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/xerilium/catalyst/internal/fsutil"
	"github.com/xerilium/catalyst/internal/paramutil"
	"github.com/xerilium/catalyst/pkg/catalyst/v1/action"
	caterrors "github.com/xerilium/catalyst/pkg/catalyst/v1/errors"
)

// ID is the action identifier used in playbooks.
const ID = "file-write"

// CodeWriteFailed is reported when the file cannot be written.
const CodeWriteFailed = "FileWriteFailed"

// Config is the step config of a file-write step.
type Config struct {
	Path    string `mapstructure:"path" validate:"required"`
	Content string `mapstructure:"content"`
	// Mode is an octal permission string such as "0644".
	Mode       string `mapstructure:"mode" default:"0644"`
	CreateDirs bool   `mapstructure:"createDirs" default:"true"`
}

// Action writes a file atomically.
type Action struct{}

// New is the registry factory.
func New() action.Action { return &Action{} }

func (a *Action) Execute(ctx context.Context, cfg any) action.Outcome {
	var c Config
	if err := paramutil.Decode(ID, cfg, &c); err != nil {
		return action.Fail(caterrors.CodeOf(err), err)
	}
	mode, err := strconv.ParseUint(c.Mode, 8, 32)
	if err != nil {
		err = caterrors.NewValidation(caterrors.KindConfigInvalid, fmt.Sprintf("invalid config for action %q", ID),
			[]string{fmt.Sprintf("mode %q is not an octal permission", c.Mode)}, "Quote the mode, e.g. mode: \"0644\".")
		return action.Fail(caterrors.CodeOf(err), err)
	}

	if !c.CreateDirs {
		if _, err := os.Stat(filepath.Dir(c.Path)); err != nil {
			return action.Failure{Code: CodeWriteFailed, Message: "parent directory is not available and createDirs is false", Err: err}
		}
	}
	if err := fsutil.WriteFileAtomic(c.Path, []byte(c.Content), os.FileMode(mode)); err != nil {
		return action.Failure{Code: CodeWriteFailed, Message: fmt.Sprintf("writing %s", c.Path), Err: err}
	}
	if log := action.LoggerFrom(ctx, nil); log != nil {
		log.Debugf("Wrote %d bytes to %s", len(c.Content), c.Path)
	}
	return action.Continue{Value: map[string]any{"path": c.Path, "bytes": len(c.Content)}}
}
