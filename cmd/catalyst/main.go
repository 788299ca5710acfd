package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	caterrors "github.com/xerilium/catalyst/pkg/catalyst/v1/errors"
)

const (
	ExitSuccess    = 0
	ExitFailure    = 1
	ExitUsageError = 2
	ExitSuspended  = 3
	ExitLocked     = 4
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

// exitError carries the process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func withExit(code int, err error) error { return &exitError{code: code, err: err} }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// execute runs the CLI and maps the outcome to an exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", ee.err)
			if g := caterrors.GuidanceOf(ee.err); g != "" {
				fmt.Fprintf(stderr, "Hint: %s\n", g)
			}
		}
		return ee.code
	}
	// Anything cobra reports itself (unknown command, bad flag, wrong
	// argument count) is a usage error.
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return ExitUsageError
}

// exitCodeFor classifies an engine error.
func exitCodeFor(err error) int {
	switch caterrors.KindOf(err) {
	case caterrors.KindResourceLocked:
		return ExitLocked
	case caterrors.KindPlaybookNotValid, caterrors.KindInputValidationFailed, caterrors.KindConfigInvalid:
		return ExitUsageError
	}
	return ExitFailure
}
