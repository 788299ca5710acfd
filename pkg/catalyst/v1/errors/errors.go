// Package errors defines the error kinds surfaced by the Catalyst runner.
//
// Every error that reaches a human carries a machine-stable code and prose
// guidance. Kinds form a closed set; each maps to the string code used in
// persisted run records and error policies.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a runner error.
type Kind int

const (
	KindUnknown Kind = iota
	KindPlaybookNotValid
	KindInputValidationFailed
	KindResourceLocked
	KindStateLoadFailed
	KindStateSaveFailed
	KindArchiveFailed
	KindOutputValidationFailed
	KindActionFailed
	KindActionNotFound
	KindDependencyMissing
	KindTemplateResolutionFailed
	KindConfigInvalid
	KindRunSuspended
)

// kindCodes is the mapping between kinds and their historical string codes.
// Codes are part of the on-disk and policy surface and must not change.
var kindCodes = map[Kind]string{
	KindUnknown:                  "UnknownError",
	KindPlaybookNotValid:         "PlaybookNotValid",
	KindInputValidationFailed:    "InputValidationFailed",
	KindResourceLocked:           "ResourceLocked",
	KindStateLoadFailed:          "StateLoadFailed",
	KindStateSaveFailed:          "StateSaveFailed",
	KindArchiveFailed:            "ArchiveFailed",
	KindOutputValidationFailed:   "OutputValidationFailed",
	KindActionFailed:             "ActionFailed",
	KindActionNotFound:           "ActionNotFound",
	KindDependencyMissing:        "DependencyMissing",
	KindTemplateResolutionFailed: "TemplateResolutionFailed",
	KindConfigInvalid:            "ConfigInvalid",
	KindRunSuspended:             "RunSuspended",
}

var codeKinds = func() map[string]Kind {
	m := make(map[string]Kind, len(kindCodes))
	for k, c := range kindCodes {
		m[c] = k
	}
	return m
}()

// Code returns the string code for the kind.
func (k Kind) Code() string {
	if c, ok := kindCodes[k]; ok {
		return c
	}
	return kindCodes[KindUnknown]
}

func (k Kind) String() string { return k.Code() }

// KindFromCode maps a string code back to its kind. Codes that are not part
// of the runner's own set (for example application-defined action codes)
// map to KindActionFailed.
func KindFromCode(code string) Kind {
	if k, ok := codeKinds[code]; ok {
		return k
	}
	if code == "" {
		return KindUnknown
	}
	return KindActionFailed
}

// Error is the single concrete error type produced by the runner.
type Error struct {
	Kind Kind
	// Code is the string code surfaced to users. For runner-originated errors it
	// equals Kind.Code(); action failures carry their own application code.
	Code       string
	Message    string
	Guidance   string
	Violations []string
	Cause      error
}

// New creates an error of the given kind using the kind's own code.
func New(kind Kind, message, guidance string, cause error) *Error {
	return &Error{Kind: kind, Code: kind.Code(), Message: message, Guidance: guidance, Cause: cause}
}

// NewValidation creates an error listing every violation found.
func NewValidation(kind Kind, message string, violations []string, guidance string) *Error {
	return &Error{Kind: kind, Code: kind.Code(), Message: message, Violations: violations, Guidance: guidance}
}

// NewActionFailure wraps a failure reported by an action under its own code.
func NewActionFailure(code, message string, cause error) *Error {
	if code == "" {
		code = KindActionFailed.Code()
	}
	return &Error{Kind: KindFromCode(code), Code: code, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code)
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Violations) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(e.Violations, "; "))
		b.WriteString(")")
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error of the same kind and, when the
// target names one, the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// KindOf extracts the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// CodeOf extracts the string code of err. Errors that did not originate from
// the runner report the KindActionFailed code.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) && ce.Code != "" {
		return ce.Code
	}
	return KindActionFailed.Code()
}

// GuidanceOf returns the remediation text attached to err, if any.
func GuidanceOf(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Guidance
	}
	return ""
}

// IsKind reports whether any error in err's chain is a runner error of kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
