package state

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSuspended Status = "suspended"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusCompleted, StatusFailed, StatusSuspended:
		return true
	}
	return false
}

// CanTransition reports whether a persisted record may move from s to next.
// Rewriting the same status is always allowed. Nothing returns to running.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusRunning, StatusSuspended:
		return next == StatusCompleted || next == StatusFailed || next == StatusSuspended
	}
	return false
}

// ErrorInfo records why a run failed or suspended. Message is masked.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RunState is the persisted record of one run.
type RunState struct {
	RunID           string         `json:"runId"`
	PlaybookName    string         `json:"playbookName"`
	PlaybookPath    string         `json:"playbookPath,omitempty"`
	StartTime       time.Time      `json:"startTime"`
	EndTime         *time.Time     `json:"endTime,omitempty"`
	Status          Status         `json:"status"`
	Inputs          map[string]any `json:"inputs"`
	Variables       map[string]any `json:"variables"`
	CompletedSteps  []string       `json:"completedSteps"`
	SkippedSteps    []string       `json:"skippedSteps,omitempty"`
	// CleanupSteps lists catch and finally steps that completed.
	CleanupSteps []string `json:"cleanupSteps,omitempty"`
	CurrentStepName string         `json:"currentStepName,omitempty"`
	Error           *ErrorInfo     `json:"error,omitempty"`
	ResumeCount     int            `json:"resumeCount,omitempty"`
}

// New creates the initial record of a run.
func New(runID, playbookName string, start time.Time, inputs map[string]any) *RunState {
	if inputs == nil {
		inputs = map[string]any{}
	}
	return &RunState{
		RunID:          runID,
		PlaybookName:   playbookName,
		StartTime:      start,
		Status:         StatusRunning,
		Inputs:         inputs,
		Variables:      map[string]any{},
		CompletedSteps: []string{},
	}
}

// IsDone reports whether step was completed or skipped.
func (s *RunState) IsDone(step string) bool {
	for _, n := range s.CompletedSteps {
		if n == step {
			return true
		}
	}
	for _, n := range s.SkippedSteps {
		if n == step {
			return true
		}
	}
	return false
}

// ValueMasker hides secrets in nested values.
type ValueMasker interface {
	Mask(text string) string
	MaskValue(v any) any
}

// Masked returns a copy with inputs, variables and the error message passed
// through m. The receiver keeps its live values.
func (s *RunState) Masked(m ValueMasker) *RunState {
	cp := *s
	cp.CompletedSteps = append([]string{}, s.CompletedSteps...)
	cp.SkippedSteps = append([]string(nil), s.SkippedSteps...)
	cp.CleanupSteps = append([]string(nil), s.CleanupSteps...)
	if m == nil {
		return &cp
	}
	cp.Inputs, _ = m.MaskValue(s.Inputs).(map[string]any)
	cp.Variables, _ = m.MaskValue(s.Variables).(map[string]any)
	if s.Error != nil {
		cp.Error = &ErrorInfo{Code: s.Error.Code, Message: m.Mask(s.Error.Message)}
	}
	return &cp
}

const runIDLayout = "20060102-150405"

// FormatRunID renders t as YYYYMMDD-HHMMSS-NNN where NNN is milliseconds.
func FormatRunID(t time.Time) string {
	return fmt.Sprintf("%s-%03d", t.Format(runIDLayout), t.Nanosecond()/int(time.Millisecond))
}

// RunIDTime parses the timestamp embedded in a run id.
func RunIDTime(runID string) (time.Time, error) {
	if len(runID) < len(runIDLayout) {
		return time.Time{}, fmt.Errorf("run id %q is too short", runID)
	}
	t, err := time.ParseInLocation(runIDLayout, runID[:len(runIDLayout)], time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("run id %q has no valid timestamp: %w", runID, err)
	}
	return t, nil
}
