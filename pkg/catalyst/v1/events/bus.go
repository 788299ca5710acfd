package events

import "time"

// EventType names a runner lifecycle event.
type EventType string

const (
	RunStarted    EventType = "RunStarted"
	RunFinished   EventType = "RunFinished"
	RunSuspended  EventType = "RunSuspended"
	StepStarted   EventType = "StepStarted"
	StepFinished  EventType = "StepFinished"
	StepRetried   EventType = "StepRetried"
	StepSkipped   EventType = "StepSkipped"
	LockAcquired  EventType = "LockAcquired"
	LockReleased  EventType = "LockReleased"
	LockConflict  EventType = "LockConflict"
	RunArchived   EventType = "RunArchived"
	SecretResolve EventType = "SecretResolved"
)

// Event is a significant occurrence during a run.
type Event struct {
	ID           string    `json:"id"`
	Type         EventType `json:"type"`
	Timestamp    time.Time `json:"timestamp"`
	RunID        string    `json:"run_id,omitempty"`
	PlaybookName string    `json:"playbook_name,omitempty"`
	StepName     string    `json:"step_name,omitempty"`
	// Payload must never carry secret values. Secret names are allowed.
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Bus publishes events. Emit must not block the engine.
type Bus interface {
	Emit(event Event)
}
