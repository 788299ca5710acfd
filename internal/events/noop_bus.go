package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/xerilium/catalyst/pkg/catalyst/v1/events"
)

// NoOpEventBus drops every event. It is the engine's default bus.
type NoOpEventBus struct{}

func NewNoOpEventBus() events.Bus {
	return &NoOpEventBus{}
}

func (n *NoOpEventBus) Emit(event events.Event) {}

var _ events.Bus = (*NoOpEventBus)(nil)

// New builds an event with a fresh id and the current time.
func New(typ events.EventType, runID, playbook, step string, payload map[string]interface{}) events.Event {
	return events.Event{
		ID:           uuid.NewString(),
		Type:         typ,
		Timestamp:    time.Now(),
		RunID:        runID,
		PlaybookName: playbook,
		StepName:     step,
		Payload:      payload,
	}
}
