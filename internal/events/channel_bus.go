package events

import (
	"github.com/google/uuid"

	"github.com/xerilium/catalyst/pkg/catalyst/v1/events"
	catlog "github.com/xerilium/catalyst/pkg/catalyst/v1/log"
)

// ChannelEventBus implements events.Bus over a buffered channel. Emit never
// blocks; when the buffer is full the event is dropped with a warning.
type ChannelEventBus struct {
	channel chan events.Event
	log     catlog.Logger
}

// NewChannelEventBus creates a bus with the given buffer size (100 when
// non-positive). It panics on a nil logger.
func NewChannelEventBus(bufferSize int, log catlog.Logger) *ChannelEventBus {
	const defaultBufferSize = 100
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if log == nil {
		panic("ChannelEventBus requires a non-nil logger")
	}
	bus := &ChannelEventBus{
		channel: make(chan events.Event, bufferSize),
		log:     log.With("component", "ChannelEventBus"),
	}
	bus.log.Debugf("ChannelEventBus initialized with buffer size %d", bufferSize)
	return bus
}

// Emit queues event, assigning an id when it has none.
func (c *ChannelEventBus) Emit(event events.Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	select {
	case c.channel <- event:
		c.log.Debugf("Emitted event type '%s'", event.Type)
	default:
		c.log.Warnf("Event channel buffer full, dropping event type '%s'", event.Type)
	}
}

// GetChannel exposes the stream to in-process listeners.
func (c *ChannelEventBus) GetChannel() <-chan events.Event {
	return c.channel
}

// Close ends the stream. Emit must not be called afterwards.
func (c *ChannelEventBus) Close() {
	c.log.Debugf("Closing ChannelEventBus channel.")
	close(c.channel)
}

var _ events.Bus = (*ChannelEventBus)(nil)
