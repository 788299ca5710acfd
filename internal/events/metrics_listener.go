package events

import (
	"context"

	"github.com/xerilium/catalyst/internal/metrics"
	"github.com/xerilium/catalyst/pkg/catalyst/v1/events"
	catlog "github.com/xerilium/catalyst/pkg/catalyst/v1/log"
)

// MetricsEventListener drains a ChannelEventBus and counts the events that
// have no natural home in the engine's own instrumentation.
type MetricsEventListener struct {
	bus        *ChannelEventBus
	log        catlog.Logger
	collectors *metrics.Collectors
}

// NewMetricsEventListener panics on nil dependencies.
func NewMetricsEventListener(bus *ChannelEventBus, collectors *metrics.Collectors, log catlog.Logger) *MetricsEventListener {
	if bus == nil || collectors == nil || log == nil {
		panic("MetricsEventListener requires a non-nil ChannelEventBus, Collectors, and Logger")
	}
	return &MetricsEventListener{
		bus:        bus,
		log:        log.With("component", "MetricsEventListener"),
		collectors: collectors,
	}
}

// Start consumes events until the bus is closed or ctx is done. Run it in
// its own goroutine.
func (l *MetricsEventListener) Start(ctx context.Context) {
	l.log.Debugf("Starting metrics event listener...")
	for {
		select {
		case event, ok := <-l.bus.GetChannel():
			if !ok {
				l.log.Debugf("Event bus channel closed, stopping listener.")
				return
			}
			l.handleEvent(event)
		case <-ctx.Done():
			l.log.Debugf("Context cancelled, stopping metrics event listener.")
			return
		}
	}
}

func (l *MetricsEventListener) handleEvent(event events.Event) {
	switch event.Type {
	case events.LockConflict:
		l.collectors.LockConflicts.Inc()
	case events.StepRetried:
		l.collectors.StepRetries.WithLabelValues(event.PlaybookName).Inc()
	case events.StepSkipped:
		l.collectors.StepsSkipped.WithLabelValues(event.PlaybookName).Inc()
	case events.SecretResolve:
		l.collectors.SecretResolutions.Inc()
	case events.RunArchived:
		l.collectors.RunsArchived.Inc()
	}
}
