package tracing

import (
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// TracerName names the tracer run and step spans come from.
const TracerName = "github.com/xerilium/catalyst"

// Attribute keys shared by run and step spans.
const (
	AttrRunID    = attribute.Key("catalyst.run.id")
	AttrPlaybook = attribute.Key("catalyst.playbook")
	AttrStep     = attribute.Key("catalyst.step")
	AttrAction   = attribute.Key("catalyst.action")
	AttrCode     = attribute.Key("catalyst.code")
	AttrStatus   = attribute.Key("catalyst.status")
)

// Masker hides secret values in text.
type Masker interface {
	Mask(text string) string
}

// RecordErrorWithContext records err on span with its message passed
// through m, and marks the span as failed. It does nothing for a nil error
// or a span that is not recording.
func RecordErrorWithContext(span oteltrace.Span, err error, m Masker) {
	if err == nil || span == nil || !span.IsRecording() {
		return
	}
	msg := err.Error()
	if m != nil {
		msg = m.Mask(msg)
	}
	span.RecordError(errors.New(msg))
	span.SetStatus(codes.Error, msg)
}
