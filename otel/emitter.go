package otel

import (
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/petalbridge/bus"
)

// InstrumentEmitter feeds every event to the tracing handler and stamps it
// with the active trace context before passing it on.
//
// Tool events carry the tool call span; other events fall back to the
// session span. Terminal events carry the session span they close.
func InstrumentEmitter(emit bus.Emitter, tracing *TracingHandler) bus.Emitter {
	return func(e bus.Event) {
		if e.Kind.Terminal() {
			stamp(&e, tracing.ActiveSessionSpanContext(e.SessionID))
			tracing.Handle(e)
			emit.Emit(e)
			return
		}

		tracing.Handle(e)
		if e.CallID != "" {
			// A tool.result has already ended its span and takes the session's.
			stamp(&e, tracing.ActiveSpanContext(e.SessionID, e.CallID))
		}
		if e.TraceID == "" {
			stamp(&e, tracing.ActiveSessionSpanContext(e.SessionID))
		}
		emit.Emit(e)
	}
}

func stamp(e *bus.Event, sc trace.SpanContext) {
	if !sc.IsValid() {
		return
	}
	e.TraceID = sc.TraceID().String()
	e.SpanID = sc.SpanID().String()
}
