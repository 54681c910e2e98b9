package bus

import "time"

// EventKind identifies what happened during a bridge session.
type EventKind string

const (
	// EventSessionStarted is emitted when a prompt is accepted.
	EventSessionStarted EventKind = "session.started"

	// EventModelReply is emitted for every model round-trip.
	EventModelReply EventKind = "model.reply"

	// EventToolCall is emitted before a tool call is dispatched.
	EventToolCall EventKind = "tool.call"

	// EventToolResult is emitted when a tool call completes or fails.
	EventToolResult EventKind = "tool.result"

	// EventSessionFinished is emitted when the model answers without tool calls.
	EventSessionFinished EventKind = "session.finished"

	// EventSessionFailed is emitted when a session ends with a session-level error.
	EventSessionFailed EventKind = "session.failed"
)

func (k EventKind) String() string {
	return string(k)
}

// Terminal reports whether the kind closes a session.
func (k EventKind) Terminal() bool {
	return k == EventSessionFinished || k == EventSessionFailed
}

// Event is one structured record of a session. Payloads stay small: tool
// arguments and results are included, model transcripts are not.
type Event struct {
	Kind      EventKind      `json:"kind"`
	SessionID string         `json:"session_id"`
	Seq       uint64         `json:"seq"`
	Time      time.Time      `json:"time"`
	Tool      string         `json:"tool,omitempty"`
	CallID    string         `json:"call_id,omitempty"`
	Iteration int            `json:"iteration,omitempty"`
	Elapsed   time.Duration  `json:"elapsed_ns,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	SpanID    string         `json:"span_id,omitempty"`
}

// NewEvent creates an event stamped with the current time.
func NewEvent(kind EventKind, sessionID string) Event {
	return Event{
		Kind:      kind,
		SessionID: sessionID,
		Time:      time.Now(),
		Payload:   make(map[string]any),
	}
}

// WithTool attributes the event to one tool call.
func (e Event) WithTool(tool, callID string) Event {
	e.Tool = tool
	e.CallID = callID
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// Emitter receives session events. A nil Emitter discards them.
type Emitter func(Event)

// Emit forwards e when the emitter is set.
func (f Emitter) Emit(e Event) {
	if f != nil {
		f(e)
	}
}

// MultiEmitter fans one event out to several emitters.
func MultiEmitter(emitters ...Emitter) Emitter {
	return func(e Event) {
		for _, emit := range emitters {
			emit.Emit(e)
		}
	}
}
