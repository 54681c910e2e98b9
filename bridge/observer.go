package bridge

import (
	"time"

	"github.com/petal-labs/petalbridge/core"
)

// ToolCallObservation captures one tool call outcome.
type ToolCallObservation struct {
	SessionID string
	CallID    string
	Tool      string
	Server    string
	Started   time.Time
	Duration  time.Duration
	ErrorKind core.ErrorKind // empty on success
}

// SessionObservation captures one finished session.
type SessionObservation struct {
	SessionID  string
	Started    time.Time
	Duration   time.Duration
	Iterations int
	ToolCalls  int
	ErrorKind  core.ErrorKind // empty on success
}

// Observer receives session telemetry.
type Observer interface {
	ObserveToolCall(observation ToolCallObservation)
	ObserveSession(observation SessionObservation)
}

type noopObserver struct{}

func (noopObserver) ObserveToolCall(ToolCallObservation) {}
func (noopObserver) ObserveSession(SessionObservation)   {}
