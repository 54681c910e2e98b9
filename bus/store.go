package bus

import (
	"context"
	"time"
)

// EventStore persists events for replay.
type EventStore interface {
	// Append stores an event.
	Append(ctx context.Context, event Event) error

	// List returns events for a session, optionally filtered.
	// afterSeq: return events with Seq > afterSeq (0 means all)
	// limit: max events to return (0 means no limit)
	List(ctx context.Context, sessionID string, afterSeq uint64, limit int) ([]Event, error)

	// LatestSeq returns the highest Seq for a session (0 if no events).
	LatestSeq(ctx context.Context, sessionID string) (uint64, error)

	// Sessions summarizes stored sessions, most recently active first.
	// limit: max sessions to return (0 means no limit)
	Sessions(ctx context.Context, limit int) ([]SessionSummary, error)
}

// SessionStatus is derived from the last stored event of a session.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionFinished SessionStatus = "finished"
	SessionFailed   SessionStatus = "failed"
)

// StatusFor maps the last event kind of a session to its status.
func StatusFor(last EventKind) SessionStatus {
	switch last {
	case EventSessionFinished:
		return SessionFinished
	case EventSessionFailed:
		return SessionFailed
	default:
		return SessionActive
	}
}

// SessionSummary describes one stored session.
type SessionSummary struct {
	ID       string        `json:"id"`
	Started  time.Time     `json:"started"`
	Updated  time.Time     `json:"updated"`
	Events   int           `json:"events"`
	LastKind EventKind     `json:"last_kind"`
	Status   SessionStatus `json:"status"`
}
