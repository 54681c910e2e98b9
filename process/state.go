package process

import "time"

// State is the lifecycle state of a managed tool server.
type State string

const (
	StateStarting     State = "starting"
	StateRunning      State = "running"
	StateUnresponsive State = "unresponsive"
	StateRestarting   State = "restarting"
	StateFailed       State = "failed"
	StateStopped      State = "stopped"
)

var transitions = map[State][]State{
	StateStarting:     {StateRunning, StateRestarting, StateFailed, StateStopped},
	StateRunning:      {StateUnresponsive, StateStopped},
	StateUnresponsive: {StateRestarting, StateFailed, StateStopped},
	StateRestarting:   {StateStarting, StateStopped},
	StateFailed:       {StateStarting, StateStopped},
	StateStopped:      {},
}

// CanTransition reports whether the lifecycle allows moving from s to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Settled reports whether the state will not change without outside action
// or a crash: Running, Failed or Stopped.
func (s State) Settled() bool {
	return s == StateRunning || s == StateFailed || s == StateStopped
}

// Transition records one lifecycle change.
type Transition struct {
	Server   string
	From     State
	To       State
	Reason   string
	Restarts int
	At       time.Time
}

// Observer receives lifecycle transitions. Implementations must not block.
type Observer interface {
	ObserveTransition(Transition)
}

type noopObserver struct{}

func (noopObserver) ObserveTransition(Transition) {}

// Backoff returns the delay before restart attempt n (1-based):
// base * 2^(n-1), capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}
