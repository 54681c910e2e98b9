// Package bus distributes bridge session events to subscribers and persists
// them for replay. The orchestrator publishes; the HTTP API, the history
// command and the store subscriber consume.
package bus

// EventBus distributes events to subscribers.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(event Event)

	// Subscribe registers a subscriber for a specific session.
	// Returns a Subscription that must be closed when done.
	Subscribe(sessionID string) Subscription

	// SubscribeAll registers a subscriber that receives events from all sessions.
	SubscribeAll() Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives events.
type Subscription interface {
	// Events returns a channel of events for this subscription.
	Events() <-chan Event

	// Close unsubscribes and releases resources.
	Close() error
}
