package bus

import (
	"context"
	"log/slog"
)

// StoreSubscriber writes events to an EventStore.
type StoreSubscriber struct {
	store  EventStore
	logger *slog.Logger
}

// NewStoreSubscriber creates a new StoreSubscriber.
func NewStoreSubscriber(store EventStore, logger *slog.Logger) *StoreSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSubscriber{
		store:  store,
		logger: logger,
	}
}

// Handle persists a single event to the store. Failures are logged.
func (s *StoreSubscriber) Handle(event Event) {
	if err := s.store.Append(context.Background(), event); err != nil {
		s.logger.Error("failed to persist event",
			"session_id", event.SessionID,
			"kind", event.Kind,
			"seq", event.Seq,
			"error", err,
		)
	}
}

// Run drains sub into the store until the subscription is closed.
func (s *StoreSubscriber) Run(sub Subscription) {
	for event := range sub.Events() {
		s.Handle(event)
	}
}
