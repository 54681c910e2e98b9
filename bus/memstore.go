package bus

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

// MemEventStore is a thread-safe in-memory event store.
type MemEventStore struct {
	mu     sync.RWMutex
	events map[string][]Event // sessionID -> events
}

// NewMemEventStore creates a new in-memory event store.
func NewMemEventStore() *MemEventStore {
	return &MemEventStore{
		events: make(map[string][]Event),
	}
}

func (s *MemEventStore) Append(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.SessionID] = append(s.events[event.SessionID], event)
	return nil
}

func (s *MemEventStore) List(_ context.Context, sessionID string, afterSeq uint64, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Event
	for _, e := range s.events[sessionID] {
		if afterSeq > 0 && e.Seq <= afterSeq {
			continue
		}
		result = append(result, e)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *MemEventStore) LatestSeq(_ context.Context, sessionID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var maxSeq uint64
	for _, e := range s.events[sessionID] {
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
	}
	return maxSeq, nil
}

func (s *MemEventStore) Sessions(_ context.Context, limit int) ([]SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summaries := make([]SessionSummary, 0, len(s.events))
	for id, events := range s.events {
		if len(events) == 0 {
			continue
		}
		sum := SessionSummary{ID: id, Events: len(events), Started: events[0].Time, Updated: events[0].Time}
		var lastSeq uint64
		for _, e := range events {
			if e.Time.Before(sum.Started) {
				sum.Started = e.Time
			}
			if e.Time.After(sum.Updated) {
				sum.Updated = e.Time
			}
			if e.Seq >= lastSeq {
				lastSeq = e.Seq
				sum.LastKind = e.Kind
			}
		}
		sum.Status = StatusFor(sum.LastKind)
		summaries = append(summaries, sum)
	}
	slices.SortFunc(summaries, func(a, b SessionSummary) int {
		if c := b.Updated.Compare(a.Updated); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

// Compile-time interface check.
var _ EventStore = (*MemEventStore)(nil)
