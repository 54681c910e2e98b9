package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/petal-labs/petalbridge/bus"
)

// HeartbeatInterval is the interval between SSE heartbeat comments.
const HeartbeatInterval = 15 * time.Second

// handleSessionEvents lists a session's stored events, or with follow=true
// streams them as Server-Sent Events: stored events are replayed first, then
// live events arrive from the bus until the session ends or the client goes
// away. Duplicates (by sequence number) are skipped.
//
// SSE format:
//
//	id: {seq}
//	event: {kind}
//	data: {json}
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	query := r.URL.Query()

	var afterSeq uint64
	if raw := query.Get("after"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid after parameter")
			return
		}
		afterSeq = parsed
	}
	follow, _ := strconv.ParseBool(query.Get("follow"))

	if !follow {
		if s.cfg.Events == nil {
			writeError(w, http.StatusServiceUnavailable, "HISTORY_DISABLED", "session history is not enabled")
			return
		}
		limit := 0
		if raw := query.Get("limit"); raw != "" {
			n, err := parseLimit(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
				return
			}
			limit = n
		}
		events, err := s.cfg.Events.List(r.Context(), sessionID, afterSeq, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "INTERNAL", "listing events", err.Error())
			return
		}
		if events == nil {
			events = []bus.Event{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "events": events})
		return
	}

	if s.cfg.Events == nil && s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "HISTORY_DISABLED", "session events are not available")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()

	// Subscribe before replaying so nothing falls between the two.
	var sub bus.Subscription
	if s.cfg.Bus != nil {
		sub = s.cfg.Bus.Subscribe(sessionID)
		defer sub.Close()
	}

	lastSeq := afterSeq
	if s.cfg.Events != nil {
		finished, err := replayStored(ctx, w, flusher, s.cfg.Events, sessionID, afterSeq, &lastSeq)
		if err != nil || finished {
			return
		}
	}
	if sub != nil {
		streamLive(ctx, w, flusher, sub, &lastSeq)
	}
}

// replayStored writes stored events and reports whether a terminal event
// was among them.
func replayStored(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	store bus.EventStore,
	sessionID string,
	afterSeq uint64,
	lastSeq *uint64,
) (bool, error) {
	events, err := store.List(ctx, sessionID, afterSeq, 0)
	if err != nil {
		return false, err
	}
	for _, evt := range events {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err := writeSSEEvent(w, evt); err != nil {
			return false, err
		}
		flusher.Flush()
		if evt.Seq > *lastSeq {
			*lastSeq = evt.Seq
		}
		if evt.Kind.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func streamLive(
	ctx context.Context,
	w http.ResponseWriter,
	flusher http.Flusher,
	sub bus.Subscription,
	lastSeq *uint64,
) {
	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if evt.Seq <= *lastSeq {
				continue
			}
			if err := writeSSEEvent(w, evt); err != nil {
				return
			}
			flusher.Flush()
			*lastSeq = evt.Seq
			if evt.Kind.Terminal() {
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, evt bus.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Kind, data)
	return err
}
