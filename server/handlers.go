package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/petal-labs/petalbridge/bridge"
	"github.com/petal-labs/petalbridge/core"
	"github.com/petal-labs/petalbridge/process"
	"github.com/petal-labs/petalbridge/schedule"
	"github.com/petal-labs/petalbridge/tool"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// --- Health ---

type healthResponse struct {
	Status  string         `json:"status"`
	Version string         `json:"version"`
	Servers map[string]int `json:"servers"`
	Tools   int            `json:"tools"`
}

// handleHealth reports "ok" when every server is running and "degraded"
// otherwise. It always answers 200 so that probes see the API itself.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	counts := make(map[string]int)
	status := "ok"
	for _, snap := range s.cfg.Servers.Snapshots() {
		counts[string(snap.State)]++
		if snap.State != process.StateRunning {
			status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  status,
		Version: s.cfg.Version,
		Servers: counts,
		Tools:   s.cfg.Registry.Len(),
	})
}

// --- Servers ---

func (s *Server) handleListServers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"servers": s.cfg.Servers.Snapshots()})
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	snap, ok := s.cfg.Servers.Snapshot(name)
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown server "+strconv.Quote(name))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRestartServer(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	err := s.cfg.Servers.Restart(r.Context(), name)
	switch {
	case errors.Is(err, process.ErrUnknownServer):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	case errors.Is(err, process.ErrNotFailed):
		writeError(w, http.StatusConflict, "CONFLICT", err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "RESTART_FAILED", err.Error())
		return
	}
	snap, _ := s.cfg.Servers.Snapshot(name)
	writeJSON(w, http.StatusAccepted, snap)
}

// --- Tools ---

type toolResponse struct {
	tool.Schema
	InputSchema map[string]any `json:"input_schema"`
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	var schemas []tool.Schema
	if server := r.URL.Query().Get("server"); server != "" {
		schemas = s.cfg.Registry.ForServer(server)
	} else {
		schemas = s.cfg.Registry.List()
	}
	tools := make([]toolResponse, 0, len(schemas))
	for _, schema := range schemas {
		tools = append(tools, toolResponse{Schema: schema, InputSchema: tool.ToJSONSchema(schema)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

// --- Sessions ---

type createSessionRequest struct {
	ID     string `json:"id,omitempty"`
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
	// Async returns 202 immediately; progress is followed through the
	// session's event stream.
	Async bool `json:"async,omitempty"`
}

type asyncSessionResponse struct {
	SessionID string `json:"session_id"`
	Events    string `json:"events"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body createSessionRequest
	if err := decodeJSONBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body", err.Error())
		return
	}
	body.Prompt = strings.TrimSpace(body.Prompt)
	if body.Prompt == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "prompt is required")
		return
	}
	req := bridge.SessionRequest{ID: body.ID, Prompt: body.Prompt, System: body.System}

	if body.Async {
		if req.ID == "" {
			req.ID = uuid.NewString()
		}
		s.runBackground(req)
		writeJSON(w, http.StatusAccepted, asyncSessionResponse{
			SessionID: req.ID,
			Events:    "/v1/sessions/" + req.ID + "/events?follow=true",
		})
		return
	}

	res, err := s.cfg.Sessions.RunSession(r.Context(), req)
	if err != nil {
		writeSessionError(w, res.SessionID, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) runBackground(req bridge.SessionRequest) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		if _, err := s.cfg.Sessions.RunSession(s.bgCtx, req); err != nil {
			s.logger.Warn("background session failed", "session_id", req.ID, "error", err)
		}
	}()
}

// sessionStatus maps a session-ending error kind to an HTTP status.
func sessionStatus(err error) int {
	switch core.KindOf(err) {
	case core.KindLoopLimit:
		return http.StatusUnprocessableEntity
	case core.KindSessionTransport:
		return http.StatusBadGateway
	case core.KindSessionCanceled:
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeSessionError(w http.ResponseWriter, sessionID string, err error) {
	writeJSON(w, sessionStatus(err), apiError{Error: apiErrorBody{
		Code:      strings.ToUpper(string(core.KindOf(err))),
		Message:   err.Error(),
		SessionID: sessionID,
		Data:      core.ErrorPayload(err),
	}})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "HISTORY_DISABLED", "session history is not enabled")
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	sessions, err := s.cfg.Events.Sessions(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "listing sessions", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// --- Schedules ---

func (s *Server) handleListSchedules(w http.ResponseWriter, _ *http.Request) {
	statuses := []schedule.Status{}
	if s.cfg.Schedules != nil {
		statuses = s.cfg.Schedules.Statuses()
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": statuses})
}

// --- Metrics ---

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Metrics == nil {
		writeError(w, http.StatusServiceUnavailable, "METRICS_DISABLED", "metrics are not enabled")
		return
	}
	points, err := s.cfg.Metrics.Collect(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "collecting metrics", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": points})
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	if n == 0 || n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}
