package otel

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/petalbridge/bus"
)

// TracingHandler turns session events into spans: one root span per session
// and one child span per tool call.
type TracingHandler struct {
	tracer trace.Tracer

	mu           sync.RWMutex
	sessionSpans map[string]trace.Span      // sessionID -> span
	sessionCtxs  map[string]context.Context // sessionID -> context for child spans
	toolSpans    map[string]trace.Span      // sessionID:callID -> span
}

// NewTracingHandler creates a TracingHandler using tracer.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:       tracer,
		sessionSpans: make(map[string]trace.Span),
		sessionCtxs:  make(map[string]context.Context),
		toolSpans:    make(map[string]trace.Span),
	}
}

// Handle starts or ends spans for e.
func (h *TracingHandler) Handle(e bus.Event) {
	switch e.Kind {
	case bus.EventSessionStarted:
		h.handleSessionStarted(e)
	case bus.EventModelReply:
		h.handleModelReply(e)
	case bus.EventToolCall:
		h.handleToolCall(e)
	case bus.EventToolResult:
		h.handleToolResult(e)
	case bus.EventSessionFinished, bus.EventSessionFailed:
		h.handleSessionEnded(e)
	}
}

func (h *TracingHandler) handleSessionStarted(e bus.Event) {
	ctx, span := h.tracer.Start(context.Background(), "session",
		trace.WithAttributes(attribute.String("petalbridge.session_id", e.SessionID)),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.sessionSpans[e.SessionID] = span
	h.sessionCtxs[e.SessionID] = ctx
	h.mu.Unlock()
}

func (h *TracingHandler) handleModelReply(e bus.Event) {
	h.mu.RLock()
	span, ok := h.sessionSpans[e.SessionID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	attrs := []attribute.KeyValue{attribute.Int("petalbridge.iteration", e.Iteration)}
	if n, ok := e.Payload["tool_calls"].(int); ok {
		attrs = append(attrs, attribute.Int("petalbridge.tool_calls", n))
	}
	span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
}

func (h *TracingHandler) handleToolCall(e bus.Event) {
	h.mu.RLock()
	parentCtx, ok := h.sessionCtxs[e.SessionID]
	h.mu.RUnlock()
	if !ok {
		parentCtx = context.Background()
	}

	_, span := h.tracer.Start(parentCtx, "tool:"+e.Tool,
		trace.WithAttributes(
			attribute.String("petalbridge.session_id", e.SessionID),
			attribute.String("petalbridge.tool", e.Tool),
			attribute.String("petalbridge.call_id", e.CallID),
			attribute.Int("petalbridge.iteration", e.Iteration),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.toolSpans[toolKey(e.SessionID, e.CallID)] = span
	h.mu.Unlock()
}

func (h *TracingHandler) handleToolResult(e bus.Event) {
	key := toolKey(e.SessionID, e.CallID)
	h.mu.Lock()
	span, ok := h.toolSpans[key]
	if ok {
		delete(h.toolSpans, key)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	span.SetAttributes(attribute.String("petalbridge.duration", e.Elapsed.String()))
	if kind, msg, failed := errorFromPayload(e.Payload); failed {
		span.SetAttributes(attribute.String("petalbridge.error_kind", kind))
		span.SetStatus(codes.Error, msg)
		span.RecordError(spanError(msg), trace.WithTimestamp(e.Time))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

func (h *TracingHandler) handleSessionEnded(e bus.Event) {
	prefix := e.SessionID + ":"
	h.mu.Lock()
	span, ok := h.sessionSpans[e.SessionID]
	delete(h.sessionSpans, e.SessionID)
	delete(h.sessionCtxs, e.SessionID)
	var dangling []trace.Span
	for key, s := range h.toolSpans {
		if strings.HasPrefix(key, prefix) {
			dangling = append(dangling, s)
			delete(h.toolSpans, key)
		}
	}
	h.mu.Unlock()

	for _, s := range dangling {
		s.SetStatus(codes.Error, "session ended before tool result")
		s.End(trace.WithTimestamp(e.Time))
	}
	if !ok {
		return
	}

	span.SetAttributes(
		attribute.String("petalbridge.duration", e.Elapsed.String()),
		attribute.Int("petalbridge.iterations", e.Iteration),
	)
	if kind, msg, failed := errorFromPayload(e.Payload); failed && e.Kind == bus.EventSessionFailed {
		span.SetAttributes(attribute.String("petalbridge.error_kind", kind))
		span.SetStatus(codes.Error, msg)
		span.RecordError(spanError(msg), trace.WithTimestamp(e.Time))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

// ActiveSpanContext returns the span context of an open tool call span, or
// an empty SpanContext.
func (h *TracingHandler) ActiveSpanContext(sessionID, callID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.toolSpans[toolKey(sessionID, callID)]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// ActiveSessionSpanContext returns the span context of an open session span,
// or an empty SpanContext.
func (h *TracingHandler) ActiveSessionSpanContext(sessionID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.sessionSpans[sessionID]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

func toolKey(sessionID, callID string) string {
	return sessionID + ":" + callID
}

// errorFromPayload extracts the kind and message of an "error" payload entry.
func errorFromPayload(payload map[string]any) (kind, msg string, ok bool) {
	raw, found := payload["error"]
	if !found || raw == nil {
		return "", "", false
	}
	switch v := raw.(type) {
	case map[string]any:
		kind, _ = v["kind"].(string)
		msg, _ = v["message"].(string)
	case string:
		msg = v
	default:
		msg = fmt.Sprint(v)
	}
	if msg == "" {
		msg = "unknown error"
	}
	return kind, msg, true
}

// spanError is a simple error type for recording span errors.
type spanError string

func (e spanError) Error() string { return string(e) }
