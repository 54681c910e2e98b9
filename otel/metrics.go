package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/petalbridge/bridge"
	"github.com/petal-labs/petalbridge/process"
)

// Observer records bridge and process signals as OpenTelemetry metrics.
// It implements bridge.Observer and process.Observer.
type Observer struct {
	toolCalls       metric.Int64Counter
	toolLatency     metric.Float64Histogram
	sessions        metric.Int64Counter
	sessionDuration metric.Float64Histogram
	transitions     metric.Int64Counter
	restarts        metric.Int64Counter
}

// NewObserver creates instruments on meter.
func NewObserver(meter metric.Meter) (*Observer, error) {
	toolCalls, err := meter.Int64Counter(
		"petalbridge.tool.calls",
		metric.WithDescription("Number of tool calls by outcome"),
	)
	if err != nil {
		return nil, err
	}
	toolLatency, err := meter.Float64Histogram(
		"petalbridge.tool.latency",
		metric.WithDescription("Tool call latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	sessions, err := meter.Int64Counter(
		"petalbridge.sessions",
		metric.WithDescription("Number of finished sessions by outcome"),
	)
	if err != nil {
		return nil, err
	}
	sessionDuration, err := meter.Float64Histogram(
		"petalbridge.session.duration",
		metric.WithDescription("Session duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	transitions, err := meter.Int64Counter(
		"petalbridge.server.transitions",
		metric.WithDescription("Number of tool server state transitions"),
	)
	if err != nil {
		return nil, err
	}
	restarts, err := meter.Int64Counter(
		"petalbridge.server.restarts",
		metric.WithDescription("Number of tool server restart attempts"),
	)
	if err != nil {
		return nil, err
	}

	return &Observer{
		toolCalls:       toolCalls,
		toolLatency:     toolLatency,
		sessions:        sessions,
		sessionDuration: sessionDuration,
		transitions:     transitions,
		restarts:        restarts,
	}, nil
}

func outcome(kind string) string {
	if kind == "" {
		return "ok"
	}
	return kind
}

// ObserveToolCall records one tool call.
func (o *Observer) ObserveToolCall(obs bridge.ToolCallObservation) {
	if o == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", obs.Tool),
		attribute.String("server", obs.Server),
		attribute.String("outcome", outcome(string(obs.ErrorKind))),
	)
	ctx := context.Background()
	o.toolCalls.Add(ctx, 1, attrs)
	o.toolLatency.Record(ctx, seconds(obs.Duration), attrs)
}

// ObserveSession records one finished session.
func (o *Observer) ObserveSession(obs bridge.SessionObservation) {
	if o == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("outcome", outcome(string(obs.ErrorKind))),
	)
	ctx := context.Background()
	o.sessions.Add(ctx, 1, attrs)
	o.sessionDuration.Record(ctx, seconds(obs.Duration), attrs)
}

// ObserveTransition records one server lifecycle transition.
func (o *Observer) ObserveTransition(tr process.Transition) {
	if o == nil {
		return
	}
	ctx := context.Background()
	o.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("server", tr.Server),
		attribute.String("from", string(tr.From)),
		attribute.String("to", string(tr.To)),
	))
	if tr.To == process.StateRestarting {
		o.restarts.Add(ctx, 1, metric.WithAttributes(attribute.String("server", tr.Server)))
	}
}

func seconds(d time.Duration) float64 {
	return float64(d) / float64(time.Second)
}

var (
	_ bridge.Observer  = (*Observer)(nil)
	_ process.Observer = (*Observer)(nil)
)
