package otel_test

import (
	"context"
	"testing"
	"time"

	"github.com/petal-labs/petalbridge/bridge"
	petalotel "github.com/petal-labs/petalbridge/otel"
)

func TestSetup_CollectsObserverMetrics(t *testing.T) {
	tel, err := petalotel.Setup(context.Background(), petalotel.Config{})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	obs, err := petalotel.NewObserver(tel.Meter("test"))
	if err != nil {
		t.Fatalf("NewObserver() error = %v", err)
	}
	obs.ObserveToolCall(bridge.ToolCallObservation{Tool: "fs.read", Server: "fs", Duration: 250 * time.Millisecond})

	points, err := tel.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	var sawCounter, sawLatency bool
	for _, p := range points {
		switch p.Name {
		case "petalbridge.tool.calls":
			sawCounter = p.Value == 1 && p.Attributes["tool"] == "fs.read" && p.Attributes["outcome"] == "ok"
		case "petalbridge.tool.latency":
			sawLatency = p.Count == 1 && p.Sum == 0.25
		}
	}
	if !sawCounter || !sawLatency {
		t.Fatalf("points = %+v", points)
	}

	_, span := tel.Tracer("test").Start(context.Background(), "probe")
	if !span.SpanContext().IsValid() {
		t.Fatal("tracer from Setup should record spans")
	}
	span.End()
}

func TestSetup_WithOTLPEndpoint(t *testing.T) {
	tel, err := petalotel.Setup(context.Background(), petalotel.Config{
		ServiceName:  "petalbridge-test",
		OTLPEndpoint: "127.0.0.1:4318",
		Insecure:     true,
	})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = tel.Shutdown(ctx)
}
