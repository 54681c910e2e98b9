package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/petal-labs/petalbridge/bus"
	"github.com/petal-labs/petalbridge/core"
	"github.com/petal-labs/petalbridge/process"
	"github.com/petal-labs/petalbridge/rpc"
	"github.com/petal-labs/petalbridge/tool"
)

// callerFunc adapts a function to rpc.Caller.
type callerFunc func(ctx context.Context, req rpc.Message) (rpc.Message, error)

func (f callerFunc) Call(ctx context.Context, req rpc.Message) (rpc.Message, error) {
	return f(ctx, req)
}

func resultReply(req rpc.Message, result any) rpc.Message {
	raw, _ := json.Marshal(result)
	return rpc.Message{JSONRPC: rpc.Version, ID: req.ID, Result: raw}
}

// fakeServers implements Servers over a fixed endpoint table.
type fakeServers struct {
	mu        sync.Mutex
	endpoints map[string]process.Endpoint
	reported  map[string]int
	touched   map[string]int
}

func newFakeServers() *fakeServers {
	return &fakeServers{
		endpoints: make(map[string]process.Endpoint),
		reported:  make(map[string]int),
		touched:   make(map[string]int),
	}
}

func (s *fakeServers) add(name string, caller rpc.Caller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[name] = process.Endpoint{
		Server:  name,
		Address: "stdio://" + name,
		Dialect: core.DialectJSONRPC,
		Caller:  caller,
	}
}

func (s *fakeServers) AddressOf(name string) (process.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.endpoints[name]
	if !ok {
		return process.Endpoint{}, &core.NotRunningError{Server: name, State: "failed"}
	}
	return ep, nil
}

func (s *fakeServers) ReportFailure(name string, _ error) {
	s.mu.Lock()
	s.reported[name]++
	s.mu.Unlock()
}

func (s *fakeServers) Touch(name string) {
	s.mu.Lock()
	s.touched[name]++
	s.mu.Unlock()
}

func (s *fakeServers) reports(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reported[name]
}

// scriptedModel replays canned responses and records every request.
type scriptedModel struct {
	mu       sync.Mutex
	requests []core.LLMRequest
	next     func(call int, req core.LLMRequest) (core.LLMResponse, error)
}

func (m *scriptedModel) Complete(ctx context.Context, req core.LLMRequest) (core.LLMResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	n := len(m.requests)
	m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return core.LLMResponse{}, err
	}
	return m.next(n, req)
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *scriptedModel) request(i int) core.LLMRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i]
}

// eventLog collects emitted events.
type eventLog struct {
	mu     sync.Mutex
	events []bus.Event
}

func (l *eventLog) emit(e bus.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) kinds() []bus.EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]bus.EventKind, len(l.events))
	for i, e := range l.events {
		out[i] = e.Kind
	}
	return out
}

func (l *eventLog) count(kind bus.EventKind) int {
	n := 0
	for _, k := range l.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

// recordingObserver captures observations.
type recordingObserver struct {
	mu       sync.Mutex
	calls    []ToolCallObservation
	sessions []SessionObservation
}

func (r *recordingObserver) ObserveToolCall(o ToolCallObservation) {
	r.mu.Lock()
	r.calls = append(r.calls, o)
	r.mu.Unlock()
}

func (r *recordingObserver) ObserveSession(o SessionObservation) {
	r.mu.Lock()
	r.sessions = append(r.sessions, o)
	r.mu.Unlock()
}

func fsRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	reg := tool.NewRegistry()
	err := reg.RegisterAll([]tool.Schema{
		{
			Name:        "fs.read",
			Server:      "fs",
			Description: "Read a file",
			Params: []tool.Param{
				{Name: "path", Type: tool.TypeString, Required: true},
			},
		},
		{
			Name:   "fs.sleep",
			Server: "fs",
			Params: []tool.Param{
				{Name: "ms", Type: tool.TypeInteger, Required: true},
			},
		},
	})
	if err != nil {
		t.Fatalf("RegisterAll() error = %v", err)
	}
	return reg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func toolCalls(names ...string) []core.ToolCall {
	calls := make([]core.ToolCall, len(names))
	for i, name := range names {
		calls[i] = core.ToolCall{Name: name, Arguments: map[string]any{"path": "/" + name}}
	}
	return calls
}

var errModelDown = errors.New("connection refused")
