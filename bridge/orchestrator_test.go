package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petal-labs/petalbridge/bus"
	"github.com/petal-labs/petalbridge/core"
	"github.com/petal-labs/petalbridge/rpc"
)

type orchestratorFixture struct {
	model    *scriptedModel
	servers  *fakeServers
	events   *eventLog
	observer *recordingObserver
	orch     *Orchestrator
}

func newFixture(t *testing.T, next func(int, core.LLMRequest) (core.LLMResponse, error), caller rpc.Caller, mutate func(*OrchestratorConfig)) *orchestratorFixture {
	t.Helper()
	f := &orchestratorFixture{
		model:    &scriptedModel{next: next},
		servers:  newFakeServers(),
		events:   &eventLog{},
		observer: &recordingObserver{},
	}
	if caller != nil {
		f.servers.add("fs", caller)
	}
	cfg := OrchestratorConfig{
		Model:      f.model,
		ModelName:  "llama3.2",
		System:     "You are a helpful assistant.",
		Registry:   fsRegistry(t),
		Servers:    f.servers,
		Translator: NewTranslator(TranslatorConfig{CallTimeout: time.Second}),
		Logger:     quietLogger(),
		Observer:   f.observer,
		Emit:       f.events.emit,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	orch, err := NewOrchestrator(cfg)
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	f.orch = orch
	return f
}

// echoServer answers read with the requested path and sleep after the
// requested delay.
func echoServer() callerFunc {
	return func(ctx context.Context, req rpc.Message) (rpc.Message, error) {
		var args map[string]any
		_ = decodeNumbers(req.Params, &args)
		switch req.Method {
		case "read":
			return resultReply(req, "contents of "+fmt.Sprint(args["path"])), nil
		case "sleep":
			n, _ := args["ms"].(json.Number)
			ms, _ := n.Int64()
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
			case <-ctx.Done():
				return rpc.Message{}, ctx.Err()
			}
			return resultReply(req, ms), nil
		}
		return rpc.Message{JSONRPC: rpc.Version, ID: req.ID, Error: &rpc.Error{Code: rpc.CodeMethodNotFound, Message: "method not found"}}, nil
	}
}

func TestOrchestratorPlainReply(t *testing.T) {
	f := newFixture(t, func(int, core.LLMRequest) (core.LLMResponse, error) {
		return core.LLMResponse{Text: "Hi there", Usage: core.LLMTokenUsage{InputTokens: 3, OutputTokens: 2, TotalTokens: 5}}, nil
	}, echoServer(), nil)

	res, err := f.orch.Run(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Text != "Hi there" || res.Iterations != 1 || res.ToolCalls != 0 {
		t.Fatalf("Run() = %+v", res)
	}
	if res.Usage.TotalTokens != 5 {
		t.Fatalf("usage = %+v, want 5 total tokens", res.Usage)
	}
	if res.SessionID == "" {
		t.Fatal("session id should be generated")
	}

	req := f.model.request(0)
	if req.System != "You are a helpful assistant." || req.Model != "llama3.2" {
		t.Fatalf("model request = %+v", req)
	}
	if len(req.Tools) != 2 || req.Tools[0].Name != "fs.read" {
		t.Fatalf("catalog = %+v, want fs.read and fs.sleep", req.Tools)
	}

	want := []bus.EventKind{bus.EventSessionStarted, bus.EventModelReply, bus.EventSessionFinished}
	got := f.events.kinds()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if len(f.observer.sessions) != 1 || f.observer.sessions[0].ErrorKind != "" {
		t.Fatalf("session observations = %+v", f.observer.sessions)
	}
}

func TestOrchestratorToolRoundTrip(t *testing.T) {
	f := newFixture(t, func(n int, req core.LLMRequest) (core.LLMResponse, error) {
		if n == 1 {
			return core.LLMResponse{ToolCalls: []core.ToolCall{
				{ID: "call-1", Name: "fs.read", Arguments: map[string]any{"path": "/a.txt"}},
			}}, nil
		}
		last := req.Messages[len(req.Messages)-1]
		return core.LLMResponse{Text: fmt.Sprintf("file says: %v", last.ToolResults[0].Content)}, nil
	}, echoServer(), nil)

	res, err := f.orch.Run(context.Background(), "read /a.txt")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Text != "file says: contents of /a.txt" {
		t.Fatalf("text = %q", res.Text)
	}
	if res.Iterations != 2 || res.ToolCalls != 1 {
		t.Fatalf("iterations, tool calls = %d, %d, want 2, 1", res.Iterations, res.ToolCalls)
	}

	second := f.model.request(1)
	if len(second.Messages) != 3 {
		t.Fatalf("second request has %d messages, want user, assistant, tool", len(second.Messages))
	}
	assistant, toolTurn := second.Messages[1], second.Messages[2]
	if assistant.Role != core.RoleAssistant || len(assistant.ToolCalls) != 1 {
		t.Fatalf("assistant turn = %+v", assistant)
	}
	if toolTurn.Role != core.RoleTool || toolTurn.ToolResults[0].CallID != "call-1" || toolTurn.ToolResults[0].IsError {
		t.Fatalf("tool turn = %+v", toolTurn)
	}
	if f.servers.touched["fs"] != 1 {
		t.Fatalf("fs touched %d times, want 1", f.servers.touched["fs"])
	}
	if f.events.count(bus.EventToolCall) != 1 || f.events.count(bus.EventToolResult) != 1 {
		t.Fatalf("events = %v", f.events.kinds())
	}
}

func TestOrchestratorPreservesCallOrder(t *testing.T) {
	delays := []int{60, 5, 30, 1}
	f := newFixture(t, func(n int, req core.LLMRequest) (core.LLMResponse, error) {
		if n == 1 {
			calls := make([]core.ToolCall, len(delays))
			for i, ms := range delays {
				calls[i] = core.ToolCall{ID: fmt.Sprintf("c%d", i), Name: "fs.sleep", Arguments: map[string]any{"ms": ms}}
			}
			return core.LLMResponse{ToolCalls: calls}, nil
		}
		return core.LLMResponse{Text: "done"}, nil
	}, echoServer(), func(cfg *OrchestratorConfig) { cfg.MaxConcurrency = len(delays) })

	if _, err := f.orch.Run(context.Background(), "sleep"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	results := f.model.request(1).Messages[2].ToolResults
	if len(results) != len(delays) {
		t.Fatalf("got %d results, want %d", len(results), len(delays))
	}
	for i, r := range results {
		if r.CallID != fmt.Sprintf("c%d", i) {
			t.Fatalf("results[%d].CallID = %s, want c%d", i, r.CallID, i)
		}
		if fmt.Sprint(r.Content) != fmt.Sprint(delays[i]) {
			t.Fatalf("results[%d].Content = %v, want %d", i, r.Content, delays[i])
		}
	}
}

func TestOrchestratorConcurrencyLimits(t *testing.T) {
	for _, tc := range []struct {
		name       string
		sequential bool
		limit      int
		want       int64
	}{
		{name: "bounded", limit: 2, want: 2},
		{name: "sequential", sequential: true, limit: 8, want: 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var inFlight, peak atomic.Int64
			caller := callerFunc(func(_ context.Context, req rpc.Message) (rpc.Message, error) {
				n := inFlight.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				inFlight.Add(-1)
				return resultReply(req, "ok"), nil
			})
			f := newFixture(t, func(n int, _ core.LLMRequest) (core.LLMResponse, error) {
				if n == 1 {
					return core.LLMResponse{ToolCalls: toolCalls("fs.read", "fs.read", "fs.read", "fs.read", "fs.read")}, nil
				}
				return core.LLMResponse{Text: "done"}, nil
			}, caller, func(cfg *OrchestratorConfig) {
				cfg.Sequential = tc.sequential
				cfg.MaxConcurrency = tc.limit
			})

			if _, err := f.orch.Run(context.Background(), "go"); err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if got := peak.Load(); got > tc.want {
				t.Fatalf("peak in-flight calls = %d, want at most %d", got, tc.want)
			}
		})
	}
}

func TestOrchestratorPublishesEventsInSeqOrder(t *testing.T) {
	const batch = 32
	caller := callerFunc(func(_ context.Context, req rpc.Message) (rpc.Message, error) {
		return resultReply(req, "ok"), nil
	})
	names := make([]string, batch)
	for i := range names {
		names[i] = "fs.read"
	}

	for range 10 {
		f := newFixture(t, func(n int, _ core.LLMRequest) (core.LLMResponse, error) {
			if n == 1 {
				return core.LLMResponse{ToolCalls: toolCalls(names...)}, nil
			}
			return core.LLMResponse{Text: "done"}, nil
		}, caller, func(cfg *OrchestratorConfig) { cfg.MaxConcurrency = batch })

		if _, err := f.orch.Run(context.Background(), "read everything"); err != nil {
			t.Fatalf("Run() error = %v", err)
		}

		f.events.mu.Lock()
		events := append([]bus.Event(nil), f.events.events...)
		f.events.mu.Unlock()
		if want := 2*batch + 4; len(events) != want {
			t.Fatalf("published %d events, want %d", len(events), want)
		}
		for i, e := range events {
			if e.Seq != uint64(i+1) {
				t.Fatalf("events[%d] (%s) seq = %d, want %d", i, e.Kind, e.Seq, i+1)
			}
		}
	}
}

func TestOrchestratorLoopLimit(t *testing.T) {
	var executed atomic.Int64
	caller := callerFunc(func(_ context.Context, req rpc.Message) (rpc.Message, error) {
		executed.Add(1)
		return resultReply(req, "again"), nil
	})
	f := newFixture(t, func(int, core.LLMRequest) (core.LLMResponse, error) {
		return core.LLMResponse{ToolCalls: toolCalls("fs.read")}, nil
	}, caller, func(cfg *OrchestratorConfig) { cfg.MaxIterations = 3 })

	res, err := f.orch.Run(context.Background(), "loop forever")
	var limit *core.LoopLimitExceededError
	if !errors.As(err, &limit) || limit.Limit != 3 {
		t.Fatalf("Run() error = %v, want LoopLimitExceededError(3)", err)
	}
	if got := f.model.calls(); got != 3 {
		t.Fatalf("model asked %d times, want exactly 3", got)
	}
	if got := executed.Load(); got != 3 {
		t.Fatalf("tools executed %d times, want exactly 3", got)
	}
	if res.Iterations != 3 || res.ToolCalls != 3 {
		t.Fatalf("result = %+v", res)
	}
	kinds := f.events.kinds()
	if kinds[len(kinds)-1] != bus.EventSessionFailed {
		t.Fatalf("last event = %s, want session.failed", kinds[len(kinds)-1])
	}
}

func TestOrchestratorToolFailuresAreFedBack(t *testing.T) {
	f := newFixture(t, func(n int, _ core.LLMRequest) (core.LLMResponse, error) {
		if n == 1 {
			return core.LLMResponse{ToolCalls: []core.ToolCall{
				{ID: "unknown", Name: "fs.delete", Arguments: map[string]any{}},
				{ID: "invalid", Name: "fs.read", Arguments: map[string]any{"path": 42}},
				{ID: "missing", Name: "fs.read", Arguments: map[string]any{}},
				{ID: "ok", Name: "fs.read", Arguments: map[string]any{"path": "/b"}},
				{ID: "badjson", Name: "fs.read", Arguments: map[string]any{}, ArgumentsError: "arguments are not valid JSON: unexpected end of JSON input"},
			}}, nil
		}
		return core.LLMResponse{Text: "recovered"}, nil
	}, echoServer(), nil)

	res, err := f.orch.Run(context.Background(), "try things")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Text != "recovered" {
		t.Fatalf("text = %q", res.Text)
	}

	results := f.model.request(1).Messages[2].ToolResults
	wantKinds := []core.ErrorKind{core.KindUnknownTool, core.KindValidation, core.KindValidation, "", core.KindValidation}
	for i, want := range wantKinds {
		r := results[i]
		if want == "" {
			if r.IsError {
				t.Fatalf("results[%d] = %+v, want success", i, r)
			}
			continue
		}
		payload, _ := r.Content.(map[string]any)
		errObj, _ := payload["error"].(map[string]any)
		if !r.IsError || errObj["kind"] != string(want) {
			t.Fatalf("results[%d] = %+v, want error kind %s", i, r, want)
		}
	}
	badJSON, _ := results[4].Content.(map[string]any)["error"].(map[string]any)
	if msg, _ := badJSON["message"].(string); !strings.Contains(msg, "not valid JSON") {
		t.Fatalf("malformed arguments message = %q, want a JSON decode error", msg)
	}
}

func TestOrchestratorServerNotRunning(t *testing.T) {
	f := newFixture(t, func(n int, _ core.LLMRequest) (core.LLMResponse, error) {
		if n == 1 {
			return core.LLMResponse{ToolCalls: toolCalls("fs.read")}, nil
		}
		return core.LLMResponse{Text: "fs is down"}, nil
	}, nil, nil)

	if _, err := f.orch.Run(context.Background(), "read"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	r := f.model.request(1).Messages[2].ToolResults[0]
	payload, _ := r.Content.(map[string]any)
	errObj, _ := payload["error"].(map[string]any)
	if errObj["kind"] != string(core.KindNotRunning) || errObj["server"] != "fs" {
		t.Fatalf("result = %+v, want not_running for fs", r)
	}
	if f.servers.reports("fs") != 0 {
		t.Fatal("an unreachable server must not be reported again")
	}
}

func TestOrchestratorReportsTransportFailure(t *testing.T) {
	caller := callerFunc(func(context.Context, rpc.Message) (rpc.Message, error) {
		return rpc.Message{}, &rpc.TransportError{Op: "write", Err: errors.New("broken pipe")}
	})
	f := newFixture(t, func(n int, _ core.LLMRequest) (core.LLMResponse, error) {
		if n == 1 {
			return core.LLMResponse{ToolCalls: toolCalls("fs.read")}, nil
		}
		return core.LLMResponse{Text: "ok"}, nil
	}, caller, nil)

	if _, err := f.orch.Run(context.Background(), "read"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if f.servers.reports("fs") != 1 {
		t.Fatalf("ReportFailure called %d times, want 1", f.servers.reports("fs"))
	}
	r := f.model.request(1).Messages[2].ToolResults[0]
	if !r.IsError {
		t.Fatalf("result = %+v, want error", r)
	}
	if len(f.observer.calls) != 1 || f.observer.calls[0].ErrorKind != core.KindNotRunning {
		t.Fatalf("tool observations = %+v", f.observer.calls)
	}
}

func TestOrchestratorModelFailure(t *testing.T) {
	f := newFixture(t, func(int, core.LLMRequest) (core.LLMResponse, error) {
		return core.LLMResponse{}, errModelDown
	}, echoServer(), nil)

	_, err := f.orch.Run(context.Background(), "hello")
	var transport *core.SessionTransportError
	if !errors.As(err, &transport) || !errors.Is(err, errModelDown) {
		t.Fatalf("Run() error = %v, want SessionTransportError wrapping the model error", err)
	}
	if f.observer.sessions[0].ErrorKind != core.KindSessionTransport {
		t.Fatalf("session observation = %+v", f.observer.sessions[0])
	}
}

func TestOrchestratorCancelDuringTools(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var once sync.Once
	caller := callerFunc(func(ctx context.Context, _ rpc.Message) (rpc.Message, error) {
		once.Do(cancel)
		<-ctx.Done()
		return rpc.Message{}, ctx.Err()
	})
	f := newFixture(t, func(int, core.LLMRequest) (core.LLMResponse, error) {
		return core.LLMResponse{ToolCalls: toolCalls("fs.read", "fs.read")}, nil
	}, caller, nil)

	done := make(chan error, 1)
	go func() {
		_, err := f.orch.Run(ctx, "read")
		done <- err
	}()

	select {
	case err := <-done:
		var canceled *core.SessionCanceledError
		if !errors.As(err, &canceled) {
			t.Fatalf("Run() error = %v, want SessionCanceledError", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancellation")
	}
	if got := f.model.calls(); got != 1 {
		t.Fatalf("model asked %d times after cancel, want 1", got)
	}
}

func TestOrchestratorAssignsMissingCallIDs(t *testing.T) {
	f := newFixture(t, func(n int, _ core.LLMRequest) (core.LLMResponse, error) {
		if n == 1 {
			return core.LLMResponse{ToolCalls: toolCalls("fs.read", "fs.read")}, nil
		}
		return core.LLMResponse{Text: "ok"}, nil
	}, echoServer(), nil)

	if _, err := f.orch.Run(context.Background(), "read"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	msgs := f.model.request(1).Messages
	calls, results := msgs[1].ToolCalls, msgs[2].ToolResults
	if calls[0].ID == "" || calls[0].ID == calls[1].ID {
		t.Fatalf("call ids = %q, %q, want distinct generated ids", calls[0].ID, calls[1].ID)
	}
	for i := range calls {
		if results[i].CallID != calls[i].ID {
			t.Fatalf("results[%d].CallID = %q, want %q", i, results[i].CallID, calls[i].ID)
		}
		if !strings.HasPrefix(calls[i].ID, "call_") {
			t.Fatalf("generated id %q lacks call_ prefix", calls[i].ID)
		}
	}
}

func TestOrchestratorSessionOptions(t *testing.T) {
	f := newFixture(t, func(int, core.LLMRequest) (core.LLMResponse, error) {
		return core.LLMResponse{Text: "ok"}, nil
	}, echoServer(), nil)

	res, err := f.orch.RunSession(context.Background(), SessionRequest{ID: "fixed", Prompt: "hi", System: "Be brief."})
	if err != nil {
		t.Fatalf("RunSession() error = %v", err)
	}
	if res.SessionID != "fixed" {
		t.Fatalf("session id = %q, want fixed", res.SessionID)
	}
	if f.model.request(0).System != "Be brief." {
		t.Fatalf("system = %q, want override", f.model.request(0).System)
	}
	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	for i, e := range f.events.events {
		if e.SessionID != "fixed" || e.Seq != uint64(i+1) {
			t.Fatalf("event %d = %s seq %d, want session fixed seq %d", i, e.SessionID, e.Seq, i+1)
		}
	}
}

func TestNewOrchestratorRequiresCollaborators(t *testing.T) {
	if _, err := NewOrchestrator(OrchestratorConfig{}); err == nil {
		t.Fatal("NewOrchestrator() with no model should fail")
	}
}
