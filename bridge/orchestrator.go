package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/petalbridge/bus"
	"github.com/petal-labs/petalbridge/core"
	"github.com/petal-labs/petalbridge/process"
	"github.com/petal-labs/petalbridge/rpc"
	"github.com/petal-labs/petalbridge/tool"
)

// Defaults for OrchestratorConfig.
const (
	DefaultMaxIterations  = 8
	DefaultMaxConcurrency = 4
)

// Servers is the part of the process manager the orchestrator depends on.
type Servers interface {
	AddressOf(name string) (process.Endpoint, error)
	ReportFailure(name string, err error)
	Touch(name string)
}

// OrchestratorConfig configures an Orchestrator.
type OrchestratorConfig struct {
	Model       core.LLMClient
	ModelName   string
	System      string
	Temperature *float64
	MaxTokens   *int

	Registry   *tool.Registry
	Servers    Servers
	Translator *Translator

	// MaxIterations is the number of model replies that may request tools
	// before the session fails with *core.LoopLimitExceededError (default 8).
	MaxIterations int

	// MaxConcurrency bounds parallel tool calls within one step (default 4).
	MaxConcurrency int

	// Sequential executes the calls of a step one at a time, in order.
	Sequential bool

	Logger   *slog.Logger
	Observer Observer
	Emit     bus.Emitter
	Now      func() time.Time
}

// Orchestrator runs bridge sessions. It is safe for concurrent use; each Run
// is an independent session.
type Orchestrator struct {
	cfg    OrchestratorConfig
	logger *slog.Logger
}

// NewOrchestrator validates cfg and fills defaults.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	switch {
	case cfg.Model == nil:
		return nil, errors.New("bridge: model client is required")
	case cfg.Registry == nil:
		return nil, errors.New("bridge: tool registry is required")
	case cfg.Servers == nil:
		return nil, errors.New("bridge: server manager is required")
	}
	if cfg.Translator == nil {
		cfg.Translator = NewTranslator(TranslatorConfig{})
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = noopObserver{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{cfg: cfg, logger: cfg.Logger}, nil
}

// SessionRequest starts one session.
type SessionRequest struct {
	// ID names the session; a uuid is generated when empty.
	ID     string
	Prompt string
	// System overrides the configured system instructions when set.
	System string
}

// Result is the outcome of a session. On failure it still carries the
// session id and whatever transcript was built.
type Result struct {
	SessionID  string             `json:"session_id"`
	Text       string             `json:"text"`
	Iterations int                `json:"iterations"`
	ToolCalls  int                `json:"tool_calls"`
	Usage      core.LLMTokenUsage `json:"usage"`
	Messages   []core.LLMMessage  `json:"-"`
}

// Run sends prompt to the model and drives the tool loop to completion.
func (o *Orchestrator) Run(ctx context.Context, prompt string) (Result, error) {
	return o.RunSession(ctx, SessionRequest{Prompt: prompt})
}

// RunSession drives one session. Tool-level failures are fed back to the
// model as error results; only *core.SessionTransportError,
// *core.SessionCanceledError and *core.LoopLimitExceededError end it early.
func (o *Orchestrator) RunSession(ctx context.Context, req SessionRequest) (Result, error) {
	s := &session{
		o:       o,
		id:      req.ID,
		started: o.cfg.Now(),
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	system := o.cfg.System
	if req.System != "" {
		system = req.System
	}
	s.logger = o.logger.With("session_id", s.id)

	s.emit(bus.NewEvent(bus.EventSessionStarted, s.id).WithPayload("prompt", req.Prompt))
	res, err := s.loop(ctx, system, req.Prompt)
	s.finish(res, err)
	return res, err
}

type session struct {
	o       *Orchestrator
	id      string
	started time.Time
	logger  *slog.Logger

	// emitMu orders publication by seq across concurrent tool calls.
	emitMu sync.Mutex
	seq    uint64
}

func (s *session) emit(e bus.Event) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.seq++
	e.Seq = s.seq
	e.Time = s.o.cfg.Now()
	s.o.cfg.Emit.Emit(e)
}

func (s *session) loop(ctx context.Context, system, prompt string) (Result, error) {
	cfg := s.o.cfg
	res := Result{SessionID: s.id}
	res.Messages = []core.LLMMessage{{Role: core.RoleUser, Content: prompt}}

	for iteration := 1; iteration <= cfg.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return res, &core.SessionCanceledError{Err: err}
		}

		resp, err := cfg.Model.Complete(ctx, core.LLMRequest{
			Model:       cfg.ModelName,
			System:      system,
			Messages:    res.Messages,
			Tools:       cfg.Registry.Catalog(),
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		})
		res.Iterations = iteration
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, &core.SessionCanceledError{Err: ctxErr}
			}
			return res, &core.SessionTransportError{Err: err}
		}
		res.Usage = res.Usage.Add(resp.Usage)

		calls := assignCallIDs(resp.ToolCalls)
		reply := bus.NewEvent(bus.EventModelReply, s.id).
			WithPayload("text", resp.Text).
			WithPayload("tool_calls", len(calls))
		reply.Iteration = iteration
		s.emit(reply)

		if len(calls) == 0 {
			res.Text = resp.Text
			res.Messages = append(res.Messages, core.LLMMessage{Role: core.RoleAssistant, Content: resp.Text})
			return res, nil
		}

		res.Messages = append(res.Messages, core.LLMMessage{
			Role:      core.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: calls,
		})
		results := s.executeStep(ctx, iteration, calls)
		res.ToolCalls += len(calls)
		if err := ctx.Err(); err != nil {
			return res, &core.SessionCanceledError{Err: err}
		}
		res.Messages = append(res.Messages, core.LLMMessage{Role: core.RoleTool, ToolResults: results})
	}
	return res, &core.LoopLimitExceededError{Limit: cfg.MaxIterations}
}

func (s *session) finish(res Result, err error) {
	duration := s.o.cfg.Now().Sub(s.started)
	kind := core.KindOf(err)
	s.o.cfg.Observer.ObserveSession(SessionObservation{
		SessionID:  s.id,
		Started:    s.started,
		Duration:   duration,
		Iterations: res.Iterations,
		ToolCalls:  res.ToolCalls,
		ErrorKind:  kind,
	})

	if err != nil {
		e := bus.NewEvent(bus.EventSessionFailed, s.id).WithPayload("error", core.ErrorPayload(err))
		e.Iteration = res.Iterations
		e.Elapsed = duration
		s.emit(e)
		s.logger.Warn("session failed", "iterations", res.Iterations, "tool_calls", res.ToolCalls, "error", err)
		return
	}
	e := bus.NewEvent(bus.EventSessionFinished, s.id).WithPayload("text", res.Text)
	e.Iteration = res.Iterations
	e.Elapsed = duration
	s.emit(e)
	s.logger.Info("session finished", "iterations", res.Iterations, "tool_calls", res.ToolCalls, "duration", duration)
}

// executeStep runs every call of one model reply and returns the results in
// call order. It returns only after each call has completed or failed.
func (s *session) executeStep(ctx context.Context, iteration int, calls []core.ToolCall) []core.ToolResult {
	results := make([]core.ToolResult, len(calls))
	if s.o.cfg.Sequential || len(calls) == 1 {
		for i, call := range calls {
			results[i] = s.executeCall(ctx, iteration, call)
		}
		return results
	}

	sem := make(chan struct{}, s.o.cfg.MaxConcurrency)
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[i] = errorResult(call, &core.SessionCanceledError{Err: ctx.Err()})
				return
			}
			results[i] = s.executeCall(ctx, iteration, call)
		}()
	}
	wg.Wait()
	return results
}

// executeCall resolves, validates, addresses and executes one call. Every
// failure becomes an error-shaped result.
func (s *session) executeCall(ctx context.Context, iteration int, call core.ToolCall) core.ToolResult {
	cfg := s.o.cfg
	started := cfg.Now()

	event := bus.NewEvent(bus.EventToolCall, s.id).
		WithTool(call.Name, call.ID).
		WithPayload("arguments", call.Arguments)
	event.Iteration = iteration
	s.emit(event)

	server, dispatched := "", false
	content, err := func() (any, error) {
		schema, err := cfg.Registry.Resolve(call.Name)
		if err != nil {
			return nil, err
		}
		server = schema.Server
		if err := tool.ValidateCall(schema, call); err != nil {
			return nil, err
		}
		ep, err := cfg.Servers.AddressOf(schema.Server)
		if err != nil {
			return nil, err
		}
		dispatched = true
		return cfg.Translator.Execute(ctx, ep, call)
	}()

	switch {
	case err == nil:
		cfg.Servers.Touch(server)
	case dispatched && rpc.IsTransportFailure(err):
		cfg.Servers.ReportFailure(server, err)
	}

	duration := cfg.Now().Sub(started)
	cfg.Observer.ObserveToolCall(ToolCallObservation{
		SessionID: s.id,
		CallID:    call.ID,
		Tool:      call.Name,
		Server:    server,
		Started:   started,
		Duration:  duration,
		ErrorKind: core.KindOf(err),
	})

	result := bus.NewEvent(bus.EventToolResult, s.id).WithTool(call.Name, call.ID)
	result.Iteration = iteration
	result.Elapsed = duration
	if err != nil {
		s.logger.Debug("tool call failed", "tool", call.Name, "call_id", call.ID, "error", err)
		s.emit(result.WithPayload("error", core.ErrorPayload(err)))
		return errorResult(call, err)
	}
	s.logger.Debug("tool call finished", "tool", call.Name, "call_id", call.ID, "duration", duration)
	s.emit(result.WithPayload("result", content))
	return core.ToolResult{CallID: call.ID, Name: call.Name, Content: content}
}

func errorResult(call core.ToolCall, err error) core.ToolResult {
	return core.ToolResult{
		CallID:  call.ID,
		Name:    call.Name,
		Content: map[string]any{"error": core.ErrorPayload(err)},
		IsError: true,
	}
}

// assignCallIDs copies calls, giving every call without an id a fresh one.
func assignCallIDs(calls []core.ToolCall) []core.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]core.ToolCall, len(calls))
	for i, call := range calls {
		if call.ID == "" {
			call.ID = fmt.Sprintf("call_%s", uuid.NewString())
		}
		out[i] = call
	}
	return out
}
