package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/petal-labs/petalbridge/core"
	"github.com/petal-labs/petalbridge/process"
	"github.com/petal-labs/petalbridge/rpc"
	"github.com/petal-labs/petalbridge/tool"
)

// DefaultCallTimeout bounds one remote tool call.
const DefaultCallTimeout = 30 * time.Second

// TranslatorConfig configures a Translator.
type TranslatorConfig struct {
	// IDs is the bridge-wide request id source. Required when the process
	// manager shares the same connections.
	IDs *rpc.IDSource

	// CallTimeout bounds each remote call (default 30s).
	CallTimeout time.Duration
}

// Translator converts between model tool calls and JSON-RPC exchanges.
type Translator struct {
	ids         *rpc.IDSource
	callTimeout time.Duration
}

// NewTranslator creates a Translator.
func NewTranslator(cfg TranslatorConfig) *Translator {
	if cfg.IDs == nil {
		cfg.IDs = rpc.NewIDSource()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	return &Translator{ids: cfg.IDs, callTimeout: cfg.CallTimeout}
}

// CallTimeout returns the per-call deadline.
func (t *Translator) CallTimeout() time.Duration {
	return t.callTimeout
}

// Encode builds the request for call. The method is the part of the tool name
// after the first '.'; arguments are sent verbatim as named params.
func (t *Translator) Encode(dialect core.Dialect, call core.ToolCall) (rpc.Message, error) {
	_, method, ok := tool.SplitName(call.Name)
	if !ok {
		return rpc.Message{}, &core.UnknownToolError{Name: call.Name}
	}
	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	if dialect == core.DialectMCP {
		return rpc.NewRequest(t.ids.Next(), rpc.MethodToolsCall, rpc.ToolsCallParams{
			Name:      method,
			Arguments: args,
		})
	}
	return rpc.NewRequest(t.ids.Next(), method, args)
}

// Decode turns a reply into the tool's result value. Numbers are preserved
// as json.Number so integers survive the round trip unchanged.
func (t *Translator) Decode(server string, dialect core.Dialect, call core.ToolCall, reply rpc.Message) (any, error) {
	if err := reply.CheckReply(); err != nil {
		return nil, &core.ProtocolError{Server: server, Reason: "invalid reply", Cause: err}
	}
	if reply.Error != nil {
		return nil, &core.ToolExecutionError{
			Tool:    call.Name,
			Code:    reply.Error.Code,
			Message: reply.Error.Message,
			Data:    reply.Error.Data,
		}
	}
	if dialect == core.DialectMCP {
		return decodeMCPResult(server, call, reply.Result)
	}
	var value any
	if err := decodeNumbers(reply.Result, &value); err != nil {
		return nil, &core.ProtocolError{Server: server, Reason: "undecodable result", Cause: err}
	}
	return value, nil
}

// Execute sends call to the endpoint and waits for the translated result.
// A broken connection surfaces as *core.NotRunningError wrapping the
// transport failure so callers can report it to the process manager.
func (t *Translator) Execute(ctx context.Context, ep process.Endpoint, call core.ToolCall) (any, error) {
	if ep.Caller == nil {
		return nil, &core.NotRunningError{Server: ep.Server, Cause: errors.New("no connection")}
	}
	req, err := t.Encode(ep.Dialect, call)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, t.callTimeout)
	defer cancel()
	reply, err := ep.Caller.Call(callCtx, req)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return nil, &core.TimeoutError{Op: "call", Target: call.Name, After: t.callTimeout}
		case rpc.IsTransportFailure(err):
			return nil, &core.NotRunningError{Server: ep.Server, Cause: err}
		default:
			return nil, err
		}
	}
	return t.Decode(ep.Server, ep.Dialect, call, reply)
}

// decodeMCPResult unwraps a tools/call result: structured content wins, then
// the joined text blocks, then the raw content list.
func decodeMCPResult(server string, call core.ToolCall, raw json.RawMessage) (any, error) {
	var result rpc.ToolsCallResult
	if err := decodeNumbers(raw, &result); err != nil {
		return nil, &core.ProtocolError{Server: server, Reason: "undecodable tools/call result", Cause: err}
	}
	text := joinText(result.Content)
	if result.IsError {
		msg := text
		if msg == "" {
			msg = "tool reported an error"
		}
		return nil, &core.ToolExecutionError{Tool: call.Name, Message: msg, Data: raw}
	}

	switch {
	case result.StructuredContent != nil:
		return result.StructuredContent, nil
	case text != "":
		return text, nil
	default:
		blocks := make([]any, 0, len(result.Content))
		for _, block := range result.Content {
			blocks = append(blocks, map[string]any{
				"type":      block.Type,
				"data":      block.Data,
				"mime_type": block.MimeType,
			})
		}
		return blocks, nil
	}
}

func joinText(content []rpc.ContentBlock) string {
	parts := make([]string, 0, len(content))
	for _, block := range content {
		if block.Type == "text" && strings.TrimSpace(block.Text) != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func decodeNumbers(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}
