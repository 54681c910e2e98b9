// Package llmprovider adapts iris LLM providers, Ollama first among them, to
// the bridge's core.LLMClient interface.
package llmprovider

import (
	"context"
	"encoding/json"
	"fmt"

	iriscore "github.com/petal-labs/iris/core"

	"github.com/petal-labs/petalbridge/core"
)

// irisAdapter wraps an iris Provider to implement core.LLMClient.
type irisAdapter struct {
	provider      iriscore.Provider
	textToolCalls bool
}

func newAdapter(provider iriscore.Provider, opts ...Option) *irisAdapter {
	a := &irisAdapter{provider: provider, textToolCalls: true}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Complete sends a synchronous completion request via the iris provider.
func (a *irisAdapter) Complete(ctx context.Context, req core.LLMRequest) (core.LLMResponse, error) {
	chatResp, err := a.provider.Chat(ctx, a.toRequest(req))
	if err != nil {
		return core.LLMResponse{}, fmt.Errorf("provider chat failed: %w", err)
	}
	return a.fromResponse(chatResp, req), nil
}

// toRequest converts a core.LLMRequest to an iris ChatRequest. The tool
// catalog travels in the system message.
func (a *irisAdapter) toRequest(req core.LLMRequest) *iriscore.ChatRequest {
	messages := make([]iriscore.Message, 0, len(req.Messages)+1)

	if system := RenderSystem(req.System, req.Tools); system != "" {
		messages = append(messages, iriscore.Message{
			Role:    iriscore.RoleSystem,
			Content: system,
		})
	}

	for _, m := range req.Messages {
		msg := iriscore.Message{
			Role:    toIrisRole(m.Role),
			Content: m.Content,
		}

		if len(m.ToolCalls) > 0 {
			msg.ToolCalls = make([]iriscore.ToolCall, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				args, _ := json.Marshal(tc.Arguments)
				msg.ToolCalls[i] = iriscore.ToolCall{
					ID:        tc.ID,
					Name:      tc.Name,
					Arguments: args,
				}
			}
		}

		if len(m.ToolResults) > 0 {
			msg.ToolResults = make([]iriscore.ToolResult, len(m.ToolResults))
			for i, tr := range m.ToolResults {
				msg.ToolResults[i] = iriscore.ToolResult{
					CallID:  tr.CallID,
					Content: tr.Content,
					IsError: tr.IsError,
				}
			}
			if msg.Content == "" {
				msg.Content = RenderToolResults(m.ToolResults)
			}
		}

		messages = append(messages, msg)
	}

	chatReq := &iriscore.ChatRequest{
		Model:    iriscore.ModelID(req.Model),
		Messages: messages,
	}
	if req.Temperature != nil {
		temp := float32(*req.Temperature)
		chatReq.Temperature = &temp
	}
	if req.MaxTokens != nil {
		chatReq.MaxTokens = req.MaxTokens
	}
	return chatReq
}

// fromResponse converts an iris ChatResponse to a core.LLMResponse. Native
// tool calls win; otherwise the text is searched for a JSON tool call naming
// a tool from the request's catalog.
func (a *irisAdapter) fromResponse(resp *iriscore.ChatResponse, req core.LLMRequest) core.LLMResponse {
	result := core.LLMResponse{
		Text:     resp.Output,
		Provider: a.provider.ID(),
		Model:    string(resp.Model),
		Status:   resp.Status,
		Usage: core.LLMTokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}

	if len(resp.ToolCalls) > 0 {
		result.ToolCalls = make([]core.ToolCall, len(resp.ToolCalls))
		for i, tc := range resp.ToolCalls {
			call := core.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: make(map[string]any)}
			if len(tc.Arguments) > 0 {
				if err := json.Unmarshal(tc.Arguments, &call.Arguments); err != nil {
					call.Arguments = make(map[string]any)
					call.ArgumentsError = fmt.Sprintf("arguments are not valid JSON: %v", err)
				}
			}
			result.ToolCalls[i] = call
		}
		return result
	}

	if a.textToolCalls && len(req.Tools) > 0 {
		known := make(map[string]bool, len(req.Tools))
		for _, spec := range req.Tools {
			known[spec.Name] = true
		}
		if calls, rest := ParseTextToolCalls(resp.Output, known); len(calls) > 0 {
			result.ToolCalls = calls
			result.Text = rest
		}
	}
	return result
}

// toIrisRole converts a string role to an iris Role constant.
func toIrisRole(role string) iriscore.Role {
	switch role {
	case core.RoleSystem:
		return iriscore.RoleSystem
	case core.RoleUser:
		return iriscore.RoleUser
	case core.RoleAssistant:
		return iriscore.RoleAssistant
	case core.RoleTool:
		return iriscore.RoleTool
	default:
		return iriscore.RoleUser
	}
}

// Compile-time interface check.
var _ core.LLMClient = (*irisAdapter)(nil)
