package llmprovider

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/petal-labs/petalbridge/core"
)

// textCall is the shape a model writes when it asks for a tool in plain
// text. Both {"tool", "arguments"} and {"name", "parameters"} are accepted.
type textCall struct {
	ID         string         `json:"id,omitempty"`
	Tool       string         `json:"tool,omitempty"`
	Name       string         `json:"name,omitempty"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

func (c textCall) toolCall() core.ToolCall {
	name := c.Tool
	if name == "" {
		name = c.Name
	}
	args := c.Arguments
	if args == nil {
		args = c.Parameters
	}
	if args == nil {
		args = map[string]any{}
	}
	return core.ToolCall{ID: c.ID, Name: name, Arguments: args}
}

// ParseTextToolCalls extracts tool calls written as JSON in a model reply.
// The JSON may be the whole reply or sit inside a fenced code block. Only
// calls naming a tool in known are returned; if any call names an unknown
// tool the reply is treated as plain text. The second return value is the
// text left once the JSON is removed.
func ParseTextToolCalls(text string, known map[string]bool) ([]core.ToolCall, string) {
	candidate, rest, ok := extractJSON(text)
	if !ok {
		return nil, text
	}

	var calls []textCall
	switch candidate[0] {
	case '[':
		if err := json.Unmarshal(candidate, &calls); err != nil {
			return nil, text
		}
	case '{':
		var one textCall
		if err := json.Unmarshal(candidate, &one); err != nil {
			return nil, text
		}
		calls = []textCall{one}
	}
	if len(calls) == 0 {
		return nil, text
	}

	out := make([]core.ToolCall, 0, len(calls))
	for _, c := range calls {
		tc := c.toolCall()
		if !known[tc.Name] {
			return nil, text
		}
		out = append(out, tc)
	}
	return out, rest
}

// extractJSON finds the JSON payload in text: the first fenced block, or the
// trimmed text itself when it starts with '{' or '['.
func extractJSON(text string) ([]byte, string, bool) {
	trimmed := strings.TrimSpace(text)
	if start := strings.Index(trimmed, "```"); start >= 0 {
		body := trimmed[start+3:]
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			// Drop a language tag such as ```json.
			if tag := strings.TrimSpace(body[:nl]); !strings.ContainsAny(tag, "{[") {
				body = body[nl+1:]
			}
		}
		end := strings.Index(body, "```")
		if end < 0 {
			return nil, text, false
		}
		payload := bytes.TrimSpace([]byte(body[:end]))
		if len(payload) == 0 || (payload[0] != '{' && payload[0] != '[') {
			return nil, text, false
		}
		rest := strings.TrimSpace(trimmed[:start] + body[end+3:])
		return payload, rest, true
	}
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil, text, false
	}
	return []byte(trimmed), "", true
}
