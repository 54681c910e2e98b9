package llmprovider

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/petal-labs/petalbridge/core"
)

const toolInstructions = `To call a tool, reply with only a JSON object of the form
{"tool": "<tool name>", "arguments": {...}}
or a JSON array of such objects to call several tools at once. Tool results
are returned in the next message. When you have the final answer, reply with
plain text.`

// RenderSystem combines the caller's system prompt with a description of the
// available tools. It returns the prompt unchanged when there are no tools.
func RenderSystem(system string, tools []core.ToolSpec) string {
	if len(tools) == 0 {
		return system
	}
	var b strings.Builder
	if s := strings.TrimSpace(system); s != "" {
		b.WriteString(s)
		b.WriteString("\n\n")
	}
	b.WriteString("You can use the following tools:\n")
	for _, spec := range tools {
		fmt.Fprintf(&b, "\n- %s", spec.Name)
		if spec.Description != "" {
			fmt.Fprintf(&b, ": %s", spec.Description)
		}
		if len(spec.Parameters) > 0 {
			params, err := json.Marshal(spec.Parameters)
			if err == nil {
				fmt.Fprintf(&b, "\n  parameters: %s", params)
			}
		}
	}
	b.WriteString("\n\n")
	b.WriteString(toolInstructions)
	return b.String()
}

// RenderToolResults formats tool results as text for models that only read
// message content.
func RenderToolResults(results []core.ToolResult) string {
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteByte('\n')
		}
		content, err := json.Marshal(r.Content)
		if err != nil {
			content = []byte(fmt.Sprintf("%q", fmt.Sprint(r.Content)))
		}
		label := "result"
		if r.IsError {
			label = "error"
		}
		name := r.Name
		if name == "" {
			name = r.CallID
		}
		fmt.Fprintf(&b, "%s %s (call %s): %s", name, label, r.CallID, content)
	}
	return b.String()
}
