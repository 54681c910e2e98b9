package llmprovider

import (
	"testing"
)

func TestParseTextToolCalls(t *testing.T) {
	known := map[string]bool{"fs.read": true, "calc.add": true}

	tests := []struct {
		name      string
		text      string
		wantNames []string
		wantRest  string
	}{
		{
			name:      "bare object",
			text:      `{"tool": "fs.read", "arguments": {"path": "a"}}`,
			wantNames: []string{"fs.read"},
		},
		{
			name:      "name and parameters",
			text:      `{"name": "calc.add", "parameters": {"a": 1, "b": 2}}`,
			wantNames: []string{"calc.add"},
		},
		{
			name:      "array",
			text:      `[{"tool": "fs.read", "arguments": {}}, {"tool": "calc.add"}]`,
			wantNames: []string{"fs.read", "calc.add"},
		},
		{
			name:      "fenced with prose",
			text:      "Let me check.\n```json\n{\"tool\": \"fs.read\", \"arguments\": {\"path\": \"a\"}}\n```",
			wantNames: []string{"fs.read"},
			wantRest:  "Let me check.",
		},
		{
			name:     "unknown tool stays text",
			text:     `{"tool": "shell.exec", "arguments": {}}`,
			wantRest: `{"tool": "shell.exec", "arguments": {}}`,
		},
		{
			name:     "plain prose",
			text:     "The answer is 42.",
			wantRest: "The answer is 42.",
		},
		{
			name:     "malformed json",
			text:     `{"tool": "fs.read",`,
			wantRest: `{"tool": "fs.read",`,
		},
		{
			name:     "fence without json",
			text:     "```go\nfmt.Println()\n```",
			wantRest: "```go\nfmt.Println()\n```",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls, rest := ParseTextToolCalls(tt.text, known)
			if len(calls) != len(tt.wantNames) {
				t.Fatalf("got %d calls, want %d: %+v", len(calls), len(tt.wantNames), calls)
			}
			for i, name := range tt.wantNames {
				if calls[i].Name != name {
					t.Errorf("call[%d].Name = %q, want %q", i, calls[i].Name, name)
				}
				if calls[i].Arguments == nil {
					t.Errorf("call[%d].Arguments is nil", i)
				}
			}
			if rest != tt.wantRest {
				t.Errorf("rest = %q, want %q", rest, tt.wantRest)
			}
		})
	}
}

func TestParseTextToolCalls_Arguments(t *testing.T) {
	calls, _ := ParseTextToolCalls(`{"name": "calc.add", "parameters": {"a": 1}}`, map[string]bool{"calc.add": true})
	if len(calls) != 1 {
		t.Fatalf("got %d calls", len(calls))
	}
	if calls[0].Arguments["a"] != float64(1) {
		t.Errorf("a = %#v, want 1", calls[0].Arguments["a"])
	}
}
