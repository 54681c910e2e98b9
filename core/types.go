// Package core provides the foundational types and interfaces shared by the
// petalbridge packages.
//
// This package contains:
//   - Configuration values: ServerDescriptor, ModelEndpoint
//   - Tool call plumbing: ToolCall, ToolResult, ToolSpec
//   - The LLMClient interface and its request/response types
//   - The error taxonomy (see errors.go)
package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// TransportKind identifies how the bridge reaches a tool server.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio" // newline-delimited JSON over the child's stdin/stdout
	TransportTCP   TransportKind = "tcp"   // newline-delimited JSON over a TCP socket
	TransportUnix  TransportKind = "unix"  // newline-delimited JSON over a unix socket
)

// Dialect identifies the RPC conventions a tool server speaks.
type Dialect string

const (
	// DialectJSONRPC maps a tool call to a JSON-RPC method named after the tool.
	DialectJSONRPC Dialect = "jsonrpc"
	// DialectMCP wraps tool calls in Model Context Protocol tools/call requests.
	DialectMCP Dialect = "mcp"
)

// DefaultProbeMethod is the RPC method used for readiness and health probes.
const DefaultProbeMethod = "ping"

// ServerDescriptor describes how to launch and reach one external tool server.
// Descriptors are loaded from configuration and never mutated afterwards.
type ServerDescriptor struct {
	Name        string
	Command     string
	Args        []string
	Env         map[string]string
	SandboxRoot string // optional; becomes the child's working directory
	Transport   TransportKind
	Address     string // host:port or socket path for socket transports
	Dialect     Dialect
	ProbeMethod string
	Discover    bool // ask the server for its tool list once it is running
}

// TransportOrDefault returns the configured transport, defaulting to stdio.
func (d ServerDescriptor) TransportOrDefault() TransportKind {
	if d.Transport == "" {
		return TransportStdio
	}
	return d.Transport
}

// DialectOrDefault returns the configured dialect, defaulting to plain JSON-RPC.
func (d ServerDescriptor) DialectOrDefault() Dialect {
	if d.Dialect == "" {
		return DialectJSONRPC
	}
	return d.Dialect
}

// ProbeMethodOrDefault returns the handshake/probe method for the server.
func (d ServerDescriptor) ProbeMethodOrDefault() string {
	if strings.TrimSpace(d.ProbeMethod) == "" {
		return DefaultProbeMethod
	}
	return d.ProbeMethod
}

// Validate reports descriptor problems that would prevent a launch.
func (d ServerDescriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("server descriptor: name is required")
	}
	if strings.Contains(d.Name, ".") {
		return fmt.Errorf("server descriptor %q: name must not contain '.'", d.Name)
	}
	if strings.TrimSpace(d.Command) == "" {
		return fmt.Errorf("server descriptor %q: command is required", d.Name)
	}
	switch d.TransportOrDefault() {
	case TransportStdio:
	case TransportTCP, TransportUnix:
		if strings.TrimSpace(d.Address) == "" {
			return fmt.Errorf("server descriptor %q: address is required for %s transport", d.Name, d.Transport)
		}
	default:
		return fmt.Errorf("server descriptor %q: unknown transport %q", d.Name, d.Transport)
	}
	switch d.DialectOrDefault() {
	case DialectJSONRPC, DialectMCP:
	default:
		return fmt.Errorf("server descriptor %q: unknown dialect %q", d.Name, d.Dialect)
	}
	return nil
}

// Clone returns a deep copy of the descriptor.
func (d ServerDescriptor) Clone() ServerDescriptor {
	out := d
	out.Args = append([]string(nil), d.Args...)
	if d.Env != nil {
		out.Env = make(map[string]string, len(d.Env))
		for k, v := range d.Env {
			out.Env[k] = v
		}
	}
	return out
}

// EnvList flattens Env into sorted KEY=VALUE pairs.
func (d ServerDescriptor) EnvList() []string {
	if len(d.Env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(d.Env))
	for k := range d.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+d.Env[k])
	}
	return out
}

// ModelEndpoint identifies the language model the bridge talks to.
type ModelEndpoint struct {
	Provider string // "ollama" unless configured otherwise
	BaseURL  string
	Model    string
	APIKey   string
}

// =============================================================================
// Tool calls
// =============================================================================

// ToolCall is a model's request to invoke a tool.
type ToolCall struct {
	ID        string
	Name      string // "<server>.<method>"
	Arguments map[string]any
	// ArgumentsError is set when the model's raw arguments could not be
	// decoded; Arguments is then empty and the call is rejected.
	ArgumentsError string
}

// ToolResult is the outcome of one ToolCall, fed back to the model.
type ToolResult struct {
	CallID  string // matches ToolCall.ID
	Name    string
	Content any // result value, or an error payload when IsError is set
	IsError bool
}

// ToolSpec describes a tool to the model. Parameters is a JSON Schema object.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// =============================================================================
// LLM Client Interface
// =============================================================================

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// LLMClient abstracts a single provider/model backend.
// Implementations adapt various LLM providers to this common interface.
type LLMClient interface {
	Complete(ctx context.Context, req LLMRequest) (LLMResponse, error)
}

// LLMRequest is the request structure for LLM completion.
// It is transport-agnostic and works across different providers.
type LLMRequest struct {
	Model       string       // model identifier (e.g., "llama3.1")
	System      string       // system prompt
	Messages    []LLMMessage // conversation messages
	Tools       []ToolSpec   // tools the model may call
	Temperature *float64     // optional: sampling temperature
	MaxTokens   *int         // optional: maximum output tokens
}

// LLMMessage is a chat message.
type LLMMessage struct {
	Role        string       // "system", "user", "assistant", "tool"
	Content     string       // message content
	ToolCalls   []ToolCall   // for assistant messages with pending tool calls
	ToolResults []ToolResult // for tool result messages (Role="tool")
}

// LLMResponse captures the output from an LLM call.
type LLMResponse struct {
	Text      string        // raw text output
	Usage     LLMTokenUsage // token consumption
	Provider  string        // provider ID that handled the request
	Model     string        // model that generated the response
	ToolCalls []ToolCall    // tool calls requested by the model
	Status    string        // response status (optional)
}

// LLMTokenUsage tracks token consumption for LLM calls.
type LLMTokenUsage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Add combines two usage values.
func (u LLMTokenUsage) Add(other LLMTokenUsage) LLMTokenUsage {
	return LLMTokenUsage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		TotalTokens:  u.TotalTokens + other.TotalTokens,
	}
}
