package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorKind classifies bridge errors.
type ErrorKind string

const (
	KindUnknownTool      ErrorKind = "unknown_tool"
	KindDuplicateTool    ErrorKind = "duplicate_tool"
	KindValidation       ErrorKind = "validation"
	KindNotRunning       ErrorKind = "not_running"
	KindProtocol         ErrorKind = "protocol"
	KindToolExecution    ErrorKind = "tool_execution"
	KindTimeout          ErrorKind = "timeout"
	KindLoopLimit        ErrorKind = "loop_limit_exceeded"
	KindSessionTransport ErrorKind = "session_transport"
	KindSessionCanceled  ErrorKind = "session_canceled"
	KindInternal         ErrorKind = "internal"
)

// SessionFatal reports whether errors of this kind end a session instead of
// being fed back to the model as a tool result.
func (k ErrorKind) SessionFatal() bool {
	switch k {
	case KindLoopLimit, KindSessionTransport, KindSessionCanceled:
		return true
	default:
		return false
	}
}

// KindedError is implemented by every error in the taxonomy.
type KindedError interface {
	error
	Kind() ErrorKind
}

// KindOf returns the kind of the first taxonomy error in err's chain, or
// KindInternal if there is none.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var kinded KindedError
	if errors.As(err, &kinded) {
		return kinded.Kind()
	}
	return KindInternal
}

// ErrorPayload renders err as the structured error object handed back to the
// model and to API clients.
func ErrorPayload(err error) map[string]any {
	if err == nil {
		return nil
	}
	payload := map[string]any{
		"kind":    string(KindOf(err)),
		"message": err.Error(),
	}
	var (
		unknown    *UnknownToolError
		validation *ValidationError
		notRunning *NotRunningError
		exec       *ToolExecutionError
		timeout    *TimeoutError
	)
	switch {
	case errors.As(err, &unknown):
		payload["tool"] = unknown.Name
	case errors.As(err, &validation):
		payload["tool"] = validation.Tool
		violations := make([]map[string]any, 0, len(validation.Violations))
		for _, v := range validation.Violations {
			violations = append(violations, map[string]any{
				"field":   v.Field,
				"code":    v.Code,
				"message": v.Message,
			})
		}
		payload["violations"] = violations
	case errors.As(err, &notRunning):
		payload["server"] = notRunning.Server
		if notRunning.State != "" {
			payload["state"] = notRunning.State
		}
	case errors.As(err, &exec):
		payload["tool"] = exec.Tool
		payload["code"] = exec.Code
		if len(exec.Data) > 0 {
			var data any
			if json.Unmarshal(exec.Data, &data) == nil {
				payload["data"] = data
			}
		}
	case errors.As(err, &timeout):
		payload["after_ms"] = timeout.After.Milliseconds()
	}
	return payload
}

// UnknownToolError is returned when a tool name is not registered.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string   { return fmt.Sprintf("unknown tool %q", e.Name) }
func (e *UnknownToolError) Kind() ErrorKind { return KindUnknownTool }

// DuplicateToolError is returned when a tool name is registered twice.
type DuplicateToolError struct {
	Name string
}

func (e *DuplicateToolError) Error() string   { return fmt.Sprintf("tool %q already registered", e.Name) }
func (e *DuplicateToolError) Kind() ErrorKind { return KindDuplicateTool }

// Violation is one field-level validation finding.
type Violation struct {
	Field   string
	Code    string
	Message string
}

// ValidationError carries every violation found for one tool call or schema.
type ValidationError struct {
	Tool       string
	Violations []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		if v.Field != "" {
			parts = append(parts, v.Field+": "+v.Message)
			continue
		}
		parts = append(parts, v.Message)
	}
	return fmt.Sprintf("invalid arguments for %q: %s", e.Tool, strings.Join(parts, "; "))
}

func (e *ValidationError) Kind() ErrorKind { return KindValidation }

// NotRunningError is returned when a server cannot take calls.
type NotRunningError struct {
	Server string
	State  string
	Cause  error
}

func (e *NotRunningError) Error() string {
	msg := fmt.Sprintf("server %q is not running", e.Server)
	if e.State != "" {
		msg += " (state " + e.State + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *NotRunningError) Kind() ErrorKind { return KindNotRunning }
func (e *NotRunningError) Unwrap() error   { return e.Cause }

// ProtocolError reports a malformed or mismatched RPC exchange.
type ProtocolError struct {
	Server string
	Reason string
	Cause  error
}

func (e *ProtocolError) Error() string {
	msg := "protocol error"
	if e.Server != "" {
		msg += " from " + e.Server
	}
	msg += ": " + e.Reason
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ProtocolError) Kind() ErrorKind { return KindProtocol }
func (e *ProtocolError) Unwrap() error   { return e.Cause }

// ToolExecutionError is a fault reported by the tool server itself.
type ToolExecutionError struct {
	Tool    string
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %q failed (code %d): %s", e.Tool, e.Code, e.Message)
}

func (e *ToolExecutionError) Kind() ErrorKind { return KindToolExecution }

// TimeoutError is returned when a bounded operation exceeds its deadline.
type TimeoutError struct {
	Op     string // "call", "start", "probe"
	Target string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s timed out after %s", e.Op, e.Target, e.After)
}

func (e *TimeoutError) Kind() ErrorKind { return KindTimeout }
func (e *TimeoutError) Timeout() bool   { return true }

// LoopLimitExceededError ends a session whose model kept requesting tools.
type LoopLimitExceededError struct {
	Limit int
}

func (e *LoopLimitExceededError) Error() string {
	return fmt.Sprintf("model still requesting tools after %d iterations", e.Limit)
}

func (e *LoopLimitExceededError) Kind() ErrorKind { return KindLoopLimit }

// SessionTransportError wraps a failure to reach the model.
type SessionTransportError struct {
	Err error
}

func (e *SessionTransportError) Error() string   { return "model transport: " + errString(e.Err) }
func (e *SessionTransportError) Kind() ErrorKind { return KindSessionTransport }
func (e *SessionTransportError) Unwrap() error   { return e.Err }

// SessionCanceledError is returned when a session's context ends early.
type SessionCanceledError struct {
	Err error
}

func (e *SessionCanceledError) Error() string   { return "session canceled: " + errString(e.Err) }
func (e *SessionCanceledError) Kind() ErrorKind { return KindSessionCanceled }
func (e *SessionCanceledError) Unwrap() error   { return e.Err }

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
