// Package rpc implements the JSON-RPC 2.0 wire side of the bridge: the
// message envelope, the bridge-wide request-id source, and a connection that
// multiplexes concurrent calls over one newline-delimited JSON stream.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the only JSON-RPC version the bridge speaks.
const Version = "2.0"

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Message is a JSON-RPC 2.0 envelope. Requests carry Method and Params;
// replies carry exactly one of Result or Error. Notifications have no ID.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      int64           `json:"id,omitempty"`
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewRequest builds a request envelope with params encoded as JSON.
func NewRequest(id int64, method string, params any) (Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return Message{}, fmt.Errorf("rpc: request %q: %w", method, err)
	}
	return Message{JSONRPC: Version, ID: id, Method: method, Params: raw}, nil
}

// CheckReply reports why msg is not a structurally valid reply envelope.
func (m Message) CheckReply() error {
	if m.JSONRPC != Version {
		return fmt.Errorf("unsupported jsonrpc version %q", m.JSONRPC)
	}
	if m.ID == 0 {
		return errors.New("reply has no id")
	}
	if m.Method != "" {
		return fmt.Errorf("reply carries method %q", m.Method)
	}
	hasResult := len(m.Result) > 0
	hasError := m.Error != nil
	switch {
	case hasResult && hasError:
		return errors.New("reply has both result and error")
	case !hasResult && !hasError:
		return errors.New("reply has neither result nor error")
	}
	return nil
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	return data, nil
}

// probeID extracts an id from an envelope that failed to decode as a
// Message, so the failure can still be attributed to a pending call.
func probeID(raw json.RawMessage) (int64, bool) {
	var probe struct {
		ID json.Number `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || probe.ID == "" {
		return 0, false
	}
	id, err := probe.ID.Int64()
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}
