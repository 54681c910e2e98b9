// Package bridge connects the model to the tool servers.
//
// The Translator turns a model tool call into a JSON-RPC request for the
// owning server and the server's reply back into a tool result. The
// Orchestrator drives a session: it asks the model, validates and dispatches
// the requested tool calls, and feeds the results back until the model
// answers in plain text or the iteration ceiling is reached. The Discoverer
// registers tools that servers announce through tools/list.
package bridge
