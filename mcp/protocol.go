// Package mcp implements a Model Context Protocol (MCP) server over stdio.
// It exposes the kiln tool surface and documentation resources via JSON-RPC
// 2.0 so agentic clients can discover and call them. Transport is
// newline-delimited JSON over stdin/stdout, MCP revision 2025-03-26.
package mcp

import (
	"encoding/json"

	"github.com/kilnhq/kiln"
)

// --- JSON-RPC 2.0 types ---

// request is an incoming JSON-RPC 2.0 request or notification.
// Notifications have a nil ID.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func (r *request) isNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// response is an outgoing JSON-RPC 2.0 response.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Standard JSON-RPC 2.0 error codes.
const (
	errCodeParse          = -32700
	errCodeMethodNotFound = -32601
	errCodeInvalidParams  = -32602
)

// --- MCP protocol types ---

// protocolVersion is the MCP revision this server implements.
const protocolVersion = "2025-03-26"

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    serverCapabilities `json:"capabilities"`
	ServerInfo      serverInfo         `json:"serverInfo"`
}

type serverCapabilities struct {
	Tools     *capability `json:"tools,omitempty"`
	Resources *capability `json:"resources,omitempty"`
}

type capability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// --- Tool types ---

// ToolDefinition describes a tool exposed via MCP.
type ToolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema any    `json:"inputSchema"`
}

type toolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolCallResult is the response payload for tools/call.
type ToolCallResult struct {
	Content []textContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

type textContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TextResult wraps plain text in a successful ToolCallResult.
func TextResult(text string) ToolCallResult {
	return ToolCallResult{
		Content: []textContent{{Type: "text", Text: text}},
	}
}

// JSONResult marshals v and wraps it in a successful ToolCallResult.
func JSONResult(v any) ToolCallResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return ErrorResult(kiln.Errorf(kiln.KindInternal, "marshal tool result: %w", err))
	}
	return TextResult(string(data))
}

// toolError is the structured error envelope tools return to the client.
type toolError struct {
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
}

// ErrorResult renders err as a structured error ToolCallResult. The kind
// comes from the error model so clients can branch on it.
func ErrorResult(err error) ToolCallResult {
	data, merr := json.Marshal(toolError{
		ErrorKind: string(kiln.KindOf(err)),
		Message:   kiln.Message(err),
	})
	if merr != nil {
		data = []byte(`{"error_kind":"internal","message":"unrenderable error"}`)
	}
	return ToolCallResult{
		Content: []textContent{{Type: "text", Text: string(data)}},
		IsError: true,
	}
}

// --- Resource types ---

type resourceDef struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

type resourcesListResult struct {
	Resources []resourceDef `json:"resources"`
}

type resourceReadParams struct {
	URI string `json:"uri"`
}

type resourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text"`
}

type resourceReadResult struct {
	Contents []resourceContent `json:"contents"`
}
