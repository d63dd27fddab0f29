package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/kilnhq/kiln"
)

// roundTrip sends one JSON-RPC line through a fresh Serve pass and decodes
// the response.
func roundTrip(t *testing.T, srv *Server, out *bytes.Buffer, msg string) response {
	t.Helper()
	out.Reset()
	srv.reader = strings.NewReader(msg + "\n")
	if err := srv.Serve(context.Background()); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	var resp response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v (raw: %s)", err, out.String())
	}
	return resp
}

func newTestServer() (*Server, *bytes.Buffer) {
	var out bytes.Buffer
	srv := New("kiln-test", "0.0.0", WithIO(strings.NewReader(""), &out))
	return srv, &out
}

func TestInitializeHandshake(t *testing.T) {
	srv, out := newTestServer()
	srv.AddTool(ToolHandler{
		Definition: ToolDefinition{Name: "exec", Description: "run code"},
		Execute:    func(context.Context, json.RawMessage) ToolCallResult { return TextResult("ok") },
	})
	srv.AddResource(Resource{
		URI: "kiln://docs/usage", Name: "usage", MimeType: "text/markdown",
		Read: func() string { return "# Usage" },
	})

	resp := roundTrip(t, srv, out,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1.0"}}}`)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	raw, _ := json.Marshal(resp.Result)
	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatal(err)
	}
	if result.ProtocolVersion != protocolVersion {
		t.Errorf("protocolVersion = %q", result.ProtocolVersion)
	}
	if result.ServerInfo.Name != "kiln-test" {
		t.Errorf("serverInfo.name = %q", result.ServerInfo.Name)
	}
	if result.Capabilities.Tools == nil || result.Capabilities.Resources == nil {
		t.Errorf("capabilities = %+v", result.Capabilities)
	}
}

func TestInitializeEmptyCapabilities(t *testing.T) {
	srv, out := newTestServer()
	resp := roundTrip(t, srv, out,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1.0"}}}`)

	raw, _ := json.Marshal(resp.Result)
	var result initializeResult
	json.Unmarshal(raw, &result)
	if result.Capabilities.Tools != nil || result.Capabilities.Resources != nil {
		t.Errorf("capabilities should be empty: %+v", result.Capabilities)
	}
}

func TestPing(t *testing.T) {
	srv, out := newTestServer()
	resp := roundTrip(t, srv, out, `{"jsonrpc":"2.0","id":42,"method":"ping"}`)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	if string(resp.ID) != "42" {
		t.Errorf("id = %s", resp.ID)
	}
}

func TestToolsListAndCall(t *testing.T) {
	srv, out := newTestServer()
	srv.AddTool(ToolHandler{
		Definition: ToolDefinition{
			Name:        "search",
			Description: "Search the project knowledge",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"query": map[string]any{"type": "string"}},
				"required":   []string{"query"},
			},
		},
		Execute: func(_ context.Context, args json.RawMessage) ToolCallResult {
			var params struct {
				Query string `json:"query"`
			}
			json.Unmarshal(args, &params)
			return TextResult("found: " + params.Query)
		},
	})

	resp := roundTrip(t, srv, out, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	raw, _ := json.Marshal(resp.Result)
	var list toolsListResult
	json.Unmarshal(raw, &list)
	if len(list.Tools) != 1 || list.Tools[0].Name != "search" {
		t.Fatalf("tools = %+v", list.Tools)
	}

	resp = roundTrip(t, srv, out,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"search","arguments":{"query":"goroutines"}}}`)
	raw, _ = json.Marshal(resp.Result)
	var result ToolCallResult
	json.Unmarshal(raw, &result)
	if result.IsError || result.Content[0].Text != "found: goroutines" {
		t.Errorf("result = %+v", result)
	}
}

func TestToolsCallUnknown(t *testing.T) {
	srv, out := newTestServer()
	resp := roundTrip(t, srv, out,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"nope","arguments":{}}}`)

	raw, _ := json.Marshal(resp.Result)
	var result ToolCallResult
	json.Unmarshal(raw, &result)
	if !result.IsError {
		t.Error("expected isError for unknown tool")
	}
}

func TestErrorResultEnvelope(t *testing.T) {
	res := ErrorResult(kiln.E(kiln.KindNotFound, "no document abc123"))
	if !res.IsError {
		t.Fatal("expected isError")
	}
	var envelope struct {
		ErrorKind string `json:"error_kind"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal([]byte(res.Content[0].Text), &envelope); err != nil {
		t.Fatalf("envelope not json: %v (%q)", err, res.Content[0].Text)
	}
	if envelope.ErrorKind != "not_found" || envelope.Message != "no document abc123" {
		t.Errorf("envelope = %+v", envelope)
	}

	// Plain errors classify as internal.
	res = ErrorResult(errors.New("boom"))
	json.Unmarshal([]byte(res.Content[0].Text), &envelope)
	if envelope.ErrorKind != "internal" {
		t.Errorf("kind = %q", envelope.ErrorKind)
	}
}

func TestJSONResult(t *testing.T) {
	res := JSONResult(map[string]int{"documents": 3})
	if res.IsError {
		t.Fatal("unexpected isError")
	}
	if !strings.Contains(res.Content[0].Text, `"documents": 3`) {
		t.Errorf("text = %q", res.Content[0].Text)
	}
}

func TestResourcesListAndRead(t *testing.T) {
	srv, out := newTestServer()
	srv.AddResource(Resource{
		URI: "kiln://docs/tools", Name: "Tool reference",
		Description: "Tool surface reference", MimeType: "text/markdown",
		Read: func() string { return "# Tools\nexec runs code" },
	})

	resp := roundTrip(t, srv, out, `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`)
	raw, _ := json.Marshal(resp.Result)
	var list resourcesListResult
	json.Unmarshal(raw, &list)
	if len(list.Resources) != 1 || list.Resources[0].URI != "kiln://docs/tools" {
		t.Fatalf("resources = %+v", list.Resources)
	}

	resp = roundTrip(t, srv, out,
		`{"jsonrpc":"2.0","id":2,"method":"resources/read","params":{"uri":"kiln://docs/tools"}}`)
	raw, _ = json.Marshal(resp.Result)
	var read resourceReadResult
	json.Unmarshal(raw, &read)
	if len(read.Contents) != 1 || !strings.Contains(read.Contents[0].Text, "exec runs code") {
		t.Errorf("contents = %+v", read.Contents)
	}
}

func TestResourcesReadNotFound(t *testing.T) {
	srv, out := newTestServer()
	resp := roundTrip(t, srv, out,
		`{"jsonrpc":"2.0","id":1,"method":"resources/read","params":{"uri":"kiln://nope"}}`)
	if resp.Error == nil || resp.Error.Code != errCodeInvalidParams {
		t.Errorf("error = %+v", resp.Error)
	}
}

func TestUnknownMethod(t *testing.T) {
	srv, out := newTestServer()
	resp := roundTrip(t, srv, out, `{"jsonrpc":"2.0","id":1,"method":"bogus/method"}`)
	if resp.Error == nil || resp.Error.Code != errCodeMethodNotFound {
		t.Errorf("error = %+v", resp.Error)
	}
}

func TestNotificationProducesNoResponse(t *testing.T) {
	srv, out := newTestServer()
	srv.reader = strings.NewReader(`{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n")
	if err := srv.Serve(context.Background()); err != nil {
		t.Fatal(err)
	}
	if out.Len() != 0 {
		t.Errorf("unexpected output: %s", out.String())
	}
}

func TestBatchRequest(t *testing.T) {
	srv, out := newTestServer()
	srv.reader = strings.NewReader(`[{"jsonrpc":"2.0","id":1,"method":"ping"},{"jsonrpc":"2.0","id":2,"method":"ping"}]` + "\n")
	if err := srv.Serve(context.Background()); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d response lines", len(lines))
	}
	for i, line := range lines {
		var resp response
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			t.Fatalf("line %d: %v", i, err)
		}
		if resp.Error != nil {
			t.Errorf("line %d: error %+v", i, resp.Error)
		}
	}
}

func TestParseError(t *testing.T) {
	srv, out := newTestServer()
	srv.reader = strings.NewReader("not-json\n")
	srv.Serve(context.Background())

	var resp response
	json.Unmarshal(out.Bytes(), &resp)
	if resp.Error == nil || resp.Error.Code != errCodeParse {
		t.Errorf("error = %+v", resp.Error)
	}
}
