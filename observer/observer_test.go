package observer

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/kilnhq/kiln"
	"github.com/kilnhq/kiln/mcp"
)

// testInstruments builds Instruments against the global OTEL providers,
// which are no-ops by default; delegation behavior is testable without a
// backend.
func testInstruments(t *testing.T) *Instruments {
	t.Helper()
	inst, err := newInstruments()
	if err != nil {
		t.Fatalf("newInstruments: %v", err)
	}
	return inst
}

func TestDisabledObserver(t *testing.T) {
	o := Disabled()
	if o.Inst == nil || o.Inst.ToolCalls == nil || o.Inst.LedgerTokens == nil {
		t.Fatal("disabled observer must still carry instruments")
	}
	if err := o.Shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestWrapToolDelegates(t *testing.T) {
	inst := testInstruments(t)
	var gotArgs json.RawMessage
	h := mcp.ToolHandler{
		Definition: mcp.ToolDefinition{Name: "search", Description: "search"},
		Execute: func(_ context.Context, args json.RawMessage) mcp.ToolCallResult {
			gotArgs = args
			return mcp.TextResult("hits")
		},
	}

	wrapped := WrapTool(h, inst)
	if wrapped.Definition.Name != "search" {
		t.Errorf("definition = %+v", wrapped.Definition)
	}
	result := wrapped.Execute(context.Background(), json.RawMessage(`{"query":"q"}`))
	if result.IsError {
		t.Error("unexpected isError")
	}
	if string(gotArgs) != `{"query":"q"}` {
		t.Errorf("args = %s", gotArgs)
	}
}

func TestWrapToolErrorStatus(t *testing.T) {
	inst := testInstruments(t)
	h := mcp.ToolHandler{
		Definition: mcp.ToolDefinition{Name: "exec"},
		Execute: func(context.Context, json.RawMessage) mcp.ToolCallResult {
			return mcp.ErrorResult(kiln.E(kiln.KindTimeout, "too slow"))
		},
	}

	result := WrapTool(h, inst).Execute(context.Background(), nil)
	if !result.IsError {
		t.Error("wrapped handler must preserve isError")
	}
}
