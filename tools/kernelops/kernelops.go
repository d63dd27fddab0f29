// Package kernelops exposes the kernel tool surface over MCP: code
// execution, variable access, file loading, sub-agent runs, and usage
// accounting.
package kernelops

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/kilnhq/kiln"
	"github.com/kilnhq/kiln/callback"
	"github.com/kilnhq/kiln/kernel"
	"github.com/kilnhq/kiln/mcp"
	"github.com/kilnhq/kiln/subagent"
)

// MaxLoadBytes caps files loaded into the kernel.
const MaxLoadBytes = 20 << 20

// credentialDirs are home-relative directories the load tool refuses.
var credentialDirs = []string{
	".ssh",
	".aws",
	filepath.Join(".config", "gcloud"),
	".gnupg",
}

var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Deps wires the kernel tools to the host.
type Deps struct {
	Manager     *kernel.Manager
	Runner      *subagent.Runner
	Ledger      *callback.Ledger
	ExecTimeout time.Duration
	Logger      *slog.Logger
}

// Handlers returns the kernel tool set.
func Handlers(d Deps) []mcp.ToolHandler {
	if d.ExecTimeout <= 0 {
		d.ExecTimeout = kernel.DefaultExecTimeout
	}
	return []mcp.ToolHandler{
		execTool(d),
		loadTool(d),
		getTool(d),
		varsTool(d),
		resetTool(d),
		subAgentTool(d),
		usageTool(d),
	}
}

// CheckPath rejects paths under credential directories (~/.ssh, ~/.aws,
// ~/.config/gcloud, ~/.gnupg). Shared with the callback load_file handler.
func CheckPath(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return kiln.Errorf(kiln.KindValidation, "resolve path: %w", err)
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return nil
	}
	for _, dir := range credentialDirs {
		deny := filepath.Join(home, dir)
		if abs == deny || strings.HasPrefix(abs, deny+string(filepath.Separator)) {
			return kiln.E(kiln.KindBlocked, fmt.Sprintf("refusing to read credential directory %s", deny))
		}
	}
	return nil
}

// ReadChecked reads a file after the denylist check, capped at MaxLoadBytes.
func ReadChecked(path string) (string, error) {
	if err := CheckPath(path); err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", kiln.E(kiln.KindNotFound, fmt.Sprintf("no file at %s", path))
		}
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return "", kiln.E(kiln.KindValidation, fmt.Sprintf("%s is a directory", path))
	}
	if info.Size() > MaxLoadBytes {
		return "", kiln.E(kiln.KindValidation,
			fmt.Sprintf("%s is %d bytes, limit is %d", path, info.Size(), MaxLoadBytes))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

func execTool(d Deps) mcp.ToolHandler {
	return mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "exec",
			Description: "Execute python code in the stateful kernel. Variables persist across calls.",
			InputSchema: schema(map[string]any{
				"code":    prop("string", "Python source to execute"),
				"timeout": prop("integer", "Execution timeout in seconds"),
			}, "code"),
		},
		Execute: func(ctx context.Context, args json.RawMessage) mcp.ToolCallResult {
			var in struct {
				Code    string `json:"code"`
				Timeout int    `json:"timeout"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return badArgs(err)
			}
			timeout := d.ExecTimeout
			if in.Timeout > 0 {
				timeout = time.Duration(in.Timeout) * time.Second
			}
			res, err := d.Manager.Exec(ctx, in.Code, timeout)
			if err != nil {
				return mcp.ErrorResult(err)
			}
			return mcp.JSONResult(res)
		},
	}
}

func loadTool(d Deps) mcp.ToolHandler {
	return mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "load",
			Description: "Load a local file's content into a kernel variable.",
			InputSchema: schema(map[string]any{
				"path":     prop("string", "File path to read"),
				"var_name": prop("string", "Kernel variable to assign"),
			}, "path", "var_name"),
		},
		Execute: func(ctx context.Context, args json.RawMessage) mcp.ToolCallResult {
			var in struct {
				Path    string `json:"path"`
				VarName string `json:"var_name"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return badArgs(err)
			}
			if !identRe.MatchString(in.VarName) {
				return mcp.ErrorResult(kiln.E(kiln.KindValidation,
					fmt.Sprintf("var_name %q is not an identifier", in.VarName)))
			}
			content, err := ReadChecked(in.Path)
			if err != nil {
				return mcp.ErrorResult(err)
			}
			// A JSON string literal is also a valid python string literal.
			literal, merr := json.Marshal(content)
			if merr != nil {
				return mcp.ErrorResult(kiln.Errorf(kiln.KindInternal, "encode file content: %w", merr))
			}
			res, err := d.Manager.Exec(ctx, in.VarName+" = "+string(literal), d.ExecTimeout)
			if err != nil {
				return mcp.ErrorResult(err)
			}
			if res.Stderr != "" {
				return mcp.ErrorResult(kiln.E(kiln.KindKernelRuntime, res.Stderr))
			}
			return mcp.JSONResult(map[string]any{
				"var_name": in.VarName,
				"bytes":    len(content),
			})
		},
	}
}

func getTool(d Deps) mcp.ToolHandler {
	return mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "get",
			Description: "Read a kernel variable's value, or evaluate an expression against it.",
			InputSchema: schema(map[string]any{
				"name":  prop("string", "Variable name"),
				"query": prop("string", "Optional python expression to evaluate instead"),
			}, "name"),
		},
		Execute: func(ctx context.Context, args json.RawMessage) mcp.ToolCallResult {
			var in struct {
				Name  string `json:"name"`
				Query string `json:"query"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return badArgs(err)
			}
			if in.Query != "" {
				res, err := d.Manager.Exec(ctx, "print("+in.Query+")", d.ExecTimeout)
				if err != nil {
					return mcp.ErrorResult(err)
				}
				if res.Stderr != "" {
					return mcp.ErrorResult(kiln.E(kiln.KindKernelRuntime, res.Stderr))
				}
				return mcp.TextResult(strings.TrimSpace(res.Output))
			}
			if !identRe.MatchString(in.Name) {
				return mcp.ErrorResult(kiln.E(kiln.KindValidation,
					fmt.Sprintf("name %q is not an identifier", in.Name)))
			}
			c, err := d.Manager.Client(ctx)
			if err != nil {
				return mcp.ErrorResult(err)
			}
			raw, err := c.GetVar(ctx, in.Name)
			if err != nil {
				return mcp.ErrorResult(err)
			}
			return mcp.TextResult(string(raw))
		},
	}
}

func varsTool(d Deps) mcp.ToolHandler {
	return mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "vars",
			Description: "List the kernel's user-defined variables.",
			InputSchema: schema(map[string]any{}),
		},
		Execute: func(ctx context.Context, args json.RawMessage) mcp.ToolCallResult {
			c, err := d.Manager.Client(ctx)
			if err != nil {
				return mcp.ErrorResult(err)
			}
			vars, err := c.Vars(ctx)
			if err != nil {
				return mcp.ErrorResult(err)
			}
			return mcp.JSONResult(map[string]any{"vars": vars})
		},
	}
}

func resetTool(d Deps) mcp.ToolHandler {
	return mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "reset",
			Description: "Clear the kernel namespace.",
			InputSchema: schema(map[string]any{}),
		},
		Execute: func(ctx context.Context, args json.RawMessage) mcp.ToolCallResult {
			c, err := d.Manager.Client(ctx)
			if err != nil {
				return mcp.ErrorResult(err)
			}
			if err := c.Reset(ctx); err != nil {
				return mcp.ErrorResult(err)
			}
			return mcp.TextResult("kernel reset")
		},
	}
}

func subAgentTool(d Deps) mcp.ToolHandler {
	return mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "sub_agent",
			Description: "Run a bounded sub-agent loop against a named or inline signature.",
			InputSchema: schema(map[string]any{
				"signature":        prop("string", "Registry name or inline 'a, b -> c: str' form"),
				"inputs":           map[string]any{"type": "object", "description": "Signature input values"},
				"max_iterations":   prop("integer", "Loop iteration budget (default 20)"),
				"max_llm_calls":    prop("integer", "Model call budget (default 50)"),
				"max_output_chars": prop("integer", "Per-execution output truncation (default 10000)"),
			}, "signature", "inputs"),
		},
		Execute: func(ctx context.Context, args json.RawMessage) mcp.ToolCallResult {
			var in struct {
				Signature      string         `json:"signature"`
				Inputs         map[string]any `json:"inputs"`
				MaxIterations  int            `json:"max_iterations"`
				MaxLLMCalls    int            `json:"max_llm_calls"`
				MaxOutputChars int            `json:"max_output_chars"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return badArgs(err)
			}
			sig, err := subagent.Resolve(in.Signature)
			if err != nil {
				return mcp.ErrorResult(err)
			}
			res, err := d.Runner.Run(ctx, sig, in.Inputs, subagent.Limits{
				MaxIterations:  in.MaxIterations,
				MaxLLMCalls:    in.MaxLLMCalls,
				MaxOutputChars: in.MaxOutputChars,
			})
			if err != nil {
				// A tripped limit still carries the partial trajectory.
				if kiln.KindOf(err) == kiln.KindSandboxLimit {
					data, merr := json.MarshalIndent(map[string]any{
						"error_kind": string(kiln.KindSandboxLimit),
						"message":    kiln.Message(err),
						"result":     res,
					}, "", "  ")
					if merr == nil {
						out := mcp.TextResult(string(data))
						out.IsError = true
						return out
					}
				}
				return mcp.ErrorResult(err)
			}
			return mcp.JSONResult(res)
		},
	}
}

func usageTool(d Deps) mcp.ToolHandler {
	return mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "usage",
			Description: "Report cumulative model usage, optionally resetting the counters.",
			InputSchema: schema(map[string]any{
				"reset": prop("boolean", "Reset counters after reading"),
			}),
		},
		Execute: func(ctx context.Context, args json.RawMessage) mcp.ToolCallResult {
			var in struct {
				Reset bool `json:"reset"`
			}
			if len(args) > 0 {
				if err := json.Unmarshal(args, &in); err != nil {
					return badArgs(err)
				}
			}
			snap := d.Ledger.Snapshot()
			if in.Reset {
				d.Ledger.Reset()
			}
			return mcp.JSONResult(snap)
		},
	}
}

func badArgs(err error) mcp.ToolCallResult {
	return mcp.ErrorResult(kiln.Errorf(kiln.KindValidation, "invalid arguments: %w", err))
}

func schema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}
