// Package knowledgeops exposes the knowledge tool surface over MCP:
// search, ask, timeline, ingest, status, and clear.
package knowledgeops

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/kilnhq/kiln"
	"github.com/kilnhq/kiln/knowledge"
	"github.com/kilnhq/kiln/mcp"
)

// Deps wires the knowledge tools to the host.
type Deps struct {
	Stores *knowledge.Registry
	// DefaultProject is the working-directory project id; tools fall back
	// to it when no project argument is given.
	DefaultProject string
	Logger         *slog.Logger
}

// Handlers returns the knowledge tool set.
func Handlers(d Deps) []mcp.ToolHandler {
	return []mcp.ToolHandler{
		searchTool(d),
		askTool(d),
		timelineTool(d),
		ingestTool(d),
		statusTool(d),
		clearTool(d),
	}
}

// store resolves the target project's Store.
func (d Deps) store(project string) (*knowledge.Store, error) {
	id := d.DefaultProject
	if project != "" {
		id = knowledge.SanitizeSlug(project)
	}
	if id == "" {
		return nil, kiln.E(kiln.KindValidation, "no project given and no default project configured")
	}
	return d.Stores.Get(id)
}

func searchTool(d Deps) mcp.ToolHandler {
	return mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "search",
			Description: "Search the project knowledge index. Returns ranked excerpts, never full documents.",
			InputSchema: schema(map[string]any{
				"query":   prop("string", "Search query"),
				"top_k":   prop("integer", "Result count (default 10)"),
				"mode":    prop("string", "lexical, vector, or hybrid (default)"),
				"project": prop("string", "Project slug (default: working directory project)"),
				"thread":  prop("string", "Restrict to one thread"),
				"label":   prop("string", "Restrict to one label"),
			}, "query"),
		},
		Execute: func(ctx context.Context, args json.RawMessage) mcp.ToolCallResult {
			var in struct {
				Query   string `json:"query"`
				TopK    int    `json:"top_k"`
				Mode    string `json:"mode"`
				Project string `json:"project"`
				Thread  string `json:"thread"`
				Label   string `json:"label"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return badArgs(err)
			}
			s, err := d.store(in.Project)
			if err != nil {
				return mcp.ErrorResult(err)
			}
			hits, err := s.Search(ctx, knowledge.SearchRequest{
				Query: in.Query, TopK: in.TopK, Mode: in.Mode,
				Thread: in.Thread, Label: in.Label,
			})
			if err != nil {
				return mcp.ErrorResult(err)
			}
			return mcp.JSONResult(map[string]any{"hits": hits})
		},
	}
}

func askTool(d Deps) mcp.ToolHandler {
	return mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "ask",
			Description: "Answer a question from the project knowledge: cited context by default, synthesized answer on request.",
			InputSchema: schema(map[string]any{
				"question":     prop("string", "The question"),
				"context_only": prop("boolean", "Return raw cited chunks (default true)"),
				"project":      prop("string", "Project slug"),
				"thread":       prop("string", "Restrict to one thread"),
			}, "question"),
		},
		Execute: func(ctx context.Context, args json.RawMessage) mcp.ToolCallResult {
			var in struct {
				Question    string `json:"question"`
				ContextOnly *bool  `json:"context_only"`
				Project     string `json:"project"`
				Thread      string `json:"thread"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return badArgs(err)
			}
			s, err := d.store(in.Project)
			if err != nil {
				return mcp.ErrorResult(err)
			}
			res, err := s.Ask(ctx, knowledge.AskRequest{
				Question: in.Question, ContextOnly: in.ContextOnly, Thread: in.Thread,
			})
			if err != nil {
				return mcp.ErrorResult(err)
			}
			return mcp.JSONResult(res)
		},
	}
}

func timelineTool(d Deps) mcp.ToolHandler {
	return mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "timeline",
			Description: "List ingested documents in time order, optionally bounded.",
			InputSchema: schema(map[string]any{
				"since":   prop("string", "Lower bound, any common date format"),
				"until":   prop("string", "Upper bound"),
				"project": prop("string", "Project slug"),
			}),
		},
		Execute: func(ctx context.Context, args json.RawMessage) mcp.ToolCallResult {
			var in struct {
				Since   string `json:"since"`
				Until   string `json:"until"`
				Project string `json:"project"`
			}
			if len(args) > 0 {
				if err := json.Unmarshal(args, &in); err != nil {
					return badArgs(err)
				}
			}
			s, err := d.store(in.Project)
			if err != nil {
				return mcp.ErrorResult(err)
			}
			entries, err := s.Timeline(ctx, in.Since, in.Until)
			if err != nil {
				return mcp.ErrorResult(err)
			}
			return mcp.JSONResult(map[string]any{"entries": entries})
		},
	}
}

func ingestTool(d Deps) mcp.ToolHandler {
	return mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "ingest",
			Description: "Index a document into the project knowledge.",
			InputSchema: schema(map[string]any{
				"title":   prop("string", "Document title"),
				"label":   prop("string", "Grouping label (default \"notes\")"),
				"text":    prop("string", "Document content"),
				"thread":  prop("string", "Optional thread"),
				"project": prop("string", "Project slug"),
			}, "title", "text"),
		},
		Execute: func(ctx context.Context, args json.RawMessage) mcp.ToolCallResult {
			var in struct {
				Title   string `json:"title"`
				Label   string `json:"label"`
				Text    string `json:"text"`
				Thread  string `json:"thread"`
				Project string `json:"project"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return badArgs(err)
			}
			s, err := d.store(in.Project)
			if err != nil {
				return mcp.ErrorResult(err)
			}
			res, err := s.Ingest(ctx, knowledge.IngestRequest{
				Title: in.Title, Label: in.Label, Text: in.Text, Thread: in.Thread,
			})
			if err != nil {
				return mcp.ErrorResult(err)
			}
			return mcp.JSONResult(res)
		},
	}
}

func statusTool(d Deps) mcp.ToolHandler {
	return mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "knowledge_status",
			Description: "Report index size and composition for a project.",
			InputSchema: schema(map[string]any{
				"project": prop("string", "Project slug"),
			}),
		},
		Execute: func(ctx context.Context, args json.RawMessage) mcp.ToolCallResult {
			var in struct {
				Project string `json:"project"`
			}
			if len(args) > 0 {
				if err := json.Unmarshal(args, &in); err != nil {
					return badArgs(err)
				}
			}
			s, err := d.store(in.Project)
			if err != nil {
				return mcp.ErrorResult(err)
			}
			status, err := s.Status(ctx)
			if err != nil {
				return mcp.ErrorResult(err)
			}
			return mcp.JSONResult(status)
		},
	}
}

func clearTool(d Deps) mcp.ToolHandler {
	return mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "knowledge_clear",
			Description: "Destroy a project's knowledge index. Idempotent.",
			InputSchema: schema(map[string]any{
				"project": prop("string", "Project slug"),
			}),
		},
		Execute: func(ctx context.Context, args json.RawMessage) mcp.ToolCallResult {
			var in struct {
				Project string `json:"project"`
			}
			if len(args) > 0 {
				if err := json.Unmarshal(args, &in); err != nil {
					return badArgs(err)
				}
			}
			id := d.DefaultProject
			if in.Project != "" {
				id = knowledge.SanitizeSlug(in.Project)
			}
			if id == "" {
				return mcp.ErrorResult(kiln.E(kiln.KindValidation, "no project given and no default project configured"))
			}
			if err := d.Stores.Clear(ctx, id); err != nil {
				return mcp.ErrorResult(err)
			}
			return mcp.TextResult("knowledge cleared for " + id)
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
