// Package fetchops exposes the fetch tool surface over MCP: single-URL
// fetch, directory loading, sitemap crawling, and topic research.
package fetchops

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/kilnhq/kiln"
	"github.com/kilnhq/kiln/fetch"
	"github.com/kilnhq/kiln/knowledge"
	"github.com/kilnhq/kiln/mcp"
	"github.com/kilnhq/kiln/research"
)

// Deps wires the fetch tools to the host.
type Deps struct {
	Fetcher        *fetch.Fetcher
	Orchestrator   *research.Orchestrator
	DefaultProject string
	Logger         *slog.Logger
}

// Handlers returns the fetch tool set.
func Handlers(d Deps) []mcp.ToolHandler {
	return []mcp.ToolHandler{
		fetchTool(d),
		loadDirTool(d),
		sitemapTool(d),
		researchTool(d),
	}
}

func (d Deps) project(project string) (string, error) {
	if project != "" {
		return knowledge.SanitizeSlug(project), nil
	}
	if d.DefaultProject == "" {
		return "", kiln.E(kiln.KindValidation, "no project given and no default project configured")
	}
	return d.DefaultProject, nil
}

func fetchTool(d Deps) mcp.ToolHandler {
	return mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "fetch",
			Description: "Fetch a URL as markdown, cache it, and index it into the project knowledge. Returns a summary, not the content.",
			InputSchema: schema(map[string]any{
				"url":     prop("string", "URL to fetch"),
				"force":   prop("boolean", "Bypass the freshness cache"),
				"project": prop("string", "Project slug"),
			}, "url"),
		},
		Execute: func(ctx context.Context, args json.RawMessage) mcp.ToolCallResult {
			var in struct {
				URL     string `json:"url"`
				Force   bool   `json:"force"`
				Project string `json:"project"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return badArgs(err)
			}
			project, err := d.project(in.Project)
			if err != nil {
				return mcp.ErrorResult(err)
			}
			res, err := d.Fetcher.Fetch(ctx, fetch.FetchRequest{
				URL: in.URL, Force: in.Force, Project: project,
			})
			if err != nil {
				return mcp.ErrorResult(err)
			}
			return mcp.JSONResult(res)
		},
	}
}

func loadDirTool(d Deps) mcp.ToolHandler {
	return mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "load_dir",
			Description: "Index local files matching a glob into the project knowledge.",
			InputSchema: schema(map[string]any{
				"glob":    prop("string", "File glob, e.g. docs/*.md"),
				"project": prop("string", "Project slug"),
			}, "glob"),
		},
		Execute: func(ctx context.Context, args json.RawMessage) mcp.ToolCallResult {
			var in struct {
				Glob    string `json:"glob"`
				Project string `json:"project"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return badArgs(err)
			}
			project, err := d.project(in.Project)
			if err != nil {
				return mcp.ErrorResult(err)
			}
			summary, err := d.Fetcher.LoadDir(ctx, in.Glob, project)
			if err != nil {
				return mcp.ErrorResult(err)
			}
			return mcp.JSONResult(summary)
		},
	}
}

func sitemapTool(d Deps) mcp.ToolHandler {
	return mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "fetch_sitemap",
			Description: "Fetch every page of a sitemap (capped) into the project knowledge.",
			InputSchema: schema(map[string]any{
				"url":     prop("string", "Sitemap URL"),
				"project": prop("string", "Project slug"),
			}, "url"),
		},
		Execute: func(ctx context.Context, args json.RawMessage) mcp.ToolCallResult {
			var in struct {
				URL     string `json:"url"`
				Project string `json:"project"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return badArgs(err)
			}
			project, err := d.project(in.Project)
			if err != nil {
				return mcp.ErrorResult(err)
			}
			summary, err := d.Fetcher.FetchSitemap(ctx, in.URL, project)
			if err != nil {
				return mcp.ErrorResult(err)
			}
			return mcp.JSONResult(summary)
		},
	}
}

func researchTool(d Deps) mcp.ToolHandler {
	return mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "research",
			Description: "Resolve a topic into documentation sources, fetch them, and index everything. Returns an aggregate report.",
			InputSchema: schema(map[string]any{
				"topic":   prop("string", "Topic to research, e.g. a library name"),
				"project": prop("string", "Project slug"),
				"seeds": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Additional source URLs",
				},
			}, "topic"),
		},
		Execute: func(ctx context.Context, args json.RawMessage) mcp.ToolCallResult {
			var in struct {
				Topic   string   `json:"topic"`
				Project string   `json:"project"`
				Seeds   []string `json:"seeds"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return badArgs(err)
			}
			project, err := d.project(in.Project)
			if err != nil {
				return mcp.ErrorResult(err)
			}
			report, err := d.Orchestrator.Research(ctx, in.Topic, project, in.Seeds)
			if err != nil {
				return mcp.ErrorResult(err)
			}
			return mcp.JSONResult(report)
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
