package app

import (
	"context"
	"encoding/json"

	"github.com/kilnhq/kiln"
	"github.com/kilnhq/kiln/callback"
	"github.com/kilnhq/kiln/fetch"
	"github.com/kilnhq/kiln/knowledge"
	"github.com/kilnhq/kiln/tools/kernelops"
)

// registerCallbackTools wires the sandbox-callable whitelist. Every handler
// is idempotent from the kernel's point of view; nothing here can reach
// exec, reset, or the sub-agent loop.
func (a *App) registerCallbackTools(defaultProject string) {
	register := func(name string, fn callback.ToolFunc) {
		if err := a.callback.Register(name, fn); err != nil {
			// Only a whitelist mismatch can fail here; that is a bug.
			panic(err)
		}
	}

	register("search_knowledge", func(ctx context.Context, input json.RawMessage) (any, error) {
		var in struct {
			Query string `json:"query"`
			TopK  int    `json:"top_k"`
		}
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, kiln.Errorf(kiln.KindValidation, "invalid input: %w", err)
		}
		s, err := a.stores.Get(defaultProject)
		if err != nil {
			return nil, err
		}
		return s.Search(ctx, knowledge.SearchRequest{Query: in.Query, TopK: in.TopK})
	})

	register("ask_knowledge", func(ctx context.Context, input json.RawMessage) (any, error) {
		var in struct {
			Question string `json:"question"`
		}
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, kiln.Errorf(kiln.KindValidation, "invalid input: %w", err)
		}
		s, err := a.stores.Get(defaultProject)
		if err != nil {
			return nil, err
		}
		return s.Ask(ctx, knowledge.AskRequest{Question: in.Question})
	})

	register("fetch_url", func(ctx context.Context, input json.RawMessage) (any, error) {
		var in struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, kiln.Errorf(kiln.KindValidation, "invalid input: %w", err)
		}
		return a.fetcher.Fetch(ctx, fetch.FetchRequest{URL: in.URL, Project: defaultProject})
	})

	// load_file returns the content; the kernel-side helper binds it to the
	// variable. Same credential denylist as the load tool.
	register("load_file", func(ctx context.Context, input json.RawMessage) (any, error) {
		var in struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, kiln.Errorf(kiln.KindValidation, "invalid input: %w", err)
		}
		return kernelops.ReadChecked(in.Path)
	})

	register("apple_search", func(ctx context.Context, input json.RawMessage) (any, error) {
		var in struct {
			Query     string `json:"query"`
			Framework string `json:"framework"`
		}
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, kiln.Errorf(kiln.KindValidation, "invalid input: %w", err)
		}
		return a.fetcher.AppleSearch(ctx, defaultProject, in.Query, in.Framework)
	})
}
