// Package research expands a topic into documentation sources and fetches
// them into project knowledge. Resolvers propose candidate URLs; the
// orchestrator fans out over them and aggregates what was indexed.
package research

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kilnhq/kiln"
	"github.com/kilnhq/kiln/fetch"
)

// Resolver proposes candidate documentation URLs for a topic.
type Resolver interface {
	Resolve(ctx context.Context, topic string) []string
}

// StaticResolver serves a fixed topic → URLs map, typically loaded from
// config. Lookup is case-insensitive on the topic.
type StaticResolver struct {
	entries map[string][]string
}

// NewStaticResolver builds a StaticResolver. The map may be nil or empty.
func NewStaticResolver(entries map[string][]string) *StaticResolver {
	normalized := make(map[string][]string, len(entries))
	for topic, urls := range entries {
		normalized[strings.ToLower(strings.TrimSpace(topic))] = urls
	}
	return &StaticResolver{entries: normalized}
}

func (r *StaticResolver) Resolve(_ context.Context, topic string) []string {
	return r.entries[strings.ToLower(strings.TrimSpace(topic))]
}

// PatternResolver guesses conventional documentation hosts for a topic:
// docs.T.com, T.dev, T.readthedocs.io, docs.T.io, each with sitemap.xml.
// Candidates that do not exist simply fail at fetch time.
type PatternResolver struct{}

func (PatternResolver) Resolve(_ context.Context, topic string) []string {
	slug := slugify(topic)
	if slug == "" {
		return nil
	}
	return []string{
		fmt.Sprintf("https://docs.%s.com/sitemap.xml", slug),
		fmt.Sprintf("https://%s.dev/sitemap.xml", slug),
		fmt.Sprintf("https://%s.readthedocs.io/sitemap.xml", slug),
		fmt.Sprintf("https://docs.%s.io/sitemap.xml", slug),
	}
}

func slugify(topic string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(topic)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			sb.WriteRune(r)
		case r == ' ' || r == '_':
			sb.WriteByte('-')
		}
	}
	return strings.Trim(sb.String(), "-")
}

// researchConcurrency bounds parallel source fetches.
const researchConcurrency = 4

// Report aggregates one research run. It never carries fetched content;
// results land in the knowledge index for later search.
type Report struct {
	Topic         string   `json:"topic"`
	Sources       []string `json:"sources"`
	Fetched       int      `json:"fetched"`
	Failed        int      `json:"failed"`
	IndexedChunks int      `json:"indexed_chunks"`
	Errors        []string `json:"errors,omitempty"`
}

// Orchestrator runs topic research through a resolver chain and a Fetcher.
type Orchestrator struct {
	resolvers []Resolver
	fetcher   *fetch.Fetcher
	logger    *slog.Logger
}

// NewOrchestrator creates an Orchestrator. With no resolvers, only
// caller-provided seeds are fetched.
func NewOrchestrator(fetcher *fetch.Fetcher, resolvers []Resolver, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.New(discardHandler{})
	}
	return &Orchestrator{resolvers: resolvers, fetcher: fetcher, logger: logger}
}

// Research resolves a topic into candidate URLs, merges caller seeds,
// dedupes, and fetches everything with bounded concurrency. Sitemap URLs
// expand into their pages; everything else fetches as a single document.
func (o *Orchestrator) Research(ctx context.Context, topic, project string, seeds []string) (Report, error) {
	if strings.TrimSpace(topic) == "" && len(seeds) == 0 {
		return Report{}, kiln.E(kiln.KindValidation, "topic or seeds required")
	}

	var candidates []string
	for _, r := range o.resolvers {
		candidates = append(candidates, r.Resolve(ctx, topic)...)
	}
	candidates = append(candidates, seeds...)

	seen := make(map[string]bool)
	var sources []string
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		sources = append(sources, c)
	}
	if len(sources) == 0 {
		return Report{}, kiln.E(kiln.KindNotFound, fmt.Sprintf("no sources resolved for topic %q", topic))
	}

	report := Report{Topic: topic, Sources: sources}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(researchConcurrency)
	for _, src := range sources {
		g.Go(func() error {
			fetched, chunks, err := o.fetchSource(gctx, src, project)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				if len(report.Errors) < 10 {
					report.Errors = append(report.Errors, fmt.Sprintf("%s: %s", src, kiln.Message(err)))
				}
				return nil
			}
			report.Fetched += fetched
			report.IndexedChunks += chunks
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	o.logger.Info("research complete", "topic", topic,
		"sources", len(sources), "fetched", report.Fetched, "failed", report.Failed)
	return report, nil
}

func (o *Orchestrator) fetchSource(ctx context.Context, src, project string) (fetched, chunks int, err error) {
	if strings.Contains(strings.ToLower(src), "sitemap") {
		sum, err := o.fetcher.FetchSitemap(ctx, src, project)
		if err != nil {
			return 0, 0, err
		}
		return sum.Fetched, sum.Chunks, nil
	}
	res, err := o.fetcher.Fetch(ctx, fetch.FetchRequest{URL: src, Project: project})
	if err != nil {
		return 0, 0, err
	}
	return 1, res.Chunks, nil
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }
