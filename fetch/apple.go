package fetch

import (
	"context"
	"strings"

	"github.com/kilnhq/kiln"
	"github.com/kilnhq/kiln/knowledge"
)

// AppleLabel buckets indexed Apple developer documentation.
const AppleLabel = "apple-docs"

// appleSearchLimit caps AppleSearch results.
const appleSearchLimit = 10

// AppleSearch searches previously indexed Apple documentation. framework
// narrows results to documents whose framework metadata matches, e.g.
// "swiftui". Returns at most 10 hits.
func (f *Fetcher) AppleSearch(ctx context.Context, project, query, framework string) ([]kiln.Hit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, kiln.E(kiln.KindValidation, "query must not be empty")
	}
	store, err := f.stores.Get(project)
	if err != nil {
		return nil, err
	}
	hits, err := store.Search(ctx, knowledge.SearchRequest{
		Query: query,
		TopK:  appleSearchLimit * 2,
		Label: AppleLabel,
	})
	if err != nil {
		return nil, err
	}
	framework = strings.ToLower(strings.TrimSpace(framework))
	out := make([]kiln.Hit, 0, appleSearchLimit)
	for _, h := range hits {
		if framework != "" && strings.ToLower(h.Metadata["framework"]) != framework {
			continue
		}
		out = append(out, h)
		if len(out) == appleSearchLimit {
			break
		}
	}
	return out, nil
}
