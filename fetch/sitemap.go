package fetch

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kilnhq/kiln"
)

// sitemapConcurrency bounds parallel page fetches within one sitemap.
const sitemapConcurrency = 4

// defaultSitemapCap limits how many sitemap pages one call will fetch.
const defaultSitemapCap = 50

// SitemapSummary aggregates one FetchSitemap call.
type SitemapSummary struct {
	Total     int      `json:"total"`
	Fetched   int      `json:"fetched"`
	Failed    int      `json:"failed"`
	FromCache int      `json:"from_cache"`
	Chunks    int      `json:"chunks"`
	Capped    bool     `json:"capped,omitempty"`
	Errors    []string `json:"errors,omitempty"`
}

// FetchSitemap downloads a sitemap, extracts every <loc>, and fetches the
// pages with bounded concurrency. Individual page failures are recorded,
// not fatal. The blocklist applies to the sitemap itself, not just its
// pages.
func (f *Fetcher) FetchSitemap(ctx context.Context, sitemapURL, project string) (SitemapSummary, error) {
	if u, err := url.Parse(sitemapURL); err == nil && f.blocklist.Blocked(u.Hostname()) {
		return SitemapSummary{}, kiln.E(kiln.KindBlocked, fmt.Sprintf("domain %s is blocked", u.Hostname()))
	}
	body, _, _, err := f.get(ctx, sitemapURL, "")
	if err != nil {
		return SitemapSummary{}, classify(sitemapURL, err)
	}
	locs, err := parseSitemapLocs(body)
	if err != nil {
		return SitemapSummary{}, kiln.Errorf(kiln.KindValidation, "parse sitemap %s: %w", sitemapURL, err)
	}
	var summary SitemapSummary
	summary.Total = len(locs)
	if len(locs) > defaultSitemapCap {
		locs = locs[:defaultSitemapCap]
		summary.Capped = true
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sitemapConcurrency)
	for _, loc := range locs {
		g.Go(func() error {
			res, err := f.Fetch(gctx, FetchRequest{URL: loc, Project: project})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.Failed++
				if len(summary.Errors) < 10 {
					summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %s", loc, kiln.Message(err)))
				}
				return nil
			}
			summary.Fetched++
			summary.Chunks += res.Chunks
			if res.FromCache {
				summary.FromCache++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}
	f.logger.Info("sitemap fetched", "url", sitemapURL,
		"total", summary.Total, "fetched", summary.Fetched, "failed", summary.Failed)
	return summary, nil
}

// parseSitemapLocs extracts <loc> values regardless of the document's XML
// namespace, covering both urlset and sitemapindex shapes.
func parseSitemapLocs(body string) ([]string, error) {
	dec := xml.NewDecoder(strings.NewReader(body))
	var locs []string
	var inLoc bool
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			inLoc = t.Name.Local == "loc"
		case xml.CharData:
			if inLoc {
				if loc := strings.TrimSpace(string(t)); loc != "" {
					locs = append(locs, loc)
				}
			}
		case xml.EndElement:
			inLoc = false
		}
	}
	if len(locs) == 0 {
		return nil, fmt.Errorf("no <loc> entries")
	}
	return locs, nil
}
