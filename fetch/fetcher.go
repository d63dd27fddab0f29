// Package fetch turns URLs and local files into indexed knowledge. The
// fetcher runs a three-tier markdown cascade (content negotiation, proxy
// conversion, local extraction), keeps a raw on-disk cache with metadata
// sidecars, and feeds everything through the knowledge store.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/go-shiori/go-readability"
	"golang.org/x/text/unicode/norm"

	"github.com/kilnhq/kiln"
	"github.com/kilnhq/kiln/knowledge"
)

// Markdown source tiers, in cascade order.
const (
	SourceNegotiated = "negotiated"   // server sent markdown directly
	SourceProxy      = "markdown_new" // conversion proxy
	SourceHTML2Text  = "html2text"    // local tier: readability + conversion
)

const (
	defaultProxyBase   = "https://markdown.new/"
	defaultFreshness   = 7 * 24 * time.Hour
	defaultPerHostRPS  = 5
	requestTimeout     = 15 * time.Second
	maxResponseBytes   = 10 << 20
	tokensHeader       = "x-markdown-tokens"
)

// Fetcher fetches, caches, and ingests web documentation.
type Fetcher struct {
	client    *http.Client
	stores    *knowledge.Registry
	baseDir   string // raw cache root; project subdirs below
	proxyBase string
	freshness time.Duration
	blocklist *Blocklist
	limiter   *hostLimiter
	logger    *slog.Logger
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithProxyBase sets the markdown conversion proxy base URL.
func WithProxyBase(base string) FetcherOption {
	return func(f *Fetcher) { f.proxyBase = base }
}

// WithFreshness sets how long a cached page is served without refetching.
func WithFreshness(d time.Duration) FetcherOption {
	return func(f *Fetcher) { f.freshness = d }
}

// WithBlocklist replaces the default blocklist.
func WithBlocklist(b *Blocklist) FetcherOption {
	return func(f *Fetcher) { f.blocklist = b }
}

// WithPerHostRPS caps request rate per host. Zero disables the limiter.
func WithPerHostRPS(n int) FetcherOption {
	return func(f *Fetcher) { f.limiter = newHostLimiter(n) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) FetcherOption {
	return func(f *Fetcher) { f.logger = l }
}

// NewFetcher creates a Fetcher. client is the shared process HTTP client;
// baseDir is the raw-cache root directory.
func NewFetcher(client *http.Client, stores *knowledge.Registry, baseDir string, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		client:    client,
		stores:    stores,
		baseDir:   baseDir,
		proxyBase: defaultProxyBase,
		freshness: defaultFreshness,
		blocklist: NewBlocklist(),
		limiter:   newHostLimiter(defaultPerHostRPS),
		logger:    nopLogger(),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// FetchRequest names one URL to fetch into a project.
type FetchRequest struct {
	URL     string
	Force   bool // bypass the freshness window
	Project string
}

// FetchResult reports where the content came from and what was indexed.
type FetchResult struct {
	URL         string `json:"url"`
	Path        string `json:"path"`
	FromCache   bool   `json:"from_cache"`
	Source      string `json:"source"`
	SizeBytes   int    `json:"size_bytes"`
	Tokens      int    `json:"tokens,omitempty"`
	ContentHash string `json:"content_hash"`
	DocID       string `json:"doc_id"`
	Chunks      int    `json:"chunks"`
	Deduped     bool   `json:"deduped"`
}

// meta is the .meta.json sidecar written next to every cached page.
type meta struct {
	URL            string `json:"url"`
	FetchedAt      int64  `json:"fetched_at"`
	ContentHash    string `json:"content_hash"`
	SizeBytes      int    `json:"size_bytes"`
	MarkdownSource string `json:"markdown_source"`
	MarkdownTokens int    `json:"markdown_tokens,omitempty"`
}

// Fetch retrieves one URL through the cascade, caches it, and ingests it.
// All failures return a classified error so batch callers can record and
// continue.
func (f *Fetcher) Fetch(ctx context.Context, req FetchRequest) (FetchResult, error) {
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return FetchResult{}, kiln.E(kiln.KindValidation, fmt.Sprintf("not an http(s) url: %q", req.URL))
	}
	if f.blocklist.Blocked(u.Hostname()) {
		return FetchResult{}, kiln.E(kiln.KindBlocked, fmt.Sprintf("domain %s is blocked", u.Hostname()))
	}
	store, err := f.stores.Get(req.Project)
	if err != nil {
		return FetchResult{}, err
	}

	rawPath := filepath.Join(f.baseDir, req.Project, filepath.FromSlash(urlPath(req.URL)))
	label := DeriveLibrary(req.URL)

	if !req.Force {
		if res, ok := f.fromCache(ctx, store, rawPath, label, req.URL); ok {
			return res, nil
		}
	}

	if err := f.limiter.wait(ctx, u.Hostname()); err != nil {
		return FetchResult{}, err
	}
	body, source, tokens, err := f.cascade(ctx, req.URL)
	if err != nil {
		return FetchResult{}, err
	}

	hash := knowledge.ContentHash(norm.NFKC.String(body))
	m := meta{
		URL: req.URL, FetchedAt: kiln.NowUnix(), ContentHash: hash,
		SizeBytes: len(body), MarkdownSource: source, MarkdownTokens: tokens,
	}
	if err := f.writeCache(rawPath, body, m); err != nil {
		return FetchResult{}, fmt.Errorf("write cache: %w", err)
	}

	ing, err := store.Ingest(ctx, knowledge.IngestRequest{
		Title: req.URL, Label: label, Text: body,
		Metadata: map[string]string{"url": req.URL, "source": source},
	})
	if err != nil {
		return FetchResult{}, fmt.Errorf("ingest %s: %w", req.URL, err)
	}

	f.logger.Debug("fetched", "url", req.URL, "source", source, "bytes", len(body), "chunks", ing.Chunks)
	return FetchResult{
		URL: req.URL, Path: rawPath, Source: source, SizeBytes: len(body),
		Tokens: tokens, ContentHash: hash, DocID: ing.DocID, Chunks: ing.Chunks,
		Deduped: ing.Deduped,
	}, nil
}

// fromCache serves a fresh cached page without network I/O. A fresh cache
// whose hash is missing from the index is re-ingested first.
func (f *Fetcher) fromCache(ctx context.Context, store *knowledge.Store, rawPath, label, rawURL string) (FetchResult, bool) {
	m, err := readMeta(metaPath(rawPath))
	if err != nil {
		return FetchResult{}, false
	}
	if time.Since(time.Unix(m.FetchedAt, 0)) > f.freshness {
		return FetchResult{}, false
	}
	body, err := os.ReadFile(rawPath)
	if err != nil {
		return FetchResult{}, false
	}

	res := FetchResult{
		URL: rawURL, Path: rawPath, FromCache: true, Source: m.MarkdownSource,
		SizeBytes: len(body), Tokens: m.MarkdownTokens, ContentHash: m.ContentHash,
	}
	if _, ok, err := store.Index().DocumentByHash(ctx, label, m.ContentHash); err == nil && !ok {
		ing, err := store.Ingest(ctx, knowledge.IngestRequest{
			Title: rawURL, Label: label, Text: string(body),
			Metadata: map[string]string{"url": rawURL, "source": m.MarkdownSource},
		})
		if err != nil {
			return FetchResult{}, false
		}
		res.DocID = ing.DocID
		res.Chunks = ing.Chunks
	}
	f.logger.Debug("cache hit", "url", rawURL, "path", rawPath)
	return res, true
}

// cascade tries the three markdown acquisition tiers in order.
func (f *Fetcher) cascade(ctx context.Context, rawURL string) (body, source string, tokens int, err error) {
	// Tier 1: ask the origin for markdown directly.
	b, ct, tok, err1 := f.get(ctx, rawURL, "text/markdown")
	if err1 == nil {
		if strings.Contains(ct, "markdown") || LooksLikeMarkdown(b) {
			return b, SourceNegotiated, tok, nil
		}
	}

	// Tier 2: conversion proxy.
	pb, _, ptok, err2 := f.get(ctx, f.proxyBase+rawURL, "")
	if err2 == nil && LooksLikeMarkdown(pb) {
		return pb, SourceProxy, ptok, nil
	}

	// Tier 3: plain GET, convert locally if needed.
	hb, _, _, err3 := f.get(ctx, rawURL, "")
	if err3 != nil {
		// Tier 1 hit the same origin; prefer its error when tier 3 raced
		// into the same failure.
		if err1 != nil {
			return "", "", 0, classify(rawURL, err1)
		}
		return "", "", 0, classify(rawURL, err3)
	}
	if LooksLikeMarkdown(hb) {
		// Already markdown; the local tier passes it through unchanged.
		return hb, SourceHTML2Text, 0, nil
	}
	md, err := extractMarkdown(hb, rawURL)
	if err != nil {
		return "", "", 0, kiln.Errorf(kiln.KindInternal, "convert %s: %w", rawURL, err)
	}
	return md, SourceHTML2Text, 0, nil
}

// get performs one GET with the per-request timeout. accept is optional.
func (f *Fetcher) get(ctx context.Context, rawURL, accept string) (body, contentType string, tokens int, err error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", "", 0, err
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", "", 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", "", 0, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", "", 0, &kiln.ErrHTTP{Status: resp.StatusCode, Body: truncate(string(data), 200)}
	}
	if v := resp.Header.Get(tokensHeader); v != "" {
		tokens, _ = strconv.Atoi(v)
	}
	return string(data), resp.Header.Get("Content-Type"), tokens, nil
}

// extractMarkdown strips boilerplate with readability, then converts the
// remaining HTML to markdown.
func extractMarkdown(html, rawURL string) (string, error) {
	u, _ := url.Parse(rawURL)
	content := html
	if article, err := readability.FromReader(strings.NewReader(html), u); err == nil && article.Content != "" {
		content = article.Content
	}
	md, err := htmltomarkdown.ConvertString(content)
	if err != nil {
		return "", err
	}
	md = strings.TrimSpace(md)
	if md == "" {
		return "", fmt.Errorf("no extractable content")
	}
	return md, nil
}

// classify maps a cascade failure to its error kind.
func classify(rawURL string, err error) error {
	switch kind := kiln.KindOf(err); kind {
	case kiln.KindTimeout:
		return kiln.Errorf(kiln.KindTimeout, "fetch %s timed out: %w", rawURL, err)
	case kiln.KindInternal:
		return kiln.Errorf(kiln.KindTransport, "fetch %s: %w", rawURL, err)
	default:
		return kiln.Errorf(kind, "fetch %s: %w", rawURL, err)
	}
}

// writeCache stores the page and its sidecar atomically (temp + rename).
func (f *Fetcher) writeCache(rawPath, body string, m meta) error {
	if err := os.MkdirAll(filepath.Dir(rawPath), 0o755); err != nil {
		return err
	}
	if err := atomicWrite(rawPath, []byte(body)); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(metaPath(rawPath), data)
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func metaPath(rawPath string) string {
	return strings.TrimSuffix(rawPath, ".md") + ".meta.json"
}

func readMeta(path string) (meta, error) {
	var m meta
	data, err := os.ReadFile(path)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, err
	}
	return m, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
