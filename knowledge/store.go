// Package knowledge implements the per-project knowledge store: ingest with
// dedupe, hybrid search, question answering over retrieved context, the
// ingestion timeline, and index lifecycle.
package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/dustin/go-humanize"
	"golang.org/x/text/unicode/norm"

	"github.com/kilnhq/kiln"
	"github.com/kilnhq/kiln/ingest"
)

// DefaultLabel buckets documents ingested without an explicit label.
const DefaultLabel = "notes"

// askTopK is how many chunks feed an answer.
const askTopK = 8

// Store is the knowledge interface for one project. It owns the project's
// Index and composes chunking, embedding, retrieval, and answering on top.
type Store struct {
	index       kiln.Index
	embedder    kiln.EmbeddingProvider
	chunker     ingest.Chunker
	subModel    kiln.Provider // nil: ask degrades to context-only
	logger      *slog.Logger
	keywordWt   float32
	labelPriors map[string]float32
	contextOnly bool // default for AskRequest.ContextOnly
}

// Option configures a Store.
type Option func(*Store)

// WithEmbedder replaces the default local feature-hashing embedder.
func WithEmbedder(e kiln.EmbeddingProvider) Option {
	return func(s *Store) { s.embedder = e }
}

// WithChunker replaces the default markdown chunker.
func WithChunker(c ingest.Chunker) Option {
	return func(s *Store) { s.chunker = c }
}

// WithSubModel provides the model used for answer synthesis. Without it,
// Ask always returns raw context.
func WithSubModel(p kiln.Provider) Option {
	return func(s *Store) { s.subModel = p }
}

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithKeywordWeight sets the lexical share of hybrid scores.
func WithKeywordWeight(w float32) Option {
	return func(s *Store) { s.keywordWt = w }
}

// WithLabelPriors sets per-label rerank boosts.
func WithLabelPriors(p map[string]float32) Option {
	return func(s *Store) { s.labelPriors = p }
}

// WithAnswerContextOnly sets the default answer mode for Ask.
func WithAnswerContextOnly(v bool) Option {
	return func(s *Store) { s.contextOnly = v }
}

// New creates a Store over an initialized Index.
func New(index kiln.Index, opts ...Option) *Store {
	s := &Store{
		index:       index,
		embedder:    NewHashEmbedder(0),
		chunker:     ingest.NewMarkdownChunker(),
		logger:      nopLogger(),
		keywordWt:   kiln.DefaultKeywordWeight,
		contextOnly: true,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Index exposes the underlying index (read paths used by fetch freshness).
func (s *Store) Index() kiln.Index { return s.index }

// --- Ingest ---

// IngestRequest is one document to ingest.
type IngestRequest struct {
	Title    string
	Label    string
	Text     string
	Thread   string
	Metadata map[string]string
}

// IngestResult reports what happened to one document.
type IngestResult struct {
	DocID            string `json:"doc_id"`
	Chunks           int    `json:"chunks"`
	Deduped          bool   `json:"deduped"`
	NearDuplicateOf  string `json:"near_duplicate_of,omitempty"`
	NearDupTitle     string `json:"near_duplicate_title,omitempty"`
	ContentHash      string `json:"content_hash"`
}

// Ingest normalizes, dedupes, chunks, embeds, and stores one document.
// An exact (label, content_hash) duplicate collapses to the existing
// document without touching the index. A near-duplicate within the label
// is reported but still ingested.
func (s *Store) Ingest(ctx context.Context, req IngestRequest) (IngestResult, error) {
	if strings.TrimSpace(req.Text) == "" {
		return IngestResult{}, kiln.E(kiln.KindValidation, "text must not be empty")
	}
	if req.Title == "" {
		return IngestResult{}, kiln.E(kiln.KindValidation, "title must not be empty")
	}
	if req.Label == "" {
		req.Label = DefaultLabel
	}

	normalized := norm.NFKC.String(req.Text)
	hash := ContentHash(normalized)

	if existing, ok, err := s.index.DocumentByHash(ctx, req.Label, hash); err != nil {
		return IngestResult{}, fmt.Errorf("dedupe lookup: %w", err)
	} else if ok {
		s.logger.Debug("ingest deduped", "title", req.Title, "doc_id", existing.ID)
		return IngestResult{DocID: existing.ID, Deduped: true, ContentHash: hash}, nil
	}

	simhash := Simhash64(normalized)
	result := IngestResult{ContentHash: hash}
	if hashes, err := s.index.Simhashes(ctx, req.Label); err == nil {
		for docID, h := range hashes {
			if HammingDistance(simhash, h) <= nearDuplicateThreshold {
				result.NearDuplicateOf = docID
				break
			}
		}
	}

	pieces := s.chunker.Chunk(normalized)
	if len(pieces) == 0 {
		return IngestResult{}, kiln.E(kiln.KindValidation, "text produced no chunks")
	}
	embeddings, err := s.embedder.Embed(ctx, pieces)
	if err != nil {
		return IngestResult{}, fmt.Errorf("embed %d chunks: %w", len(pieces), err)
	}
	if len(embeddings) != len(pieces) {
		return IngestResult{}, kiln.E(kiln.KindInternal,
			fmt.Sprintf("embedder returned %d vectors for %d chunks", len(embeddings), len(pieces)))
	}

	meta := make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		meta[k] = v
	}
	if req.Thread != "" {
		meta["thread"] = req.Thread
	}

	doc := kiln.Document{
		ID:          kiln.NewID(),
		Title:       req.Title,
		Label:       req.Label,
		ContentHash: hash,
		Simhash:     simhash,
		Metadata:    meta,
		IngestedAt:  kiln.NowUnix(),
	}
	chunks := make([]kiln.Chunk, len(pieces))
	for i, content := range pieces {
		chunks[i] = kiln.Chunk{
			ID:         kiln.NewID(),
			DocumentID: doc.ID,
			Index:      i,
			Content:    content,
			Embedding:  embeddings[i],
		}
	}

	start := time.Now()
	if err := s.index.StoreDocument(ctx, doc, chunks); err != nil {
		return IngestResult{}, fmt.Errorf("store document %q: %w", req.Title, err)
	}
	s.logger.Debug("ingested document",
		"title", req.Title, "label", req.Label, "chunks", len(chunks),
		"duration", time.Since(start))

	result.DocID = doc.ID
	result.Chunks = len(chunks)
	return result, nil
}

// BatchItemError is a per-item ingest failure within a batch.
type BatchItemError struct {
	Index int    `json:"index"`
	Title string `json:"title"`
	Error string `json:"error"`
}

// BatchResult summarizes an IngestMany call.
type BatchResult struct {
	Ingested int              `json:"ingested"`
	Deduped  int              `json:"deduped"`
	Chunks   int              `json:"chunks"`
	Errors   []BatchItemError `json:"errors,omitempty"`
}

// IngestMany ingests documents sequentially. A failing item is recorded and
// skipped; documents committed before it stay committed.
func (s *Store) IngestMany(ctx context.Context, reqs []IngestRequest) (BatchResult, error) {
	var batch BatchResult
	for i, req := range reqs {
		if err := ctx.Err(); err != nil {
			return batch, err
		}
		res, err := s.Ingest(ctx, req)
		if err != nil {
			batch.Errors = append(batch.Errors, BatchItemError{
				Index: i, Title: req.Title, Error: kiln.Message(err),
			})
			continue
		}
		if res.Deduped {
			batch.Deduped++
		} else {
			batch.Ingested++
			batch.Chunks += res.Chunks
		}
	}
	return batch, nil
}

// --- Search ---

// Search modes.
const (
	ModeLexical = "lexical"
	ModeVector  = "vector"
	ModeHybrid  = "hybrid"
)

// SearchRequest selects chunks from the project index.
type SearchRequest struct {
	Query  string
	TopK   int    // default 10
	Mode   string // lexical | vector | hybrid (default)
	Thread string // post-retrieval filter
	Label  string // post-retrieval filter
}

// filterOverfetch compensates for post-retrieval thread/label filtering.
const filterOverfetch = 3

// Search runs lexical, vector, or hybrid retrieval and returns ranked hits.
func (s *Store) Search(ctx context.Context, req SearchRequest) ([]kiln.Hit, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, kiln.E(kiln.KindValidation, "query must not be empty")
	}
	if req.TopK <= 0 {
		req.TopK = 10
	}
	if req.Mode == "" {
		req.Mode = ModeHybrid
	}

	fetchK := req.TopK
	if req.Thread != "" || req.Label != "" {
		fetchK *= filterOverfetch
	}

	var scored []kiln.ScoredChunk
	var err error
	switch req.Mode {
	case ModeLexical:
		scored, err = s.index.SearchKeyword(ctx, req.Query, fetchK)
	case ModeVector:
		scored, err = s.searchVector(ctx, req.Query, fetchK)
	case ModeHybrid:
		var vec, kw []kiln.ScoredChunk
		if vec, err = s.searchVector(ctx, req.Query, fetchK); err != nil {
			return nil, err
		}
		if kw, err = s.index.SearchKeyword(ctx, req.Query, fetchK); err != nil {
			return nil, err
		}
		scored = kiln.RerankHits(kiln.FuseRanks(vec, kw, s.keywordWt), s.labelPriors)
	default:
		return nil, kiln.E(kiln.KindValidation, fmt.Sprintf("unknown search mode %q", req.Mode))
	}
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", req.Mode, err)
	}

	hits := make([]kiln.Hit, 0, req.TopK)
	for _, sc := range scored {
		if req.Thread != "" && sc.DocMeta["thread"] != req.Thread {
			continue
		}
		if req.Label != "" && sc.DocLabel != req.Label {
			continue
		}
		hits = append(hits, toHit(sc))
		if len(hits) == req.TopK {
			break
		}
	}
	return hits, nil
}

func (s *Store) searchVector(ctx context.Context, query string, topK int) ([]kiln.ScoredChunk, error) {
	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return s.index.SearchVector(ctx, vecs[0], topK)
}

func toHit(sc kiln.ScoredChunk) kiln.Hit {
	return kiln.Hit{
		Title:      sc.DocTitle,
		Label:      sc.DocLabel,
		Text:       sc.Content,
		Score:      sc.Score,
		Metadata:   sc.DocMeta,
		ChunkIndex: sc.Index,
	}
}

// --- Ask ---

// AskRequest asks a question over the project's knowledge.
type AskRequest struct {
	Question    string
	ContextOnly *bool // nil: store default (true)
	Thread      string
}

// AskResult is either raw context (Mode "context") or a synthesized answer
// (Mode "answer"). Sources always carries the supporting chunks.
type AskResult struct {
	Answer  string     `json:"answer"`
	Mode    string     `json:"mode"`
	Sources []kiln.Hit `json:"sources"`
	Usage   kiln.Usage `json:"usage,omitempty"`
}

// Ask retrieves the most relevant chunks and either returns them verbatim
// with citations or synthesizes an answer with the sub-model.
func (s *Store) Ask(ctx context.Context, req AskRequest) (AskResult, error) {
	if strings.TrimSpace(req.Question) == "" {
		return AskResult{}, kiln.E(kiln.KindValidation, "question must not be empty")
	}
	contextOnly := s.contextOnly
	if req.ContextOnly != nil {
		contextOnly = *req.ContextOnly
	}

	hits, err := s.Search(ctx, SearchRequest{
		Query: req.Question, TopK: askTopK, Mode: ModeHybrid, Thread: req.Thread,
	})
	if err != nil {
		return AskResult{}, err
	}
	if len(hits) == 0 {
		return AskResult{Answer: "No relevant knowledge found.", Mode: "context"}, nil
	}

	if contextOnly || s.subModel == nil {
		return AskResult{Answer: renderContext(hits), Mode: "context", Sources: hits}, nil
	}

	prompt := buildRAGPrompt(req.Question, hits)
	resp, err := s.subModel.Chat(ctx, kiln.ChatRequest{Messages: []kiln.ChatMessage{
		kiln.SystemMessage("Answer using only the provided context. Cite sources as [n]. If the context does not contain the answer, say so."),
		kiln.UserMessage(prompt),
	}})
	if err != nil {
		return AskResult{}, fmt.Errorf("answer synthesis: %w", err)
	}
	return AskResult{Answer: resp.Content, Mode: "answer", Sources: hits, Usage: resp.Usage}, nil
}

func renderContext(hits []kiln.Hit) string {
	var sb strings.Builder
	for i, h := range hits {
		fmt.Fprintf(&sb, "[%d] %s (%s)\n%s\n\n", i+1, h.Title, h.Label, h.Text)
	}
	return strings.TrimSpace(sb.String())
}

func buildRAGPrompt(question string, hits []kiln.Hit) string {
	var sb strings.Builder
	sb.WriteString("Context:\n\n")
	sb.WriteString(renderContext(hits))
	sb.WriteString("\n\nQuestion: ")
	sb.WriteString(question)
	return sb.String()
}

// --- Timeline ---

// Timeline returns documents in ingestion order. since/until accept most
// human date formats and unix timestamps; empty bounds are open.
func (s *Store) Timeline(ctx context.Context, since, until string) ([]kiln.TimelineEntry, error) {
	sinceUnix, err := parseBound(since)
	if err != nil {
		return nil, kiln.E(kiln.KindValidation, fmt.Sprintf("cannot parse since %q", since))
	}
	untilUnix, err := parseBound(until)
	if err != nil {
		return nil, kiln.E(kiln.KindValidation, fmt.Sprintf("cannot parse until %q", until))
	}
	entries, err := s.index.Timeline(ctx, sinceUnix, untilUnix)
	if err != nil {
		return nil, fmt.Errorf("timeline: %w", err)
	}
	return entries, nil
}

func parseBound(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	t, err := dateparse.ParseAny(v)
	if err != nil {
		return 0, err
	}
	return t.Unix(), nil
}

// --- Status / Clear ---

// Status reports the index's size and composition.
type Status struct {
	DocCount   int64          `json:"doc_count"`
	ChunkCount int64          `json:"chunk_count"`
	SizeBytes  int64          `json:"size_bytes"`
	SizeHuman  string         `json:"size_human"`
	Labels     map[string]int `json:"labels,omitempty"`
	Threads    map[string]int `json:"threads,omitempty"`
	Entities   int64          `json:"entities"`
	Embedder   string         `json:"embedder"`
}

// Status summarizes the project's knowledge.
func (s *Store) Status(ctx context.Context) (Status, error) {
	stats, err := s.index.Stats(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("status: %w", err)
	}
	return Status{
		DocCount:   stats.Documents,
		ChunkCount: stats.Chunks,
		SizeBytes:  stats.SizeBytes,
		SizeHuman:  humanize.Bytes(uint64(max(stats.SizeBytes, 0))),
		Labels:     stats.Labels,
		Threads:    stats.Threads,
		Entities:   stats.Entities,
		Embedder:   s.embedder.Name(),
	}, nil
}

// Clear destroys the project's index. Idempotent; the registry recreates a
// fresh index on next access.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.index.Destroy(); err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	s.logger.Info("knowledge cleared")
	return nil
}

// Close releases the underlying index.
func (s *Store) Close() error { return s.index.Close() }

// ContentHash hashes already-normalized text: "sha256:" + full hex digest.
func ContentHash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return "sha256:" + hex.EncodeToString(sum[:])
}
