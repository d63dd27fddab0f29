package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kilnhq/kiln"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "test.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func doc(id, title, label, hash string) kiln.Document {
	return kiln.Document{
		ID: id, Title: title, Label: label, ContentHash: hash,
		IngestedAt: kiln.NowUnix(),
	}
}

func chunk(id, docID string, idx int, content string, emb []float32) kiln.Chunk {
	return kiln.Chunk{ID: id, DocumentID: docID, Index: idx, Content: content, Embedding: emb}
}

func TestStoreAndSearchKeyword(t *testing.T) {
	s := newTestIndex(t)
	ctx := context.Background()

	d := doc("d1", "https://example.com/guide", "example", "sha256:abc")
	chunks := []kiln.Chunk{
		chunk("c1", "d1", 0, "installing the zebra toolkit requires python", nil),
		chunk("c2", "d1", 1, "configuration lives in a toml file", nil),
	}
	if err := s.StoreDocument(ctx, d, chunks); err != nil {
		t.Fatalf("store: %v", err)
	}

	hits, err := s.SearchKeyword(ctx, "zebra", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "c1" {
		t.Fatalf("hits = %+v, want c1 only", hits)
	}
	if hits[0].DocTitle != "https://example.com/guide" || hits[0].DocLabel != "example" {
		t.Errorf("document join missing: %+v", hits[0])
	}
	if hits[0].Score < 0 {
		t.Errorf("score %f should be clamped non-negative", hits[0].Score)
	}
}

func TestSearchKeywordQuotesPunctuation(t *testing.T) {
	s := newTestIndex(t)
	ctx := context.Background()
	d := doc("d1", "t", "l", "h")
	if err := s.StoreDocument(ctx, d, []kiln.Chunk{chunk("c1", "d1", 0, "the http client retries", nil)}); err != nil {
		t.Fatal(err)
	}
	// Raw FTS5 would reject these operators; the sanitizer must not.
	if _, err := s.SearchKeyword(ctx, `http* AND "client`, 5); err != nil {
		t.Fatalf("punctuated query errored: %v", err)
	}
	if hits, _ := s.SearchKeyword(ctx, "???", 5); hits != nil {
		t.Errorf("token-free query should return nothing, got %v", hits)
	}
}

func TestSearchVector(t *testing.T) {
	s := newTestIndex(t)
	ctx := context.Background()

	d := doc("d1", "t", "l", "h")
	chunks := []kiln.Chunk{
		chunk("c1", "d1", 0, "aaa", []float32{1, 0, 0}),
		chunk("c2", "d1", 1, "bbb", []float32{0, 1, 0}),
		chunk("c3", "d1", 2, "ccc", nil), // no embedding, excluded
	}
	if err := s.StoreDocument(ctx, d, chunks); err != nil {
		t.Fatal(err)
	}

	hits, err := s.SearchVector(ctx, []float32{0.9, 0.1, 0}, 2)
	if err != nil {
		t.Fatalf("vector search: %v", err)
	}
	if len(hits) != 2 || hits[0].ID != "c1" {
		t.Fatalf("hits = %+v, want c1 first", hits)
	}
	if hits[0].Score <= hits[1].Score {
		t.Errorf("scores not descending: %f <= %f", hits[0].Score, hits[1].Score)
	}
}

func TestDocumentByHash(t *testing.T) {
	s := newTestIndex(t)
	ctx := context.Background()

	d := doc("d1", "t", "docs", "sha256:xyz")
	d.Metadata = map[string]string{"thread": "A", "url": "https://x"}
	if err := s.StoreDocument(ctx, d, nil); err != nil {
		t.Fatal(err)
	}

	got, ok, err := s.DocumentByHash(ctx, "docs", "sha256:xyz")
	if err != nil || !ok {
		t.Fatalf("lookup failed: ok=%v err=%v", ok, err)
	}
	if got.ID != "d1" || got.Metadata["thread"] != "A" {
		t.Errorf("got %+v", got)
	}

	if _, ok, _ := s.DocumentByHash(ctx, "other-label", "sha256:xyz"); ok {
		t.Error("hash lookup must be scoped by label")
	}
}

func TestReingestReplacesChunks(t *testing.T) {
	s := newTestIndex(t)
	ctx := context.Background()

	d := doc("d1", "t", "l", "h1")
	if err := s.StoreDocument(ctx, d, []kiln.Chunk{chunk("c1", "d1", 0, "oldword here", nil)}); err != nil {
		t.Fatal(err)
	}
	if err := s.StoreDocument(ctx, d, []kiln.Chunk{chunk("c2", "d1", 0, "newword here", nil)}); err != nil {
		t.Fatal(err)
	}

	if hits, _ := s.SearchKeyword(ctx, "oldword", 5); len(hits) != 0 {
		t.Errorf("stale chunk survived re-ingest: %+v", hits)
	}
	if hits, _ := s.SearchKeyword(ctx, "newword", 5); len(hits) != 1 {
		t.Errorf("new chunk missing after re-ingest")
	}
	stats, _ := s.Stats(ctx)
	if stats.Documents != 1 || stats.Chunks != 1 {
		t.Errorf("stats = %+v, want 1 doc / 1 chunk", stats)
	}
}

func TestTimelineOrderAndBounds(t *testing.T) {
	s := newTestIndex(t)
	ctx := context.Background()

	for i, title := range []string{"first", "second", "third"} {
		d := doc("d"+title, title, "l", "h"+title)
		d.IngestedAt = int64(100 + i)
		if err := s.StoreDocument(ctx, d, nil); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := s.Timeline(ctx, 0, 0)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(entries) != 3 || entries[0].Title != "first" || entries[2].Title != "third" {
		t.Fatalf("order wrong: %+v", entries)
	}

	entries, _ = s.Timeline(ctx, 101, 101)
	if len(entries) != 1 || entries[0].Title != "second" {
		t.Fatalf("bounds wrong: %+v", entries)
	}
}

func TestStatsBreakdown(t *testing.T) {
	s := newTestIndex(t)
	ctx := context.Background()

	d1 := doc("d1", "a", "docs", "h1")
	d1.Metadata = map[string]string{"thread": "A"}
	d2 := doc("d2", "b", "docs", "h2")
	d2.Metadata = map[string]string{"thread": "B"}
	d3 := doc("d3", "c", "local", "h3")
	for _, d := range []kiln.Document{d1, d2, d3} {
		if err := s.StoreDocument(ctx, d, []kiln.Chunk{chunk(d.ID+"-c", d.ID, 0, "SomeEntity content", nil)}); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Documents != 3 || stats.Chunks != 3 {
		t.Errorf("counts: %+v", stats)
	}
	if stats.Labels["docs"] != 2 || stats.Labels["local"] != 1 {
		t.Errorf("labels: %+v", stats.Labels)
	}
	if stats.Threads["A"] != 1 || stats.Threads["B"] != 1 {
		t.Errorf("threads: %+v", stats.Threads)
	}
	if stats.SizeBytes <= 0 {
		t.Error("size_bytes should reflect the on-disk file")
	}
	if stats.Entities == 0 {
		t.Error("entity index empty")
	}
}

func TestDestroyRemovesFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "idx.db")
	s := New(path)
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.StoreDocument(ctx, doc("d1", "t", "l", "h"), nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Destroy(); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	// Reopening creates a fresh empty index.
	s2 := New(path)
	defer s2.Close()
	if err := s2.Init(ctx); err != nil {
		t.Fatal(err)
	}
	stats, _ := s2.Stats(ctx)
	if stats.Documents != 0 {
		t.Errorf("destroyed index still has %d documents", stats.Documents)
	}
}

func TestExtractEntities(t *testing.T) {
	chunks := []kiln.Chunk{chunk("c", "d", 0, "Use the NewClient helper with config.Timeout set, or plain words only", nil)}
	entities := extractEntities(chunks)
	joined := strings.Join(entities, " ")
	if !strings.Contains(joined, "NewClient") || !strings.Contains(joined, "config.Timeout") {
		t.Errorf("entities = %v", entities)
	}
	for _, e := range entities {
		if e == "plain" || e == "words" {
			t.Errorf("lowercase prose leaked into entities: %v", entities)
		}
	}
}
