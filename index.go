package kiln

import "context"

// Index abstracts the persistent per-project store over documents and chunks.
// Implementations hold five co-resident views: a lexical postings index, a
// dense-vector index, a simhash near-duplicate index, a time-ordered index,
// and a coarse entity index.
//
// StoreDocument is atomic per document: either the document and all its
// chunks are committed or nothing is. One writer at a time per index;
// readers may overlap a writer and are permitted to miss in-flight chunks.
type Index interface {
	// Init creates the schema (idempotent).
	Init(ctx context.Context) error

	// StoreDocument writes a document and its chunks in one transaction.
	StoreDocument(ctx context.Context, doc Document, chunks []Chunk) error
	// DeleteDocument removes a document and its chunks.
	DeleteDocument(ctx context.Context, id string) error
	// DocumentByHash looks up a document by (label, content_hash).
	// ok is false when no such document exists.
	DocumentByHash(ctx context.Context, label, hash string) (doc Document, ok bool, err error)
	// Simhashes returns document id → simhash for every document in a label.
	Simhashes(ctx context.Context, label string) (map[string]uint64, error)

	// SearchVector ranks chunks by cosine similarity to the embedding.
	SearchVector(ctx context.Context, embedding []float32, topK int) ([]ScoredChunk, error)
	// SearchKeyword ranks chunks by BM25 full-text relevance.
	SearchKeyword(ctx context.Context, query string, topK int) ([]ScoredChunk, error)

	// Timeline returns documents ordered by ingestion time. Zero bounds are
	// open. Implementations without the timeline view return an error of
	// kind unavailable; callers degrade to plain search.
	Timeline(ctx context.Context, since, until int64) ([]TimelineEntry, error)

	// Stats summarizes the index.
	Stats(ctx context.Context) (IndexStats, error)

	// Close releases resources. Destroy closes and deletes all stored state.
	Close() error
	Destroy() error
}
