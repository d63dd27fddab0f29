// Package postgres implements kiln.Index on PostgreSQL with pgvector for
// native cosine vector search and tsvector for full-text keyword search.
//
// All projects share one database; every row carries a project column so a
// single pool serves every project Index. The pool is externally owned:
// the caller creates and closes it.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kilnhq/kiln"
)

// Option configures a PostgreSQL Index.
type Option func(*pgConfig)

type pgConfig struct {
	embeddingDimension int // 0 = untyped vector column
	hnswM              int // 0 = pgvector default (16)
	hnswEFConstruction int // 0 = pgvector default (64)
}

// WithEmbeddingDimension sets the vector column dimension (e.g. 1536, 768).
// When set, CREATE TABLE uses vector(N) instead of untyped vector.
// Only affects new table creation.
func WithEmbeddingDimension(dim int) Option {
	return func(c *pgConfig) { c.embeddingDimension = dim }
}

// WithHNSWM sets the HNSW m parameter (max connections per node).
func WithHNSWM(m int) Option {
	return func(c *pgConfig) { c.hnswM = m }
}

// WithEFConstruction sets the HNSW ef_construction parameter.
func WithEFConstruction(ef int) Option {
	return func(c *pgConfig) { c.hnswEFConstruction = ef }
}

// Index implements kiln.Index for one project over a shared pool.
type Index struct {
	pool    *pgxpool.Pool
	project string
	cfg     pgConfig
}

var _ kiln.Index = (*Index)(nil)

// New creates a project-scoped Index on an existing pool.
func New(pool *pgxpool.Pool, projectID string, opts ...Option) *Index {
	var cfg pgConfig
	for _, o := range opts {
		o(&cfg)
	}
	return &Index{pool: pool, project: projectID, cfg: cfg}
}

func (s *Index) vectorType() string {
	if s.cfg.embeddingDimension > 0 {
		return fmt.Sprintf("vector(%d)", s.cfg.embeddingDimension)
	}
	return "vector"
}

func (s *Index) hnswWithClause() string {
	var parts []string
	if s.cfg.hnswM > 0 {
		parts = append(parts, fmt.Sprintf("m = %d", s.cfg.hnswM))
	}
	if s.cfg.hnswEFConstruction > 0 {
		parts = append(parts, fmt.Sprintf("ef_construction = %d", s.cfg.hnswEFConstruction))
	}
	if len(parts) == 0 {
		return ""
	}
	return " WITH (" + strings.Join(parts, ", ") + ")"
}

// Init creates the pgvector extension, tables, and indexes. Idempotent.
func (s *Index) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			project TEXT NOT NULL,
			title TEXT NOT NULL,
			label TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			simhash BIGINT NOT NULL DEFAULT 0,
			thread TEXT,
			metadata JSONB,
			created_at BIGINT NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			project TEXT NOT NULL,
			document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			chunk_index INTEGER NOT NULL,
			content TEXT NOT NULL,
			embedding %s
		)`, s.vectorType()),
		`CREATE TABLE IF NOT EXISTS doc_entities (
			document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			entity TEXT NOT NULL,
			PRIMARY KEY (document_id, entity)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_project_label_hash ON documents(project, label, content_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_project_created ON documents(project, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_project ON chunks(project)`,
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_chunks_embedding ON chunks
			USING hnsw (embedding vector_cosine_ops)%s`, s.hnswWithClause()),
		`CREATE INDEX IF NOT EXISTS idx_chunks_content_fts ON chunks
			USING gin (to_tsvector('english', content))`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// StoreDocument writes the document and chunks in one transaction.
func (s *Index) StoreDocument(ctx context.Context, doc kiln.Document, chunks []kiln.Chunk) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var metaJSON []byte
	if doc.Metadata != nil {
		metaJSON, _ = json.Marshal(doc.Metadata)
	}
	var thread *string
	if t := doc.Metadata["thread"]; t != "" {
		thread = &t
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO documents (id, project, title, label, content_hash, simhash, thread, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title, label = EXCLUDED.label,
			content_hash = EXCLUDED.content_hash, simhash = EXCLUDED.simhash,
			thread = EXCLUDED.thread, metadata = EXCLUDED.metadata,
			created_at = EXCLUDED.created_at`,
		doc.ID, s.project, doc.Title, doc.Label, doc.ContentHash, int64(doc.Simhash), thread, metaJSON, doc.IngestedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert document: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, doc.ID); err != nil {
		return fmt.Errorf("postgres: clear chunks: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM doc_entities WHERE document_id = $1`, doc.ID); err != nil {
		return fmt.Errorf("postgres: clear entities: %w", err)
	}

	for _, chunk := range chunks {
		var emb *string
		if len(chunk.Embedding) > 0 {
			v := serializeEmbedding(chunk.Embedding)
			emb = &v
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO chunks (id, project, document_id, chunk_index, content, embedding)
			 VALUES ($1, $2, $3, $4, $5, $6::vector)`,
			chunk.ID, s.project, chunk.DocumentID, chunk.Index, chunk.Content, emb)
		if err != nil {
			return fmt.Errorf("postgres: insert chunk: %w", err)
		}
	}

	for _, entity := range extractEntities(chunks) {
		if _, err := tx.Exec(ctx,
			`INSERT INTO doc_entities(document_id, entity) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			doc.ID, entity); err != nil {
			return fmt.Errorf("postgres: insert entity: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// DeleteDocument removes a document; chunks and entities cascade.
func (s *Index) DeleteDocument(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1 AND project = $2`, id, s.project); err != nil {
		return fmt.Errorf("postgres: delete document: %w", err)
	}
	return nil
}

// DocumentByHash looks up a document by (label, content_hash) in this project.
func (s *Index) DocumentByHash(ctx context.Context, label, hash string) (kiln.Document, bool, error) {
	var d kiln.Document
	var simhash int64
	var metaJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, title, label, content_hash, simhash, metadata, created_at
		 FROM documents WHERE project = $1 AND label = $2 AND content_hash = $3 LIMIT 1`,
		s.project, label, hash).
		Scan(&d.ID, &d.Title, &d.Label, &d.ContentHash, &simhash, &metaJSON, &d.IngestedAt)
	if err == pgx.ErrNoRows {
		return kiln.Document{}, false, nil
	}
	if err != nil {
		return kiln.Document{}, false, fmt.Errorf("postgres: document by hash: %w", err)
	}
	d.Simhash = uint64(simhash)
	if metaJSON != nil {
		_ = json.Unmarshal(metaJSON, &d.Metadata)
	}
	return d, true, nil
}

// Simhashes returns document id → simhash for a label in this project.
func (s *Index) Simhashes(ctx context.Context, label string) (map[string]uint64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, simhash FROM documents WHERE project = $1 AND label = $2`, s.project, label)
	if err != nil {
		return nil, fmt.Errorf("postgres: simhashes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]uint64)
	for rows.Next() {
		var id string
		var sh int64
		if err := rows.Scan(&id, &sh); err != nil {
			return nil, fmt.Errorf("postgres: scan simhash: %w", err)
		}
		out[id] = uint64(sh)
	}
	return out, rows.Err()
}

// SearchVector ranks chunks by pgvector cosine distance.
func (s *Index) SearchVector(ctx context.Context, embedding []float32, topK int) ([]kiln.ScoredChunk, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.document_id, c.chunk_index, c.content,
		        d.title, d.label, d.metadata,
		        1 - (c.embedding <=> $1::vector) AS score
		 FROM chunks c JOIN documents d ON d.id = c.document_id
		 WHERE c.project = $2 AND c.embedding IS NOT NULL
		 ORDER BY c.embedding <=> $1::vector
		 LIMIT $3`, serializeEmbedding(embedding), s.project, topK)
	if err != nil {
		return nil, fmt.Errorf("postgres: search vector: %w", err)
	}
	defer rows.Close()
	return scanScoredChunks(rows)
}

// SearchKeyword performs tsvector full-text search ranked by ts_rank.
func (s *Index) SearchKeyword(ctx context.Context, query string, topK int) ([]kiln.ScoredChunk, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.document_id, c.chunk_index, c.content,
		        d.title, d.label, d.metadata,
		        ts_rank(to_tsvector('english', c.content), plainto_tsquery('english', $1)) AS score
		 FROM chunks c JOIN documents d ON d.id = c.document_id
		 WHERE c.project = $2
		   AND to_tsvector('english', c.content) @@ plainto_tsquery('english', $1)
		 ORDER BY score DESC
		 LIMIT $3`, query, s.project, topK)
	if err != nil {
		return nil, fmt.Errorf("postgres: keyword search: %w", err)
	}
	defer rows.Close()
	return scanScoredChunks(rows)
}

// Timeline returns this project's documents in ingestion order.
func (s *Index) Timeline(ctx context.Context, since, until int64) ([]kiln.TimelineEntry, error) {
	q := `SELECT title, label, created_at FROM documents WHERE project = $1`
	args := []any{s.project}
	n := 2
	if since > 0 {
		q += ` AND created_at >= $` + strconv.Itoa(n)
		args = append(args, since)
		n++
	}
	if until > 0 {
		q += ` AND created_at <= $` + strconv.Itoa(n)
		args = append(args, until)
	}
	q += ` ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: timeline: %w", err)
	}
	defer rows.Close()

	var entries []kiln.TimelineEntry
	for rows.Next() {
		var e kiln.TimelineEntry
		if err := rows.Scan(&e.Title, &e.Label, &e.IngestedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan timeline: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats summarizes this project's slice of the shared database.
func (s *Index) Stats(ctx context.Context) (kiln.IndexStats, error) {
	var stats kiln.IndexStats
	err := s.pool.QueryRow(ctx,
		`SELECT
			(SELECT COUNT(*) FROM documents WHERE project = $1),
			(SELECT COUNT(*) FROM chunks WHERE project = $1),
			(SELECT COALESCE(SUM(length(content)), 0) FROM chunks WHERE project = $1),
			(SELECT COUNT(*) FROM doc_entities e JOIN documents d ON d.id = e.document_id WHERE d.project = $1)`,
		s.project).Scan(&stats.Documents, &stats.Chunks, &stats.SizeBytes, &stats.Entities)
	if err != nil {
		return stats, fmt.Errorf("postgres: stats: %w", err)
	}

	stats.Labels = map[string]int{}
	rows, err := s.pool.Query(ctx, `SELECT label, COUNT(*) FROM documents WHERE project = $1 GROUP BY label`, s.project)
	if err != nil {
		return stats, fmt.Errorf("postgres: label breakdown: %w", err)
	}
	for rows.Next() {
		var label string
		var n int
		if err := rows.Scan(&label, &n); err != nil {
			rows.Close()
			return stats, fmt.Errorf("postgres: scan label: %w", err)
		}
		stats.Labels[label] = n
	}
	rows.Close()

	stats.Threads = map[string]int{}
	rows, err = s.pool.Query(ctx, `SELECT thread, COUNT(*) FROM documents WHERE project = $1 AND thread IS NOT NULL GROUP BY thread`, s.project)
	if err != nil {
		return stats, fmt.Errorf("postgres: thread breakdown: %w", err)
	}
	for rows.Next() {
		var thread string
		var n int
		if err := rows.Scan(&thread, &n); err != nil {
			rows.Close()
			return stats, fmt.Errorf("postgres: scan thread: %w", err)
		}
		stats.Threads[thread] = n
	}
	rows.Close()

	return stats, nil
}

// Close is a no-op: the pool is externally owned.
func (s *Index) Close() error { return nil }

// Destroy deletes this project's rows; the shared schema stays.
func (s *Index) Destroy() error {
	ctx := context.Background()
	if _, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE project = $1`, s.project); err != nil {
		return fmt.Errorf("postgres: destroy: %w", err)
	}
	return nil
}

// --- helpers ---

func scanScoredChunks(rows pgx.Rows) ([]kiln.ScoredChunk, error) {
	var results []kiln.ScoredChunk
	for rows.Next() {
		var sc kiln.ScoredChunk
		var metaJSON []byte
		if err := rows.Scan(&sc.ID, &sc.DocumentID, &sc.Index, &sc.Content,
			&sc.DocTitle, &sc.DocLabel, &metaJSON, &sc.Score); err != nil {
			return nil, fmt.Errorf("postgres: scan chunk: %w", err)
		}
		if metaJSON != nil {
			_ = json.Unmarshal(metaJSON, &sc.DocMeta)
		}
		results = append(results, sc)
	}
	return results, rows.Err()
}

// serializeEmbedding renders the pgvector literal form: [0.1,0.2,...].
func serializeEmbedding(emb []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, v := range emb {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}

// extractEntities mirrors the sqlite backend's coarse keyword index.
func extractEntities(chunks []kiln.Chunk) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range chunks {
		for _, tok := range strings.Fields(c.Content) {
			tok = strings.Trim(tok, ".,;:!?()[]{}<>\"'`*#")
			if len(tok) < 3 || len(tok) > 64 {
				continue
			}
			first := tok[0]
			isUpper := first >= 'A' && first <= 'Z'
			isIdent := strings.ContainsAny(tok, "_.") && !strings.Contains(tok, "/")
			if !isUpper && !isIdent {
				continue
			}
			key := strings.ToLower(tok)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, tok)
			if len(out) >= 256 {
				return out
			}
		}
	}
	return out
}
