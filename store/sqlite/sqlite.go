// Package sqlite implements kiln.Index as a single file per project using
// pure-Go SQLite. Lexical search uses an FTS5 virtual table; vector search
// is in-process brute-force cosine over JSON-stored embeddings. Zero CGO.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/kilnhq/kiln"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// IndexOption configures a SQLite Index.
type IndexOption func(*Index)

// WithLogger sets a structured logger for the index. When set, the index
// emits debug logs for every operation including timing and row counts.
func WithLogger(l *slog.Logger) IndexOption {
	return func(s *Index) { s.logger = l }
}

// Index implements kiln.Index backed by a local SQLite file.
type Index struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

var _ kiln.Index = (*Index)(nil)

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates an Index stored at dbPath. A single shared connection
// (SetMaxOpenConns(1)) serializes all writers through one connection,
// eliminating SQLITE_BUSY errors; readers share it with the writer.
func New(dbPath string, opts ...IndexOption) *Index {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Index{db: db, path: dbPath, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: index opened", "path", dbPath)
	return s
}

// Init creates the schema and enables the write-ahead log so every ingest
// commits incrementally without rewriting the file.
func (s *Index) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")

	if _, err := s.db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("enable wal: %w", err)
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			label TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			simhash TEXT NOT NULL DEFAULT '0',
			thread TEXT,
			metadata TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			content TEXT NOT NULL,
			embedding TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS doc_entities (
			document_id TEXT NOT NULL,
			entity TEXT NOT NULL,
			PRIMARY KEY (document_id, entity)
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
			chunk_id UNINDEXED, content
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_label_hash ON documents(label, content_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_created ON documents(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Migrations for files created by older versions (best-effort).
	_, _ = s.db.ExecContext(ctx, "ALTER TABLE documents ADD COLUMN thread TEXT")
	_, _ = s.db.ExecContext(ctx, "ALTER TABLE documents ADD COLUMN simhash TEXT NOT NULL DEFAULT '0'")

	s.logger.Debug("sqlite: init ok", "duration", time.Since(start))
	return nil
}

// StoreDocument writes a document, its chunks, FTS rows, and entity rows in
// one transaction. A re-ingest of an existing id replaces all chunk rows.
func (s *Index) StoreDocument(ctx context.Context, doc kiln.Document, chunks []kiln.Chunk) error {
	start := time.Now()
	s.logger.Debug("sqlite: store document", "id", doc.ID, "title", doc.Title, "label", doc.Label, "chunks", len(chunks))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var metaJSON *string
	if doc.Metadata != nil {
		data, _ := json.Marshal(doc.Metadata)
		v := string(data)
		metaJSON = &v
	}
	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO documents (id, title, label, content_hash, simhash, thread, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Title, doc.Label, doc.ContentHash,
		fmt.Sprintf("%d", doc.Simhash), nullable(doc.Metadata["thread"]), metaJSON, doc.IngestedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: insert document failed", "id", doc.ID, "err", err)
		return fmt.Errorf("insert document: %w", err)
	}

	// Replace prior chunk rows so a re-ingest never leaves stale chunks.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks_fts WHERE chunk_id IN (SELECT id FROM chunks WHERE document_id = ?)`, doc.ID); err != nil {
		return fmt.Errorf("clear fts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, doc.ID); err != nil {
		return fmt.Errorf("clear chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM doc_entities WHERE document_id = ?`, doc.ID); err != nil {
		return fmt.Errorf("clear entities: %w", err)
	}

	for _, chunk := range chunks {
		var embJSON *string
		if len(chunk.Embedding) > 0 {
			v := serializeEmbedding(chunk.Embedding)
			embJSON = &v
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO chunks (id, document_id, chunk_index, content, embedding)
			 VALUES (?, ?, ?, ?, ?)`,
			chunk.ID, chunk.DocumentID, chunk.Index, chunk.Content, embJSON,
		)
		if err != nil {
			s.logger.Error("sqlite: insert chunk failed", "chunk_id", chunk.ID, "doc_id", doc.ID, "err", err)
			return fmt.Errorf("insert chunk: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO chunks_fts(chunk_id, content) VALUES (?, ?)`, chunk.ID, chunk.Content); err != nil {
			return fmt.Errorf("insert chunk fts: %w", err)
		}
	}

	for _, entity := range extractEntities(chunks) {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO doc_entities(document_id, entity) VALUES (?, ?)`, doc.ID, entity); err != nil {
			return fmt.Errorf("insert entity: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error("sqlite: store document commit failed", "id", doc.ID, "err", err)
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: store document ok", "id", doc.ID, "chunks", len(chunks), "duration", time.Since(start))
	return nil
}

// DeleteDocument removes a document, its chunks, FTS rows, and entities.
func (s *Index) DeleteDocument(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks_fts WHERE chunk_id IN (SELECT id FROM chunks WHERE document_id = ?)`, id); err != nil {
		return fmt.Errorf("delete document fts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, id); err != nil {
		return fmt.Errorf("delete document chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM doc_entities WHERE document_id = ?`, id); err != nil {
		return fmt.Errorf("delete document entities: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return tx.Commit()
}

// DocumentByHash looks up a document by (label, content_hash).
func (s *Index) DocumentByHash(ctx context.Context, label, hash string) (kiln.Document, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, label, content_hash, simhash, metadata, created_at
		 FROM documents WHERE label = ? AND content_hash = ? LIMIT 1`, label, hash)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return kiln.Document{}, false, nil
	}
	if err != nil {
		return kiln.Document{}, false, fmt.Errorf("document by hash: %w", err)
	}
	return doc, true, nil
}

// Simhashes returns document id → simhash for all documents in a label.
func (s *Index) Simhashes(ctx context.Context, label string) (map[string]uint64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, simhash FROM documents WHERE label = ?`, label)
	if err != nil {
		return nil, fmt.Errorf("simhashes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]uint64)
	for rows.Next() {
		var id, sh string
		if err := rows.Scan(&id, &sh); err != nil {
			return nil, fmt.Errorf("scan simhash: %w", err)
		}
		var v uint64
		fmt.Sscanf(sh, "%d", &v)
		out[id] = v
	}
	return out, rows.Err()
}

// SearchVector scans all embedded chunks and ranks by cosine similarity.
// Brute force is adequate at per-project scale (thousands of chunks).
func (s *Index) SearchVector(ctx context.Context, embedding []float32, topK int) ([]kiln.ScoredChunk, error) {
	start := time.Now()
	s.logger.Debug("sqlite: search vector", "top_k", topK, "dim", len(embedding))

	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.document_id, c.chunk_index, c.content, c.embedding,
		        d.title, d.label, d.metadata
		 FROM chunks c JOIN documents d ON d.id = c.document_id
		 WHERE c.embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("search vector: %w", err)
	}
	defer rows.Close()

	var results []kiln.ScoredChunk
	scanned := 0
	for rows.Next() {
		sc, embJSON, err := scanScoredChunk(rows, true)
		if err != nil {
			return nil, err
		}
		scanned++
		stored, err := deserializeEmbedding(embJSON)
		if err != nil {
			continue
		}
		sc.Score = cosineSimilarity(embedding, stored)
		results = append(results, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	s.logger.Debug("sqlite: search vector ok", "scanned", scanned, "returned", len(results), "duration", time.Since(start))
	return results, nil
}

// SearchKeyword performs FTS5 full-text search ordered by BM25 rank.
func (s *Index) SearchKeyword(ctx context.Context, query string, topK int) ([]kiln.ScoredChunk, error) {
	start := time.Now()
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	s.logger.Debug("sqlite: search keyword", "query", query, "top_k", topK)

	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.document_id, c.chunk_index, c.content,
		        d.title, d.label, d.metadata, f.rank
		 FROM chunks_fts f
		 JOIN chunks c ON c.id = f.chunk_id
		 JOIN documents d ON d.id = c.document_id
		 WHERE chunks_fts MATCH ?
		 ORDER BY f.rank LIMIT ?`, match, topK)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	var results []kiln.ScoredChunk
	for rows.Next() {
		var sc kiln.ScoredChunk
		var metaJSON sql.NullString
		var rank float64
		if err := rows.Scan(&sc.ID, &sc.DocumentID, &sc.Index, &sc.Content,
			&sc.DocTitle, &sc.DocLabel, &metaJSON, &rank); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if metaJSON.Valid {
			_ = json.Unmarshal([]byte(metaJSON.String), &sc.DocMeta)
		}
		// FTS5 rank is negative (closer to 0 = better). Use -rank, clamped.
		score := float32(-rank)
		if score < 0 {
			score = 0
		}
		sc.Score = score
		results = append(results, sc)
	}
	s.logger.Debug("sqlite: search keyword ok", "returned", len(results), "duration", time.Since(start))
	return results, rows.Err()
}

// Timeline returns documents ordered by ingestion time. Files created before
// the timeline view existed report unavailable so callers can degrade.
func (s *Index) Timeline(ctx context.Context, since, until int64) ([]kiln.TimelineEntry, error) {
	q := `SELECT title, label, created_at FROM documents WHERE 1=1`
	var args []any
	if since > 0 {
		q += ` AND created_at >= ?`
		args = append(args, since)
	}
	if until > 0 {
		q += ` AND created_at <= ?`
		args = append(args, until)
	}
	q += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		if strings.Contains(err.Error(), "no such column") {
			return nil, kiln.E(kiln.KindUnavailable, "timeline view is not present in this index file")
		}
		return nil, fmt.Errorf("timeline: %w", err)
	}
	defer rows.Close()

	var entries []kiln.TimelineEntry
	for rows.Next() {
		var e kiln.TimelineEntry
		if err := rows.Scan(&e.Title, &e.Label, &e.IngestedAt); err != nil {
			return nil, fmt.Errorf("scan timeline: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats summarizes the index, including on-disk size of the file and its WAL.
func (s *Index) Stats(ctx context.Context) (kiln.IndexStats, error) {
	var stats kiln.IndexStats

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&stats.Documents); err != nil {
		return stats, fmt.Errorf("count documents: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&stats.Chunks); err != nil {
		return stats, fmt.Errorf("count chunks: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM doc_entities`).Scan(&stats.Entities); err != nil {
		return stats, fmt.Errorf("count entities: %w", err)
	}

	stats.Labels = map[string]int{}
	rows, err := s.db.QueryContext(ctx, `SELECT label, COUNT(*) FROM documents GROUP BY label`)
	if err != nil {
		return stats, fmt.Errorf("label breakdown: %w", err)
	}
	for rows.Next() {
		var label string
		var n int
		if err := rows.Scan(&label, &n); err != nil {
			rows.Close()
			return stats, fmt.Errorf("scan label: %w", err)
		}
		stats.Labels[label] = n
	}
	rows.Close()

	stats.Threads = map[string]int{}
	rows, err = s.db.QueryContext(ctx, `SELECT thread, COUNT(*) FROM documents WHERE thread IS NOT NULL GROUP BY thread`)
	if err == nil {
		for rows.Next() {
			var thread string
			var n int
			if err := rows.Scan(&thread, &n); err != nil {
				rows.Close()
				return stats, fmt.Errorf("scan thread: %w", err)
			}
			stats.Threads[thread] = n
		}
		rows.Close()
	}

	for _, suffix := range []string{"", "-wal", "-shm"} {
		if fi, err := os.Stat(s.path + suffix); err == nil {
			stats.SizeBytes += fi.Size()
		}
	}
	return stats, nil
}

// Close releases the connection pool.
func (s *Index) Close() error {
	s.logger.Debug("sqlite: index closed", "path", s.path)
	return s.db.Close()
}

// Destroy closes the index and removes the database file and its WAL siblings.
func (s *Index) Destroy() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close before destroy: %w", err)
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(s.path + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", s.path+suffix, err)
		}
	}
	s.logger.Debug("sqlite: index destroyed", "path", s.path)
	return nil
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (kiln.Document, error) {
	var d kiln.Document
	var sh string
	var metaJSON sql.NullString
	if err := row.Scan(&d.ID, &d.Title, &d.Label, &d.ContentHash, &sh, &metaJSON, &d.IngestedAt); err != nil {
		return d, err
	}
	fmt.Sscanf(sh, "%d", &d.Simhash)
	if metaJSON.Valid {
		_ = json.Unmarshal([]byte(metaJSON.String), &d.Metadata)
	}
	return d, nil
}

func scanScoredChunk(rows *sql.Rows, withEmbedding bool) (kiln.ScoredChunk, string, error) {
	var sc kiln.ScoredChunk
	var embJSON string
	var metaJSON sql.NullString
	var err error
	if withEmbedding {
		err = rows.Scan(&sc.ID, &sc.DocumentID, &sc.Index, &sc.Content, &embJSON,
			&sc.DocTitle, &sc.DocLabel, &metaJSON)
	} else {
		err = rows.Scan(&sc.ID, &sc.DocumentID, &sc.Index, &sc.Content,
			&sc.DocTitle, &sc.DocLabel, &metaJSON)
	}
	if err != nil {
		return sc, "", fmt.Errorf("scan chunk: %w", err)
	}
	if metaJSON.Valid {
		_ = json.Unmarshal([]byte(metaJSON.String), &sc.DocMeta)
	}
	return sc, embJSON, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// ftsQuery quotes each query token so FTS5 operators and punctuation in
// user queries cannot break the MATCH expression. Tokens combine with OR.
func ftsQuery(query string) string {
	fields := strings.FieldsFunc(query, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r > 127)
	})
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = `"` + f + `"`
	}
	return strings.Join(quoted, " OR ")
}

func serializeEmbedding(emb []float32) string {
	data, _ := json.Marshal(emb)
	return string(data)
}

func deserializeEmbedding(s string) ([]float32, error) {
	var emb []float32
	if err := json.Unmarshal([]byte(s), &emb); err != nil {
		return nil, err
	}
	return emb, nil
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// entityMinLen filters trivial tokens from the coarse entity index.
const entityMinLen = 3

// extractEntities builds the coarse keyword index: capitalized words and
// code-like identifiers that occur in the chunk text, deduplicated.
func extractEntities(chunks []kiln.Chunk) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range chunks {
		for _, tok := range strings.Fields(c.Content) {
			tok = strings.Trim(tok, ".,;:!?()[]{}<>\"'`*#")
			if len(tok) < entityMinLen || len(tok) > 64 {
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
