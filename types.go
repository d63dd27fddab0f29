package kiln

// --- Domain types (index records) ---

// Document is an ingested unit of text. Title is the logical name (a URL or
// identifier), Label a coarse bucket (source type or library name).
// ContentHash is a sha256 over NFKC-normalized text; Simhash supports
// near-duplicate reporting within a label.
type Document struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Label       string            `json:"label"`
	ContentHash string            `json:"content_hash"`
	Simhash     uint64            `json:"simhash"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	IngestedAt  int64             `json:"ingested_at"`
}

// Chunk is the unit of retrieval: a bounded slice of a document produced by
// the markdown chunker. Index is the chunk's position within its document.
type Chunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Index      int       `json:"index"`
	Content    string    `json:"content"`
	Embedding  []float32 `json:"-"`
}

// ScoredChunk is a chunk returned from a search, joined with its document.
type ScoredChunk struct {
	Chunk
	Score    float32           `json:"score"`
	DocTitle string            `json:"doc_title"`
	DocLabel string            `json:"doc_label"`
	DocMeta  map[string]string `json:"doc_meta,omitempty"`
}

// Hit is the tool-facing search result shape.
type Hit struct {
	Title      string            `json:"title"`
	Label      string            `json:"label"`
	Text       string            `json:"text"`
	Score      float32           `json:"score"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	ChunkIndex int               `json:"chunk_index"`
}

// IndexStats summarizes a project's index.
type IndexStats struct {
	Documents int64          `json:"doc_count"`
	Chunks    int64          `json:"chunk_count"`
	SizeBytes int64          `json:"size_bytes"`
	Labels    map[string]int `json:"labels,omitempty"`
	Threads   map[string]int `json:"threads,omitempty"`
	Entities  int64          `json:"entities"`
}

// TimelineEntry is one document in ingestion order.
type TimelineEntry struct {
	Title      string `json:"title"`
	Label      string `json:"label"`
	IngestedAt int64  `json:"ingested_at"`
}

// --- LLM protocol types ---

type ChatMessage struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

type ChatRequest struct {
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type ChatResponse struct {
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
	Usage   Usage  `json:"usage"`
}

// Usage counts tokens for one call, or for an accumulated span when Calls
// is set. Providers leave Calls zero; ledger diffs fill it in.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	Calls        int `json:"calls,omitempty"`
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}
