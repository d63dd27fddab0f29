package ingest

import "strings"

// Chunker splits text into chunks suitable for embedding and retrieval.
type Chunker interface {
	Chunk(text string) []string
}

// ChunkerOption configures a chunker implementation.
type ChunkerOption func(*chunkerConfig)

type chunkerConfig struct {
	targetBytes int
	maxBytes    int
}

func defaultChunkerConfig() chunkerConfig {
	// Chunks aim for ~3 KiB so a single large document does not dominate
	// search; hard cap at 4 KiB.
	return chunkerConfig{targetBytes: 3000, maxBytes: 4096}
}

// WithTargetBytes sets the preferred chunk size. Neighboring sections are
// merged up to this size. Default: 3000.
func WithTargetBytes(n int) ChunkerOption {
	return func(c *chunkerConfig) { c.targetBytes = n }
}

// WithMaxBytes sets the hard chunk size limit. Sections larger than this
// are split by the recursive fallback. Default: 4096.
func WithMaxBytes(n int) ChunkerOption {
	return func(c *chunkerConfig) { c.maxBytes = n }
}

// --- RecursiveChunker ---

// RecursiveChunker splits text by paragraphs, then sentences, then rune
// windows. It is the fallback for sections with no markdown structure.
type RecursiveChunker struct {
	maxBytes int
}

var _ Chunker = (*RecursiveChunker)(nil)

// NewRecursiveChunker creates a RecursiveChunker with the given options.
func NewRecursiveChunker(opts ...ChunkerOption) *RecursiveChunker {
	cfg := defaultChunkerConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &RecursiveChunker{maxBytes: cfg.maxBytes}
}

// Chunk splits text into chunks no larger than maxBytes.
func (rc *RecursiveChunker) Chunk(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= rc.maxBytes {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder
	for _, seg := range splitRecursive(text, rc.maxBytes) {
		sep := 0
		if current.Len() > 0 {
			sep = 2
		}
		if current.Len()+sep+len(seg) > rc.maxBytes {
			if current.Len() > 0 {
				chunks = append(chunks, current.String())
				current.Reset()
			}
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(seg)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

// splitRecursive breaks text into segments no larger than maxBytes:
// paragraphs first, then sentences, then rune windows as a last resort.
func splitRecursive(text string, maxBytes int) []string {
	var segs []string
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if len(para) <= maxBytes {
			segs = append(segs, para)
			continue
		}
		for _, sent := range splitSentences(para) {
			if len(sent) <= maxBytes {
				segs = append(segs, sent)
				continue
			}
			segs = append(segs, splitRunes(sent, maxBytes)...)
		}
	}
	return segs
}

// splitSentences splits on sentence-ending punctuation followed by a space.
// CJK sentence enders split without requiring a trailing space.
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder
	runes := []rune(text)
	for i, r := range runes {
		current.WriteRune(r)
		switch r {
		case '.', '!', '?':
			if i+1 < len(runes) && runes[i+1] == ' ' {
				sentences = append(sentences, strings.TrimSpace(current.String()))
				current.Reset()
			}
		case '。', '！', '？':
			sentences = append(sentences, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// splitRunes hard-splits at rune boundaries, never mid-codepoint.
func splitRunes(text string, maxBytes int) []string {
	var out []string
	var current strings.Builder
	for _, r := range text {
		if current.Len()+len(string(r)) > maxBytes {
			out = append(out, current.String())
			current.Reset()
		}
		current.WriteRune(r)
	}
	if current.Len() > 0 {
		out = append(out, current.String())
	}
	return out
}
