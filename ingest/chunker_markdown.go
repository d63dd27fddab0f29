package ingest

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var _ Chunker = (*MarkdownChunker)(nil)

// MarkdownChunker splits text at markdown heading boundaries, using the
// goldmark AST rather than line regexes so fenced code blocks containing
// "#" lines never create false boundaries.
//
// Strategy:
//  1. Parse and collect section start offsets at each heading (levels 1-6);
//     content before the first heading is its own preamble section.
//  2. Merge neighboring small sections up to the target size.
//  3. Sections beyond the hard cap fall back to RecursiveChunker.
type MarkdownChunker struct {
	targetBytes int
	maxBytes    int
	parser      goldmark.Markdown
	fallback    *RecursiveChunker
}

// NewMarkdownChunker creates a MarkdownChunker with the given options.
func NewMarkdownChunker(opts ...ChunkerOption) *MarkdownChunker {
	cfg := defaultChunkerConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &MarkdownChunker{
		targetBytes: cfg.targetBytes,
		maxBytes:    cfg.maxBytes,
		parser:      goldmark.New(),
		fallback:    NewRecursiveChunker(opts...),
	}
}

// Chunk splits markdown text into chunks respecting heading boundaries.
func (mc *MarkdownChunker) Chunk(input string) []string {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil
	}
	if len(input) <= mc.targetBytes {
		return []string{input}
	}

	sections := mc.splitSections(input)
	return mc.mergeSections(sections)
}

// splitSections returns the document cut at heading start offsets.
func (mc *MarkdownChunker) splitSections(input string) []string {
	src := []byte(input)
	doc := mc.parser.Parser().Parse(text.NewReader(src))

	var starts []int
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		h, ok := n.(*ast.Heading)
		if !ok || h.Lines().Len() == 0 {
			continue
		}
		// Lines() starts after the "#" markers; rewind to the line start.
		start := h.Lines().At(0).Start
		for start > 0 && src[start-1] != '\n' {
			start--
		}
		starts = append(starts, start)
	}
	if len(starts) == 0 {
		return []string{input}
	}

	var sections []string
	if starts[0] > 0 {
		if pre := strings.TrimSpace(input[:starts[0]]); pre != "" {
			sections = append(sections, pre)
		}
	}
	for i, start := range starts {
		end := len(input)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		if sec := strings.TrimSpace(input[start:end]); sec != "" {
			sections = append(sections, sec)
		}
	}
	return sections
}

// mergeSections merges small neighbors up to the target and splits sections
// beyond the hard cap.
func (mc *MarkdownChunker) mergeSections(sections []string) []string {
	var chunks []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}

	for _, section := range sections {
		if len(section) > mc.maxBytes {
			flush()
			chunks = append(chunks, mc.fallback.Chunk(section)...)
			continue
		}

		needed := len(section)
		if current.Len() > 0 {
			needed += current.Len() + 2 // "\n\n" separator
		}
		if needed > mc.targetBytes {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(section)
	}
	flush()
	return chunks
}
