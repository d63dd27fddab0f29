// Package ingest converts raw content into plain text and splits it into
// retrieval-sized chunks for the knowledge index.
package ingest

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Extractor converts raw content to text suitable for chunking.
type Extractor interface {
	Extract(content []byte) (string, error)
}

// ForExtension returns the extractor for a file extension (without the dot).
// Unknown extensions fall back to plain text.
func ForExtension(ext string) Extractor {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "md", "markdown":
		return MarkdownExtractor{}
	case "html", "htm":
		return HTMLExtractor{}
	case "csv":
		return CSVExtractor{}
	case "json":
		return JSONExtractor{}
	case "pdf":
		return PDFExtractor{}
	case "docx":
		return DOCXExtractor{}
	default:
		return PlainTextExtractor{}
	}
}

// --- Built-in extractors ---

// PlainTextExtractor returns content as-is.
type PlainTextExtractor struct{}

func (PlainTextExtractor) Extract(content []byte) (string, error) {
	return string(content), nil
}

// MarkdownExtractor passes markdown through untouched; the chunker
// understands its structure directly.
type MarkdownExtractor struct{}

func (MarkdownExtractor) Extract(content []byte) (string, error) {
	return string(content), nil
}

var (
	htmlScriptRe = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	htmlTagRe    = regexp.MustCompile(`<[^>]*>`)
	blankLinesRe = regexp.MustCompile(`\n{3,}`)
)

// HTMLExtractor strips tags, scripts, and styles, keeping text content.
// The fetcher does full HTML→markdown conversion; this lighter path serves
// local files loaded through load_dir.
type HTMLExtractor struct{}

func (HTMLExtractor) Extract(content []byte) (string, error) {
	text := htmlScriptRe.ReplaceAllString(string(content), "")
	text = htmlTagRe.ReplaceAllString(text, " ")
	text = strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'", "&nbsp;", " ").Replace(text)
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.Join(strings.Fields(l), " ")
	}
	text = strings.Join(lines, "\n")
	return strings.TrimSpace(blankLinesRe.ReplaceAllString(text, "\n\n")), nil
}

// csvWindowRows is the number of data rows grouped into one text block, so
// wide CSVs chunk along row boundaries rather than mid-record.
const csvWindowRows = 20

// CSVExtractor renders rows as "header: value" records in windows.
type CSVExtractor struct{}

func (CSVExtractor) Extract(content []byte) (string, error) {
	r := csv.NewReader(bytes.NewReader(content))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return "", fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return "", nil
	}

	header := records[0]
	var out strings.Builder
	for i, row := range records[1:] {
		if i > 0 && i%csvWindowRows == 0 {
			out.WriteString("\n")
		}
		for j, field := range row {
			name := fmt.Sprintf("col%d", j+1)
			if j < len(header) && header[j] != "" {
				name = header[j]
			}
			fmt.Fprintf(&out, "%s: %s", name, field)
			if j < len(row)-1 {
				out.WriteString(" | ")
			}
		}
		out.WriteString("\n")
	}
	return strings.TrimSpace(out.String()), nil
}

// JSONExtractor pretty-prints JSON so keys and values land on separate
// lines and chunk boundaries fall between fields.
type JSONExtractor struct{}

func (JSONExtractor) Extract(content []byte) (string, error) {
	var v any
	if err := json.Unmarshal(content, &v); err != nil {
		return "", fmt.Errorf("parse json: %w", err)
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("format json: %w", err)
	}
	return string(pretty), nil
}
