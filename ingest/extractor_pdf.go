package ingest

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
)

var _ Extractor = (*PDFExtractor)(nil)

// PDFExtractor extracts plain text from PDF documents, page by page.
type PDFExtractor struct{}

func (PDFExtractor) Extract(content []byte) (string, error) {
	if len(content) == 0 {
		return "", fmt.Errorf("empty PDF content")
	}
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	var text strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := pdfPageText(page)
		if err != nil || pageText == "" {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		text.WriteString(pageText)
	}
	return strings.TrimSpace(text.String()), nil
}

// pdfPageText reconstructs reading order from positioned glyph runs:
// sort by Y descending (PDF origin is bottom-left), then X ascending.
func pdfPageText(page pdf.Page) (text string, err error) {
	// The pdf library panics on malformed content streams.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf page: %v", r)
		}
	}()

	content := page.Content()
	if len(content.Text) == 0 {
		return "", nil
	}

	texts := make([]pdf.Text, len(content.Text))
	copy(texts, content.Text)
	sort.SliceStable(texts, func(i, j int) bool {
		if texts[i].Y != texts[j].Y {
			return texts[i].Y > texts[j].Y
		}
		return texts[i].X < texts[j].X
	})

	var sb strings.Builder
	lastY := texts[0].Y
	for _, t := range texts {
		if t.Y != lastY {
			sb.WriteString("\n")
			lastY = t.Y
		}
		sb.WriteString(t.S)
	}
	return strings.TrimSpace(sb.String()), nil
}
