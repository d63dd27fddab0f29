package fetch

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// LooksLikeMarkdown decides whether a response body is plausibly markdown
// rather than raw HTML or an error page. The goldmark AST is inspected for
// structural nodes; prose with no structure at all still passes when it
// carries no HTML skeleton, since plain text is valid markdown.
func LooksLikeMarkdown(body string) bool {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return false
	}
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "<!doctype") || strings.HasPrefix(lower, "<html") {
		return false
	}
	if strings.Contains(lower, "<body") || strings.Contains(lower, "<head>") {
		return false
	}

	src := []byte(trimmed)
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var headings, fences, lists, htmlBlocks int
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n.(type) {
		case *ast.Heading:
			headings++
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			fences++
		case *ast.List:
			lists++
		case *ast.HTMLBlock, *ast.RawHTML:
			htmlBlocks++
		}
		return ast.WalkContinue, nil
	})

	if headings > 0 || fences > 0 || lists > 0 {
		return htmlBlocks <= headings+fences+lists
	}
	// Unstructured text: accept unless it leans on inline HTML.
	return htmlBlocks == 0
}
