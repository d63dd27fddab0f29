// Package docs embeds the usage documentation served to clients as MCP
// resources.
package docs

import (
	_ "embed"

	"github.com/kilnhq/kiln/mcp"
)

//go:embed tools.md
var toolsMD string

//go:embed knowledge.md
var knowledgeMD string

//go:embed kernel.md
var kernelMD string

// Resources returns the embedded docs as MCP resources.
func Resources() []mcp.Resource {
	return []mcp.Resource{
		{
			URI:         "kiln://docs/tools",
			Name:        "Tool reference",
			Description: "Every kiln tool, its arguments, and its result shape.",
			MimeType:    "text/markdown",
			Read:        func() string { return toolsMD },
		},
		{
			URI:         "kiln://docs/knowledge",
			Name:        "Knowledge pipeline",
			Description: "How fetch, ingest, search, and ask fit together.",
			MimeType:    "text/markdown",
			Read:        func() string { return knowledgeMD },
		},
		{
			URI:         "kiln://docs/kernel",
			Name:        "Kernel and sub-agents",
			Description: "The stateful python kernel, callbacks, and bounded sub-agent loops.",
			MimeType:    "text/markdown",
			Read:        func() string { return kernelMD },
		},
	}
}
