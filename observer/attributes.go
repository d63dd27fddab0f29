package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for kiln spans and metrics.
var (
	AttrToolName         = attribute.Key("tool.name")
	AttrToolStatus       = attribute.Key("tool.status")
	AttrToolResultLength = attribute.Key("tool.result_length")

	AttrKernelTier = attribute.Key("kernel.tier")

	AttrFetchSource = attribute.Key("fetch.source")
	AttrSearchMode  = attribute.Key("search.mode")
	AttrProjectID   = attribute.Key("project.id")

	AttrModel          = attribute.Key("llm.model")
	AttrTokenDirection = attribute.Key("llm.token.direction")

	AttrSignature      = attribute.Key("subagent.signature")
	AttrCallbackRoute  = attribute.Key("callback.route")
	AttrCallbackStatus = attribute.Key("callback.status")
)
