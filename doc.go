// Package kiln is a tool-serving bridge between agentic coding clients and
// three host-owned capabilities: a stateful remote code kernel, a per-project
// hybrid-search knowledge index, and bounded sub-agent reasoning loops.
//
// The host process speaks the Model Context Protocol over stdio (see the mcp
// package and cmd/kiln) and owns everything behind the tool surface:
//
//   - kernel: typed HTTP client, lifecycle manager (subprocess or container
//     tier), and session snapshotter for the external code kernel
//   - knowledge: per-project persistent index with lexical, vector, and
//     hybrid retrieval (store/sqlite by default, store/postgres optional)
//   - fetch: three-tier markdown acquisition (negotiated, proxy, local HTML
//     conversion) with a raw-document cache and freshness window
//   - research: compound discover-fetch-ingest operation over a pluggable
//     documentation resolver
//   - subagent: bounded loop alternating main-model turns and kernel
//     executions against a named signature registry
//   - callback: loopback HTTP endpoint the kernel calls to reach the
//     sub-language-model and a whitelist of host tools
//
// # Core Contracts
//
// The root package defines the shared vocabulary:
//
//   - [Error] and [KindOf]: the normalized error model every tool result
//     is classified through
//   - [Index]: the persistence contract implemented by store/sqlite and
//     store/postgres
//   - [Provider] and [EmbeddingProvider]: LLM and embedding backends
//   - [FuseRanks] and [RerankHits]: reciprocal-rank fusion and the
//     heuristic re-ranking stage used by hybrid search
//
// Knowledge content fetched or searched through these tools never enters the
// client's conversational context: search hits flow back through the tool
// result, and sandbox-originated calls flow through the callback server only.
package kiln
