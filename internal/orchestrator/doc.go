// Package orchestrator runs the agent graph that turns an indexed repository
// into SDE and PM documentation.
//
// The graph is a fixed set of nodes executed as supersteps:
//
//	route -> structure -> web_research -> human_input -> {sde_writer, pm_writer} -> join
//
// route picks the writer branches from the selected personas. structure mines
// stored chunks, files and repository metadata (plus a Python tree-sitter walk
// and a go/ast walk over sources on disk) for routes, entry points and data
// models. web_research fills knowledge gaps through an optional Searcher.
// human_input suspends the graph when user context arrived while agents were
// running; the driver resumes it with the latest instruction. The writers run
// concurrently and fall back to templated summaries when no LLM is available.
//
// State and the pending node frontier are checkpointed as JSON after every
// node, keyed by analysis id, so a restarted run continues where it stopped
// and a completed run returns its stored result without executing anything.
package orchestrator
