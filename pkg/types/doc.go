// Package types provides shared type definitions for codeatlas.
//
// The types here are used across the extractor, pipeline, job state machine,
// orchestrator and search components.
//
// # Units
//
// Unit is a named semantic unit (function, class, method or module) cut out of a
// single source file, with a 1-based inclusive line range:
//
//	unit := types.Unit{
//	    Name:      "ParseFile",
//	    Kind:      types.KindFunction,
//	    StartLine: 10,
//	    EndLine:   42,
//	}
//
// Roles are naming-convention tags (repository, entity, handler...) that the
// structure stage uses as data-model and handler hints.
//
// # Analysis lifecycle
//
// Status and Stage describe where an analysis is. Status values follow
//
//	pending -> preprocessing -> analyzing -> completed | failed | cancelled
//
// with paused reachable from preprocessing and analyzing. Terminal statuses never
// transition again.
//
// # Search
//
// SearchResult and Citation carry similarity-ranked chunks back to callers. Scores
// are inner products of normalised vectors, so they approximate cosine similarity.
package types
