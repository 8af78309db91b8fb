// Package searcher answers natural language queries over indexed chunks.
//
// Search embeds the query, ranks stored vectors by inner product and keeps
// hits at or above the request threshold:
//
//	s := searcher.New(store, emb, logger)
//	resp, err := s.Search(ctx, searcher.Request{
//	    ProjectID: projectID,
//	    Query:     "where are passwords hashed",
//	})
//	for _, r := range resp.Results {
//	    fmt.Printf("[%d] %s %s:%d (%.2f, %s)\n",
//	        r.Rank, r.Name, r.FilePath, r.StartLine, r.Score, r.Confidence)
//	}
//
// Scores of 0.8 and above are reported with high confidence, the rest with
// medium. Query vectors are kept in an LRU keyed by provider, model and
// query text.
//
// When no embedder is configured, or the query cannot be embedded, Search
// falls back to FTS5 BM25 keyword matching and marks every hit low
// confidence. Response.Mode tells the two apart.
//
// Answer retrieves the five closest chunks at a 0.25 threshold and asks an
// llm.Client to answer from those snippets only. Citations are returned
// even when the model is unavailable.
package searcher
