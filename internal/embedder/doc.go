// Package embedder generates vector embeddings for code chunks and feeds them
// to storage in bounded windows.
//
// # Providers
//
// OpenAI and Jina are reached over their /v1/embeddings HTTP APIs, Ollama
// through its Go client, and the local provider derives deterministic vectors
// from a hash for offline runs and tests. Every provider shares a content-hash
// LRU cache, so re-embedding unchanged text is free.
//
//	emb, err := embedder.New(embedder.Config{OpenAIKey: key})
//	if errors.Is(err, embedder.ErrNoProviderEnabled) {
//	    // run without embeddings
//	}
//
// # Batching
//
// A Batcher collects the chunks of processed files into a window and embeds
// the window once it holds FilesPerWindow files or MaxChunksPerWindow chunks:
//
//	b := embedder.NewBatcher(emb, sink, usage, embedder.DefaultBatcherConfig(), hooks, logger)
//	for _, file := range files {
//	    if err := b.Add(ctx, pendingChunks(file)); err != nil {
//	        return err
//	    }
//	}
//	err := b.Flush(ctx)
//
// Each provider call is bounded by CallTimeout and retried once on timeout.
// The window as a whole is bounded by WindowTimeout, not counting time spent
// paused. A failed batch is skipped with a warning; once more than MaxFailures
// batches have failed the batcher returns ErrTooManyFailures.
//
// # Cost
//
// Providers report billed tokens in BatchEmbeddingResponse.TokensUsed and Cost
// converts them to USD for the UsageRecorder.
package embedder
