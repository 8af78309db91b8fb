// Package pipeline runs the preprocessing stage of an analysis.
//
// A run scans the repository, extracts semantic units from every source file,
// splits oversized units, stores files and chunks, and embeds chunks in windows
// as the walk proceeds:
//
//	p := pipeline.New(store, emb, pipeline.Config{}, metrics, logger)
//	stats, err := p.Run(ctx, pipeline.Input{AnalysisID: id, ProjectID: pid, RootPath: root}, pipeline.Hooks{
//	    Gate: jobs.WaitIfPaused(id),
//	    Emit: bridge,
//	})
//
// Files whose content hash matches the stored record keep their chunks, so a
// restarted run only re-extracts what changed and then embeds whatever chunks
// still lack vectors. Only one run per project executes at a time.
package pipeline
