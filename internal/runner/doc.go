// Package runner executes analyses end to end.
//
// A run preprocesses the repository through the pipeline, then drives the
// agent graph and stores its reports (plus Mermaid diagrams when requested)
// as artifacts in one transaction before completing the analysis. Analyses
// whose stage already reached the agents skip preprocessing and continue
// from the orchestrator checkpoint.
//
// Start and Restart launch one background goroutine per analysis; a second
// launch for the same id fails with ErrAlreadyRunning. Pause timeouts and
// cancellation end a run quietly, any other error fails the analysis.
package runner
