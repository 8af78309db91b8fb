// Package jobstate is the single writer of analysis lifecycle state.
//
// Every transition (progress, pause, resume, cancel, completion, restart and
// user context) runs in its own short transaction and is then broadcast to
// live subscribers. Workers call WaitIfPaused between units of work, which
// makes pause and cancel cooperative:
//
//	if err := svc.WaitIfPaused(ctx, id); err != nil {
//	    return err // ErrCancelled or ErrPauseTimeout
//	}
//
// Stream gives clients an ordered, gap-free view of the persisted log
// followed by live updates.
package jobstate
