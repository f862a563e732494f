// Package workflow defines the fixed phase graphs of the compound operations
// (Migrate, Recreate and Port) and the pure transition function that drives them.
//
// Next takes the current phase, the outcome of that phase's latest child order and
// the phase's retry count, and returns a Decision: retry the phase, advance to the
// next phase, complete the workflow, or fail it. It performs no I/O; persisting the
// decision and creating child orders is the caller's job.
//
//	d, err := workflow.Next(workflow.State{
//	    Kind:       workflow.KindRecreate,
//	    Phase:      workflow.PhaseDestroyExisting,
//	    RetryCount: 2,
//	    MaxRetries: 2,
//	}, workflow.Outcome{Success: false, Error: "timeout"})
//	// d.Action == workflow.ActionFail
//	// d.Resolution == workflow.ResolutionPriorStateRetained
package workflow
