// Package engine provides the deployment order orchestration core of Stratus.
//
// # Overview
//
// Every requested infrastructure change is represented as a durable Order. An order
// moves through a fixed lifecycle:
//
//	Created -> Submitted -> InProgress -> {Successful | Failed}
//
// The Orchestrator admits orders, resolves the provider plugin through the
// PluginRegistry and hands the order to the Gateway, which returns a correlation
// token immediately. The deployer later reports an Outcome for that token; the
// Correlator applies it exactly once and, when the order is a phase of a compound
// workflow, hands the completed phase to the Workflows driver.
//
// # Compound Workflows
//
// Migrate, Recreate and Port are fixed phase graphs over child orders (see package
// workflow for the pure transition logic). Each failed phase is retried by creating a
// fresh child order until the retry budget is spent, at which point the parent
// WorkflowRequest is finalized as Failed together with a Resolution telling
// operators what infrastructure is left behind.
//
// # Service State
//
// Start, stop and restart of an already deployed service are handled by the
// StateManager, which calls the provider plugin synchronously and records a
// ServiceStateTask. No callbacks and no automatic retries are involved.
//
// # Error Classification
//
// Errors carry a class that mirrors where they surfaced:
//
//   - Admission: the request was rejected and no order exists
//   - Dispatch: the order exists but could not be handed to a deployer
//   - Execution: the deployer reported a failure through a callback
//   - Correlation: a callback could not be matched to a live order
//   - Workflow: a compound workflow phase exhausted its retries
//
// Use the helpers to inspect them:
//
//	if engine.IsAdmission(err) {
//	    // reject the request
//	}
//
// # Thread Safety
//
// Orchestrator, Correlator, Workflows and StateManager are safe for concurrent use.
// Every store mutation is a single record compare-and-set; no lock is held across
// a workflow's lifetime.
package engine
