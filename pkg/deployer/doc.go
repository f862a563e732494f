// Package deployer implements the deployer gateway.
//
// The Gateway routes an order to a named Executor and records a correlation
// token for it in a CorrelationStore. Reserving the token is atomic, so
// submitting an order twice returns the first token and never starts a
// second run. Executors report outcomes keyed by token:
//
//   - LocalExecutor runs terraform or tofu in a per-run directory and reports
//     the state snapshot, outputs and log as artifacts.
//   - RemoteExecutor posts a TaskRequest to a deployer service, which reports
//     by posting a CallbackBody to the callback URL in the task.
//   - InternalExecutor applies lock and service state orders in process.
//
// In-process outcomes are delivered to the ResultSink set with SetSink;
// HTTP callbacks reach the same sink through the callbacks package.
package deployer
