// Package stores provides the persistence layer of the control plane.
//
// SQLiteStore keeps orders, workflow requests, services, resource inventories,
// state tasks, timelines and gateway correlations in a single SQLite database
// (WAL mode, immediate write transactions) with schema migrations embedded in
// the binary. MemoryStore implements the same contract in process memory and
// backs tests and ephemeral deployments.
//
// Every write is a single-record atomic read-modify-write. Finalizing an order
// succeeds at most once; later attempts return engine.ErrAlreadyFinal.
package stores
