// Package shipit is an embeddable, event-driven workflow engine and the
// release orchestrator built on it.
//
// A workflow instance is a long-lived run that reacts to named events. Each
// event is persisted to the run's inbox before it is handled, so a process
// that restarts can recover the run and redeliver whatever was not yet
// acknowledged. External effects (HTTP calls to GitHub, completions from a
// language model) go through task queues, where they are retried and timed
// out per step.
//
// # Engine
//
// The Engine stores workflow definitions and live instances and provides
// APIs to:
//   - schedule runs under a workflow ID
//   - deliver events, waiting for the handler's result or asynchronously
//   - read instance state, variables and history
//   - terminate runs and recover them after a restart
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//
// OpenBundle picks one from a driver name and DSN.
//
// # Events
//
// Events for the same run are handled concurrently across names and in
// arrival order within a name: two "createRelease" events never overlap,
// while a "greeting" can be answered during a long release.
//
// # WorkflowBuilder
//
// WorkflowBuilder is the fluent way to declare a workflow:
//
//	shipit.NewWorkflow("orders").
//	    On("place", shipit.Typed(placeOrder)).
//	    On("cancel", shipit.Typed(cancelOrder)).
//	    Run(waitUntilClosed)
//
// A workflow without Run stays alive until it is terminated.
//
// # Steps
//
// Step runs one call against the capability bound to a task queue. Without
// options it is attempted once; Retry builds a policy with backoff and an
// optional predicate for which errors are worth repeating.
//
// The release workflow itself lives in internal/release and the HTTP and
// websocket surface in internal/ingress; cmd/shipit wires them into a
// server.
package shipit
