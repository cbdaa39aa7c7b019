// Package api contains the core building blocks used by the shipit workflow
// engine: the Engine contract, workflow definitions, events, typed errors,
// history records, and observers.
//
// Most users interact with the higher-level shipit package, which re-exports
// selected types and provides engine constructors. The api package is
// intended for workflow authors and for code extending the engine itself.
//
// # Workflow Definitions
//
// A workflow definition declares a main function and a mapping from event
// name to handler. Definitions are installed once with RegisterWorkflow; the
// engine owns dispatch and concurrency:
//
//   - Occurrences of the same event on the same instance are handled one at
//     a time, in the order they were sent.
//   - Handlers for different event names, and handlers on different
//     instances, run concurrently.
//
// Typed handlers are adapted with On, which decodes the JSON payload at the
// boundary so handler code never sees untyped data.
//
// # Steps
//
// A step is one external effect executed through a capability provider bound
// to a named task queue. Step is the typed entry point:
//
//	rel, err := api.Step(ctx, wc, "github", "createRelease",
//	    func(ctx context.Context, gh capability.ReleaseManager) (*capability.Release, error) {
//	        return gh.CreateRelease(ctx, in)
//	    })
//
// The engine does not retry steps unless the caller passes WithRetry.
//
// # Conditions
//
// WorkflowContext.Condition suspends a workflow until a predicate holds. The
// predicate is re-evaluated only when instance state changes, never on a
// timer.
//
// # Observability
//
// The Observer interface reports workflow, event and step lifecycle.
// LoggingObserver writes slog records; CompositeObserver fans out to several
// observers.
package api
