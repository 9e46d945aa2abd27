// Package temporal implements the fabric workflow engine adapter backed by
// Temporal (https://temporal.io). It satisfies the generic engine.Engine
// interface, allowing the turn workflow and the gateway to orchestrate durable
// executions without importing the Temporal SDK directly.
//
// # Why Temporal?
//
// A logical turn is a long-lived unit of work: it accumulates messages over an
// adaptive window, holds the session lock across steps, runs a multi-phase
// pipeline, and must commit exactly once per supersede group. Temporal ensures
// the workflow state survives process restarts, network failures, and crashes;
// the runtime replays the workflow from event history, producing deterministic
// execution.
//
// # Constructing an Engine
//
// Use New to create an engine with Temporal client and worker options:
//
//	eng, err := temporal.New(temporal.Options{
//	    ClientOptions: &client.Options{
//	        HostPort:  "temporal:7233",
//	        Namespace: "default",
//	    },
//	    WorkerOptions: temporal.WorkerOptions{
//	        TaskQueue: api.TaskQueue,
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close()
//
// # Worker vs Client Mode
//
// The same engine can operate in two modes:
//
//   - Worker mode: Polls task queues and executes workflows locally. Use this
//     in fabricd processes that run the turn workflow and its activities.
//
//   - Client mode: Submits workflows and signals without local execution. Use
//     this in ingress-only gateway processes.
//
// Both modes use the same Options; client-only processes skip workflow
// registration.
//
// # Workflow Determinism
//
// Temporal workflows must be deterministic: given the same inputs and event
// history, they must produce the same outputs. This package provides a
// WorkflowContext that exposes only deterministic operations: Now() returns
// workflow time, NewTimer schedules the accumulation window, Execute*Activity
// schedule store and Brain work, and Messages()/ForceReleases() return
// deterministic signal receivers. All I/O runs inside activities.
//
// # OpenTelemetry Integration
//
// The engine automatically installs OTEL interceptors on the Temporal client
// and worker, propagating trace context through workflow and activity
// boundaries.
package temporal
