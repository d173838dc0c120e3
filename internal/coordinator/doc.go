// Package coordinator provides lifecycle and prompt-admission orchestration
// for a single expensive-to-initialize inference engine. It is structured
// into small files by concern:
//
//   - coordinator.go: core Coordinator type, initialization, submission
//     routing, shutdown and release.
//   - statemachine.go: the engine readiness state machine, transition table,
//     waits, history ring.
//   - retry.go: RetryPolicy value type, presets, backoff computation.
//   - initializer.go: retry-driven initialization runs with cancellation.
//   - queue.go: bounded priority request queue with overflow policies and
//     lazy expiry.
//   - stats.go: atomic queue statistics and snapshots.
//   - drain.go: the background loop servicing buffered requests.
//   - callbacks.go: token-based lifecycle hook registry.
//   - errors.go: error types and predicates (IsTooBusy, IsNotReady, ...).
//   - events.go: the telemetry publisher boundary.
//   - metrics.go: Prometheus instrumentation.
//
// External packages should treat this package as the orchestration layer
// and use public methods only. The engine runtime itself lives behind the
// promptd/internal/engine interface and is never interpreted here.
package coordinator
