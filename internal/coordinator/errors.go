package coordinator

import "fmt"

// invalidTransitionError reports a transition not present in the validity
// table. The state machine is left untouched when this is returned.
type invalidTransitionError struct {
	from EngineState
	to   EngineState
}

func (e invalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s -> %s", e.from, e.to)
}

// IsInvalidTransition reports whether err is a rejected state transition.
func IsInvalidTransition(err error) bool {
	_, ok := err.(invalidTransitionError)
	return ok
}

// invalidArgumentError signals a caller bug (e.g. negative retry attempt).
type invalidArgumentError struct{ msg string }

func (e invalidArgumentError) Error() string { return e.msg }

// IsInvalidArgument reports whether err indicates a caller-side argument bug.
func IsInvalidArgument(err error) bool {
	_, ok := err.(invalidArgumentError)
	return ok
}

// invalidConfigError signals a configuration constraint violation.
type invalidConfigError struct{ msg string }

func (e invalidConfigError) Error() string { return e.msg }

// IsInvalidConfig reports whether err indicates bad configuration.
func IsInvalidConfig(err error) bool {
	_, ok := err.(invalidConfigError)
	return ok
}

// notReadyError signals a submission while the engine cannot serve or queue
// prompts. The HTTP layer maps this to 503.
type notReadyError struct{ state EngineState }

func (e notReadyError) Error() string {
	return "engine not ready (state: " + string(e.state) + ")"
}

// IsNotReady reports whether err indicates the engine cannot take prompts.
func IsNotReady(err error) bool {
	_, ok := err.(notReadyError)
	return ok
}

// tooBusyError signals queue admission refusal for 429 mapping.
type tooBusyError struct{ reason string }

func (e tooBusyError) Error() string { return "too busy: " + e.reason }

// IsTooBusy reports whether err indicates backpressure (return 429).
func IsTooBusy(err error) bool {
	_, ok := err.(tooBusyError)
	return ok
}

// releasedError signals use of the coordinator after Release.
type releasedError struct{}

func (releasedError) Error() string { return "coordinator released" }

// ErrReleased constructs the post-release error.
func ErrReleased() error { return releasedError{} }

// IsReleased reports whether err indicates the coordinator was torn down.
func IsReleased(err error) bool {
	_, ok := err.(releasedError)
	return ok
}

// initFailedError wraps the terminal error of an exhausted initialization.
type initFailedError struct{ cause error }

func (e initFailedError) Error() string { return "initialization failed: " + e.cause.Error() }

func (e initFailedError) Unwrap() error { return e.cause }

// IsInitFailed reports whether err is a terminal initialization failure.
func IsInitFailed(err error) bool {
	_, ok := err.(initFailedError)
	return ok
}

// removedError resolves the placeholder stream of a request taken out of
// the queue without being serviced (explicit cancellation or queue clear).
type removedError struct{ id string }

func (e removedError) Error() string { return "request removed from queue: " + e.id }

// IsRemoved reports whether err indicates a queued request was cancelled or
// cleared before service.
func IsRemoved(err error) bool {
	_, ok := err.(removedError)
	return ok
}

// expiredError resolves the placeholder stream of a request that aged out
// before the drain loop could service it.
type expiredError struct{ id string }

func (e expiredError) Error() string { return "request expired in queue: " + e.id }

// IsExpired reports whether err indicates a queued request aged out.
func IsExpired(err error) bool {
	_, ok := err.(expiredError)
	return ok
}
