package coordinator

import (
	"time"

	"promptd/internal/engine"
)

// EngineState represents the lifecycle state of the coordinated engine.
type EngineState string

const (
	StateUninitialized EngineState = "uninitialized"
	StateInitializing  EngineState = "initializing"
	StateReady         EngineState = "ready"
	StateError         EngineState = "error"
	StateShuttingDown  EngineState = "shutting_down"
	StateReleased      EngineState = "released"
)

// IsOperational reports whether the engine can serve prompts right now.
func (s EngineState) IsOperational() bool { return s == StateReady }

// IsTerminal reports whether no further transitions are possible.
// Released is absorbing; Error is recoverable via an explicit retry.
func (s EngineState) IsTerminal() bool { return s == StateReleased }

// StateTransitionEvent records one accepted transition. Immutable after
// creation; kept in a bounded history ring for diagnostics.
type StateTransitionEvent struct {
	From      EngineState
	To        EngineState
	Reason    string
	Err       error
	Timestamp time.Time
}

// Priority orders queued requests. Higher values are served first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Prompt is the payload of a submission: prompt text, optional chat history,
// and generation parameters. History non-empty selects the chat path.
type Prompt struct {
	Text     string
	History  []engine.Message
	Params   engine.Params
	Priority Priority
	// TTL bounds how long the request may wait in the queue; zero means the
	// queue default.
	TTL time.Duration
}

// QueuedRequest is one buffered submission. Immutable after creation.
type QueuedRequest struct {
	ID          string
	Prompt      Prompt
	EnqueueTime time.Time
	TTL         time.Duration
	Priority    Priority

	// seq breaks priority ties in strict arrival order, making the queue
	// order total even when enqueue timestamps collide.
	seq uint64
	// out is the placeholder stream handed to the submitter; the drain loop
	// completes it with the real engine events.
	out chan engine.Event
}

// IsExpired reports whether the request has outlived its TTL.
func (r *QueuedRequest) IsExpired(now time.Time) bool {
	return now.Sub(r.EnqueueTime) > r.TTL
}

// Age reports how long the request has been waiting.
func (r *QueuedRequest) Age(now time.Time) time.Duration {
	return now.Sub(r.EnqueueTime)
}

// OverflowPolicy selects the behavior when enqueueing into a full queue.
type OverflowPolicy string

const (
	// OverflowReject refuses the incoming request.
	OverflowReject OverflowPolicy = "reject"
	// OverflowDropOldest evicts the lowest-ranked current occupant to make
	// room for the incoming request.
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	// OverflowDropNewest refuses the incoming request without evicting.
	OverflowDropNewest OverflowPolicy = "drop_newest"
)

// QueueConfig tunes the request queue.
type QueueConfig struct {
	MaxSize    int
	DefaultTTL time.Duration
	Policy     OverflowPolicy
}

// Validate checks the configuration constraints.
func (c QueueConfig) Validate() error {
	if c.MaxSize <= 0 {
		return invalidConfigError{msg: "queue max size must be > 0"}
	}
	if c.DefaultTTL <= 0 {
		return invalidConfigError{msg: "queue default ttl must be > 0"}
	}
	switch c.Policy {
	case OverflowReject, OverflowDropOldest, OverflowDropNewest:
	default:
		return invalidConfigError{msg: "unknown overflow policy: " + string(c.Policy)}
	}
	return nil
}

// EnqueueOutcome discriminates EnqueueResult variants.
type EnqueueOutcome int

const (
	// OutcomeEnqueued: the request was buffered; Stream is the placeholder.
	OutcomeEnqueued EnqueueOutcome = iota
	// OutcomeRejected: admission refused; Reason explains why.
	OutcomeRejected
	// OutcomeDropped: the request was buffered after evicting EvictedID.
	OutcomeDropped
	// OutcomeProcessedImmediately: dispatched straight to the engine.
	OutcomeProcessedImmediately
)

func (o EnqueueOutcome) String() string {
	switch o {
	case OutcomeEnqueued:
		return "enqueued"
	case OutcomeRejected:
		return "rejected"
	case OutcomeDropped:
		return "dropped"
	case OutcomeProcessedImmediately:
		return "processed_immediately"
	default:
		return "unknown"
	}
}

// EnqueueResult is the tagged outcome of an admission attempt. Exactly one
// variant applies, selected by Outcome. For Enqueued and Dropped, ID names
// the accepted request and Stream is its placeholder result channel. For
// ProcessedImmediately, Stream carries the live engine events.
type EnqueueResult struct {
	Outcome   EnqueueOutcome
	ID        string
	Position  int
	EvictedID string
	Reason    string
	Stream    <-chan engine.Event
}
