// Package engine defines the boundary to the model runtime that promptd
// coordinates. The coordinator never interprets tokens or metrics; it only
// initializes the engine, forwards prompts, and relays the resulting event
// stream back to callers.
//
// Concrete implementations:
//
//   - llama.go (build tag 'llama'): in-process go-llama.cpp runtime.
//   - stub.go (default): no-CGO stub that fails fast, keeping plain builds
//     and CI free of native dependencies.
//   - echo.go: deterministic engine for development and tests.
package engine

import (
	"context"
	"time"
)

// Config carries engine tuning passed at initialization time.
type Config struct {
	ModelPath string
	CtxSize   int
	Threads   int
}

// Params captures generation parameters for a single request.
type Params struct {
	Temperature   float32
	TopP          float32
	TopK          int
	MaxTokens     int
	Stop          []string
	Seed          int
	RepeatPenalty float32
}

// Message is one turn of a chat history.
type Message struct {
	Role    string
	Content string
}

// EventKind discriminates stream events.
type EventKind int

const (
	// EventToken carries one generated token fragment.
	EventToken EventKind = iota
	// EventComplete is the final event of a successful stream.
	EventComplete
	// EventError terminates the stream with an error.
	EventError
)

// Event is one element of a generation stream. Exactly one of Token,
// Complete, or Err is meaningful, selected by Kind. The engine closes the
// stream channel after sending a Complete or Error event.
type Event struct {
	Kind     EventKind
	Token    string
	Complete *Completion
	Err      error
}

// Completion summarizes a finished generation.
type Completion struct {
	Content      string
	FinishReason string
	Usage        Usage
}

// Usage contains token accounting for a completed generation.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Metrics reports what initialization cost.
type Metrics struct {
	LoadDuration time.Duration
	ModelPath    string
}

// Engine abstracts the model runtime consumed by the coordinator.
// Implementations must be safe for concurrent Generate/Chat calls only if
// they document so; the coordinator serializes dispatch through its drain
// loop and direct-submit path and does not add its own ordering beyond that.
type Engine interface {
	// Initialize loads the model and prepares the runtime. It must respect
	// ctx cancellation and return promptly when ctx is done.
	Initialize(ctx context.Context, cfg Config) (Metrics, error)

	// Generate streams completion events for a plain prompt. The returned
	// channel is closed by the engine when the stream ends. Implementations
	// must stop generating and close the channel when ctx is canceled.
	Generate(ctx context.Context, prompt string, params Params) (<-chan Event, error)

	// Chat streams completion events for a chat history.
	Chat(ctx context.Context, history []Message, params Params) (<-chan Event, error)

	// StopGeneration aborts any in-flight generation.
	StopGeneration() error

	// ResetContext clears accumulated conversation state in the runtime.
	ResetContext() error

	// Release frees the loaded model. The engine is unusable afterwards.
	Release() error
}

// LlamaBuilt reports whether this binary was compiled with the native llama
// runtime (the 'llama' build tag).
func LlamaBuilt() bool { return llamaBuilt }
