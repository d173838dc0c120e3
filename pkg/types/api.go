// Package types defines the wire-level request and response payloads of the
// promptd HTTP API.
package types

// GenerateRequest is the payload of POST /generate.
type GenerateRequest struct {
	// Required prompt text to generate a completion for.
	Prompt string `json:"prompt"`
	// Scheduling priority while the engine is still initializing:
	// low|normal|high|critical. Defaults to normal.
	Priority string `json:"priority,omitempty"`
	// How long the request may wait in the queue before expiring, in
	// milliseconds. Zero uses the server default.
	TTLMs int `json:"ttl_ms,omitempty"`
	// Maximum number of new tokens to generate.
	MaxTokens int `json:"max_tokens,omitempty"`
	// Sampling temperature (higher = more random).
	Temperature float64 `json:"temperature,omitempty"`
	// Nucleus sampling probability.
	TopP float64 `json:"top_p,omitempty"`
	// Top-K sampling: limit candidates to top K tokens.
	TopK int `json:"top_k,omitempty"`
	// Optional stop sequences.
	Stop []string `json:"stop,omitempty"`
	// Random seed for reproducibility; 0 lets the engine choose.
	Seed int `json:"seed,omitempty"`
	// Repeat penalty.
	RepeatPenalty float64 `json:"repeat_penalty,omitempty"`
}

// ChatMessage is one turn of a conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the payload of POST /chat.
type ChatRequest struct {
	Messages []ChatMessage `json:"messages"`
	Priority string        `json:"priority,omitempty"`
	TTLMs    int           `json:"ttl_ms,omitempty"`

	MaxTokens     int      `json:"max_tokens,omitempty"`
	Temperature   float64  `json:"temperature,omitempty"`
	TopP          float64  `json:"top_p,omitempty"`
	TopK          int      `json:"top_k,omitempty"`
	Stop          []string `json:"stop,omitempty"`
	Seed          int      `json:"seed,omitempty"`
	RepeatPenalty float64  `json:"repeat_penalty,omitempty"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// QueueStats mirrors the coordinator's queue counters for /status.
type QueueStats struct {
	Depth    int    `json:"depth"`
	Enqueued uint64 `json:"enqueued"`
	Dequeued uint64 `json:"dequeued"`
	Expired  uint64 `json:"expired"`
	Rejected uint64 `json:"rejected"`
	Dropped  uint64 `json:"dropped"`
	Removed  uint64 `json:"removed"`
	Cleared  uint64 `json:"cleared"`
	Errors   uint64 `json:"errors"`
	// Average time to service a queued request, in milliseconds.
	AvgProcessingMs int64 `json:"avg_processing_ms"`
	// Fraction of serviced requests that completed without error.
	SuccessRate float64 `json:"success_rate"`
}

// Transition is one state change, for the /status history tail.
type Transition struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Reason   string `json:"reason,omitempty"`
	Error    string `json:"error,omitempty"`
	TimeUnix int64  `json:"time_unix"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Current lifecycle state (uninitialized, initializing, ready, error,
	// shutting_down, released).
	State string `json:"state"`
	// Whether teardown has run.
	Released bool `json:"released"`
	// Last initialization or teardown error, if any.
	LastError string `json:"last_error,omitempty"`
	// Queue counters.
	Queue QueueStats `json:"queue"`
	// Recent state transitions, oldest first.
	Transitions []Transition `json:"transitions,omitempty"`
	// Uptime of the coordinator in seconds.
	UptimeSeconds int64 `json:"uptime_seconds"`
	// Server time in unix seconds.
	ServerTimeUnix int64 `json:"server_time_unix"`
	// Whether the binary carries the native llama runtime.
	LlamaBuilt bool `json:"llama_built"`
}
