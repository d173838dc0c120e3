package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Echo is a deterministic engine used in development mode and tests. It
// "generates" by echoing the prompt back word by word. Initialization can be
// slowed down or made to fail a number of times to exercise retry paths.
type Echo struct {
	// InitDelay is slept inside Initialize (cancellable).
	InitDelay time.Duration
	// FailInits makes the first N Initialize calls fail.
	FailInits int
	// TokenDelay is slept between streamed tokens.
	TokenDelay time.Duration

	mu       sync.Mutex
	inits    int
	ready    bool
	released bool
	stopped  atomic.Bool
}

var errEchoReleased = errors.New("echo engine released")

func (e *Echo) Initialize(ctx context.Context, cfg Config) (Metrics, error) {
	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return Metrics{}, errEchoReleased
	}
	e.inits++
	attempt := e.inits
	e.mu.Unlock()

	start := time.Now()
	if e.InitDelay > 0 {
		select {
		case <-time.After(e.InitDelay):
		case <-ctx.Done():
			return Metrics{}, ctx.Err()
		}
	}
	if attempt <= e.FailInits {
		return Metrics{}, errors.New("simulated initialization failure")
	}
	e.mu.Lock()
	e.ready = true
	e.mu.Unlock()
	return Metrics{LoadDuration: time.Since(start), ModelPath: cfg.ModelPath}, nil
}

// InitAttempts reports how many times Initialize has been called.
func (e *Echo) InitAttempts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inits
}

func (e *Echo) Generate(ctx context.Context, prompt string, params Params) (<-chan Event, error) {
	e.mu.Lock()
	ok := e.ready && !e.released
	e.mu.Unlock()
	if !ok {
		return nil, errors.New("echo engine not initialized")
	}
	e.stopped.Store(false)

	words := strings.Fields(prompt)
	if len(words) == 0 {
		words = []string{"(empty)"}
	}
	out := make(chan Event, len(words)+1)
	go func() {
		defer close(out)
		var b strings.Builder
		for i, w := range words {
			if e.stopped.Load() {
				out <- Event{Kind: EventComplete, Complete: &Completion{Content: b.String(), FinishReason: "cancelled"}}
				return
			}
			if e.TokenDelay > 0 {
				select {
				case <-time.After(e.TokenDelay):
				case <-ctx.Done():
					out <- Event{Kind: EventError, Err: ctx.Err()}
					return
				}
			}
			tok := w
			if i > 0 {
				tok = " " + w
			}
			b.WriteString(tok)
			out <- Event{Kind: EventToken, Token: tok}
		}
		out <- Event{Kind: EventComplete, Complete: &Completion{
			Content:      b.String(),
			FinishReason: "stop",
			Usage:        Usage{CompletionTokens: len(words), TotalTokens: len(words)},
		}}
	}()
	return out, nil
}

func (e *Echo) Chat(ctx context.Context, history []Message, params Params) (<-chan Event, error) {
	if len(history) == 0 {
		return e.Generate(ctx, "", params)
	}
	return e.Generate(ctx, history[len(history)-1].Content, params)
}

func (e *Echo) StopGeneration() error {
	e.stopped.Store(true)
	return nil
}

func (e *Echo) ResetContext() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return errEchoReleased
	}
	return nil
}

func (e *Echo) Release() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.released = true
	e.ready = false
	return nil
}
