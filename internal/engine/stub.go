//go:build !llama

package engine

// This file provides a no-CGO stub for the llama engine. It is compiled when
// the 'llama' build tag is NOT set, keeping default builds and CI CGO-free.
// The real engine lives in llama.go (tagged 'llama').

import (
	"context"
	"errors"
)

// llamaBuilt indicates this binary was compiled with real llama support.
var llamaBuilt = false

// ErrNotBuilt reports that the binary lacks the native runtime.
var ErrNotBuilt = errors.New("llama support not built (missing 'llama' build tag)")

type llamaEngine struct{}

// NewLlama returns the in-process llama engine, or a fail-fast stub when the
// binary was built without the 'llama' tag. No mocked inference in production
// binaries.
func NewLlama() Engine { return &llamaEngine{} }

func (e *llamaEngine) Initialize(ctx context.Context, cfg Config) (Metrics, error) {
	select {
	case <-ctx.Done():
		return Metrics{}, ctx.Err()
	default:
	}
	return Metrics{}, ErrNotBuilt
}

func (e *llamaEngine) Generate(ctx context.Context, prompt string, params Params) (<-chan Event, error) {
	return nil, ErrNotBuilt
}

func (e *llamaEngine) Chat(ctx context.Context, history []Message, params Params) (<-chan Event, error) {
	return nil, ErrNotBuilt
}

func (e *llamaEngine) StopGeneration() error { return ErrNotBuilt }

func (e *llamaEngine) ResetContext() error { return ErrNotBuilt }

func (e *llamaEngine) Release() error { return nil }
