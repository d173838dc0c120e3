//go:build llama

package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	llama "github.com/go-skynet/go-llama.cpp"
)

// llamaBuilt indicates this binary was compiled with real llama support.
var llamaBuilt = true

// llamaEngine owns one loaded model and serializes generations over it.
type llamaEngine struct {
	mu      sync.Mutex
	model   *llama.LLama
	threads int
	stopped atomic.Bool
}

// NewLlama returns the in-process go-llama.cpp engine.
func NewLlama() Engine { return &llamaEngine{} }

func (e *llamaEngine) Initialize(ctx context.Context, cfg Config) (Metrics, error) {
	if strings.TrimSpace(cfg.ModelPath) == "" {
		return Metrics{}, errors.New("model path is empty")
	}
	if err := ctx.Err(); err != nil {
		return Metrics{}, err
	}
	start := time.Now()
	mo := []llama.ModelOption{}
	if cfg.CtxSize > 0 {
		mo = append(mo, llama.SetContext(cfg.CtxSize))
	}
	m, err := llama.New(cfg.ModelPath, mo...)
	if err != nil {
		return Metrics{}, err
	}
	e.mu.Lock()
	if e.model != nil {
		e.model.Free()
	}
	e.model = m
	e.threads = cfg.Threads
	e.mu.Unlock()
	return Metrics{LoadDuration: time.Since(start), ModelPath: cfg.ModelPath}, nil
}

func (e *llamaEngine) Generate(ctx context.Context, prompt string, params Params) (<-chan Event, error) {
	e.mu.Lock()
	m := e.model
	threads := e.threads
	e.mu.Unlock()
	if m == nil {
		return nil, errors.New("llama model not initialized")
	}
	e.stopped.Store(false)

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		var b strings.Builder
		m.SetTokenCallback(func(tok string) bool {
			if e.stopped.Load() {
				return false
			}
			b.WriteString(tok)
			// An abandoned consumer must not wedge the prediction
			// goroutine on a full buffer.
			select {
			case out <- Event{Kind: EventToken, Token: tok}:
				return true
			case <-ctx.Done():
				return false
			}
		})
		text, err := m.Predict(prompt, predictOptions(params, threads)...)
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			select {
			case out <- Event{Kind: EventError, Err: err}:
			case <-ctx.Done():
			}
			return
		}
		content := text
		if content == "" {
			content = b.String()
		}
		reason := "stop"
		if e.stopped.Load() || ctx.Err() != nil {
			reason = "cancelled"
		}
		select {
		case out <- Event{Kind: EventComplete, Complete: &Completion{Content: content, FinishReason: reason}}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func (e *llamaEngine) Chat(ctx context.Context, history []Message, params Params) (<-chan Event, error) {
	return e.Generate(ctx, flattenHistory(history), params)
}

func (e *llamaEngine) StopGeneration() error {
	e.stopped.Store(true)
	return nil
}

func (e *llamaEngine) ResetContext() error {
	// go-llama.cpp sessions are stateless across Predict calls here; nothing
	// accumulated beyond what the prompt carries.
	return nil
}

func (e *llamaEngine) Release() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model != nil {
		e.model.Free()
		e.model = nil
	}
	return nil
}

// flattenHistory renders a chat history into a single role-prefixed prompt.
func flattenHistory(history []Message) string {
	var b strings.Builder
	for _, msg := range history {
		b.WriteString(msg.Role)
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	b.WriteString("assistant: ")
	return b.String()
}

func zn(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func zf(v, def float32) float32 {
	if v > 0 {
		return v
	}
	return def
}

// predictOptions converts engine params into go-llama.cpp options.
func predictOptions(params Params, threads int) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(zn(params.MaxTokens, 128)),
		llama.SetThreads(zn(threads, 1)),
		llama.SetTopP(zf(params.TopP, llama.DefaultOptions.TopP)),
		llama.SetTopK(zn(params.TopK, llama.DefaultOptions.TopK)),
		llama.SetTemperature(zf(params.Temperature, llama.DefaultOptions.Temperature)),
		llama.SetPenalty(zf(params.RepeatPenalty, llama.DefaultOptions.Penalty)),
	}
	if params.Seed != 0 {
		po = append(po, llama.SetSeed(params.Seed))
	}
	if len(params.Stop) > 0 {
		po = append(po, llama.SetStopWords(params.Stop...))
	}
	return po
}
