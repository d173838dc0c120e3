package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"promptd/internal/engine"
)

// fakeEngine is a controllable engine for coordinator tests.
type fakeEngine struct {
	mu        sync.Mutex
	initDelay time.Duration
	failInits int
	inits     int
	ready     bool

	releases atomic.Int32
	stops    atomic.Int32
	resets   atomic.Int32
}

func (f *fakeEngine) Initialize(ctx context.Context, cfg engine.Config) (engine.Metrics, error) {
	f.mu.Lock()
	f.inits++
	n := f.inits
	delay := f.initDelay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return engine.Metrics{}, ctx.Err()
		}
	}
	if n <= f.failInits {
		return engine.Metrics{}, errors.New("boom")
	}
	f.mu.Lock()
	f.ready = true
	f.mu.Unlock()
	return engine.Metrics{ModelPath: cfg.ModelPath}, nil
}

func (f *fakeEngine) initCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inits
}

func (f *fakeEngine) Generate(ctx context.Context, prompt string, params engine.Params) (<-chan engine.Event, error) {
	f.mu.Lock()
	ok := f.ready
	f.mu.Unlock()
	if !ok {
		return nil, errors.New("not initialized")
	}
	out := make(chan engine.Event, 2)
	out <- engine.Event{Kind: engine.EventToken, Token: prompt}
	out <- engine.Event{Kind: engine.EventComplete, Complete: &engine.Completion{Content: prompt, FinishReason: "stop"}}
	close(out)
	return out, nil
}

func (f *fakeEngine) Chat(ctx context.Context, history []engine.Message, params engine.Params) (<-chan engine.Event, error) {
	last := ""
	if len(history) > 0 {
		last = history[len(history)-1].Content
	}
	return f.Generate(ctx, last, params)
}

func (f *fakeEngine) StopGeneration() error {
	f.stops.Add(1)
	return nil
}

func (f *fakeEngine) ResetContext() error {
	f.resets.Add(1)
	return nil
}

func (f *fakeEngine) Release() error {
	f.releases.Add(1)
	return nil
}

// fastPolicy keeps retry sleeps negligible in tests.
func fastPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		InitialDelay:      time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2.0,
		Timeout:           time.Second,
	}
}

func smallQueue(max int, policy OverflowPolicy) QueueConfig {
	return QueueConfig{MaxSize: max, DefaultTTL: time.Minute, Policy: policy}
}

func newTestCoordinator(t *testing.T, eng engine.Engine, queue QueueConfig) *Coordinator {
	t.Helper()
	c, err := New(eng, Config{
		Retry:         fastPolicy(),
		Queue:         queue,
		DrainInterval: 2 * time.Millisecond,
		Logger:        zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	t.Cleanup(c.Release)
	return c
}

// collect drains a stream into its events, failing the test on timeout.
func collect(t *testing.T, stream <-chan engine.Event) []engine.Event {
	t.Helper()
	var out []engine.Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-stream:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out draining stream (got %d events)", len(out))
		}
	}
}
