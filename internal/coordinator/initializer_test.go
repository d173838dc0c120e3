package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"promptd/internal/engine"
)

func TestInitializerSucceedsAfterRetries(t *testing.T) {
	eng := &fakeEngine{failInits: 2}
	in := NewInitializer(eng, fastPolicy(), zerolog.Nop())

	var mu sync.Mutex
	var pcts []int
	res := in.Run(context.Background(), engine.Config{ModelPath: "m.gguf"}, func(pct int, msg string) {
		mu.Lock()
		pcts = append(pcts, pct)
		mu.Unlock()
	})
	if res.Outcome != InitSuccess {
		t.Fatalf("outcome = %v, err = %v", res.Outcome, res.Err)
	}
	if res.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", res.Attempts)
	}
	if res.Metrics.ModelPath != "m.gguf" {
		t.Fatalf("metrics not propagated: %+v", res.Metrics)
	}
	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(pcts); i++ {
		if pcts[i] <= pcts[i-1] {
			t.Fatalf("progress not monotonic: %v", pcts)
		}
	}
	if len(pcts) == 0 || pcts[len(pcts)-1] != 100 {
		t.Fatalf("progress did not reach 100: %v", pcts)
	}
}

func TestInitializerExhaustsRetries(t *testing.T) {
	eng := &fakeEngine{failInits: 100}
	in := NewInitializer(eng, fastPolicy(), zerolog.Nop())

	res := in.Run(context.Background(), engine.Config{}, nil)
	if res.Outcome != InitFailure {
		t.Fatalf("outcome = %v, want failure", res.Outcome)
	}
	// MaxRetries=3 means 4 attempts total.
	if res.Attempts != 4 {
		t.Fatalf("attempts = %d, want 4", res.Attempts)
	}
	if !IsInitFailed(res.Err) {
		t.Fatalf("expected init-failed error, got %v", res.Err)
	}
}

func TestInitializerCancelPreemptsBackoff(t *testing.T) {
	eng := &fakeEngine{failInits: 100}
	policy := fastPolicy()
	policy.InitialDelay = 10 * time.Second
	policy.MaxDelay = 10 * time.Second
	in := NewInitializer(eng, policy, zerolog.Nop())

	done := make(chan InitResult, 1)
	go func() { done <- in.Run(context.Background(), engine.Config{}, nil) }()

	// Let the first attempt fail and the backoff sleep begin.
	for eng.initCount() == 0 {
		time.Sleep(time.Millisecond)
	}
	in.Cancel()

	select {
	case res := <-done:
		if res.Outcome != InitCancelled {
			t.Fatalf("outcome = %v, want cancelled", res.Outcome)
		}
		if res.Attempts != 1 {
			t.Fatalf("attempts = %d, want 1", res.Attempts)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("cancel did not pre-empt the backoff sleep")
	}
}

func TestInitializerCancelPreemptsAttempt(t *testing.T) {
	eng := &fakeEngine{initDelay: 10 * time.Second}
	in := NewInitializer(eng, fastPolicy(), zerolog.Nop())

	done := make(chan InitResult, 1)
	go func() { done <- in.Run(context.Background(), engine.Config{}, nil) }()

	for eng.initCount() == 0 {
		time.Sleep(time.Millisecond)
	}
	in.Cancel()

	select {
	case res := <-done:
		if res.Outcome == InitSuccess {
			t.Fatalf("attempt should not have succeeded")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("cancel did not pre-empt the in-flight attempt")
	}
}

func TestInitializerCancelIdempotent(t *testing.T) {
	in := NewInitializer(&fakeEngine{}, fastPolicy(), zerolog.Nop())
	in.Cancel()
	in.Cancel()
	res := in.Run(context.Background(), engine.Config{}, nil)
	if res.Outcome != InitCancelled {
		t.Fatalf("run after cancel: outcome = %v", res.Outcome)
	}
	if res.Attempts != 0 {
		t.Fatalf("cancelled run made %d attempts", res.Attempts)
	}
}

func TestInitializerRunAfterRelease(t *testing.T) {
	eng := &fakeEngine{}
	in := NewInitializer(eng, fastPolicy(), zerolog.Nop())
	in.Release()
	res := in.Run(context.Background(), engine.Config{}, nil)
	// Release implies Cancel, so the run never reaches the engine.
	if res.Outcome == InitSuccess {
		t.Fatalf("run after release succeeded")
	}
	if eng.initCount() != 0 {
		t.Fatalf("released initializer touched the engine")
	}
}

func TestInitializerContextCancellation(t *testing.T) {
	eng := &fakeEngine{initDelay: 10 * time.Second}
	in := NewInitializer(eng, fastPolicy(), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan InitResult, 1)
	go func() { done <- in.Run(ctx, engine.Config{}, nil) }()
	for eng.initCount() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case res := <-done:
		if res.Outcome == InitSuccess {
			t.Fatalf("attempt should not have succeeded")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("context cancellation did not stop the run")
	}
}
