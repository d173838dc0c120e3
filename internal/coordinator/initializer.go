package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"promptd/internal/engine"
)

// InitOutcome discriminates InitResult variants.
type InitOutcome int

const (
	// InitSuccess: the engine initialized within the retry budget.
	InitSuccess InitOutcome = iota
	// InitFailure: retries exhausted or the engine is unusable.
	InitFailure
	// InitCancelled: Cancel pre-empted the run.
	InitCancelled
)

// InitResult is the tagged outcome of an initialization run. Exactly one
// variant applies, selected by Outcome.
type InitResult struct {
	Outcome  InitOutcome
	Metrics  engine.Metrics
	Err      error
	Reason   string
	Attempts int
}

// ProgressFunc receives best-effort, monotonic initialization progress.
type ProgressFunc func(percent int, message string)

// Initializer drives initialization attempts of an engine against a retry
// policy. At most one Run is expected at a time; Cancel and Release may be
// called concurrently with it.
type Initializer struct {
	policy RetryPolicy
	log    zerolog.Logger

	mu  sync.Mutex
	eng engine.Engine

	cancelCh   chan struct{}
	cancelOnce sync.Once
}

// NewInitializer binds an engine handle to a retry policy.
func NewInitializer(eng engine.Engine, policy RetryPolicy, log zerolog.Logger) *Initializer {
	return &Initializer{
		policy:   policy,
		log:      log,
		eng:      eng,
		cancelCh: make(chan struct{}),
	}
}

// Cancel requests that an in-flight Run stop promptly, pre-empting any
// pending backoff sleep and the current engine attempt. Idempotent and safe
// to call concurrently with Run.
func (in *Initializer) Cancel() {
	in.cancelOnce.Do(func() { close(in.cancelCh) })
}

// Release discards the engine reference. No further attempts are possible.
func (in *Initializer) Release() {
	in.Cancel()
	in.mu.Lock()
	in.eng = nil
	in.mu.Unlock()
}

// Run performs up to MaxRetries+1 initialization attempts, sleeping the
// policy delay between failures. Cancellation short-circuits both the sleep
// and the in-flight attempt.
func (in *Initializer) Run(ctx context.Context, cfg engine.Config, onProgress ProgressFunc) InitResult {
	start := time.Now()
	lastPct := -1
	report := func(pct int, msg string) {
		if onProgress == nil || pct <= lastPct {
			return
		}
		lastPct = pct
		onProgress(pct, msg)
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= in.policy.MaxRetries; attempt++ {
		if res, cancelled := in.cancelledResult(ctx, attempts); cancelled {
			return res
		}

		in.mu.Lock()
		eng := in.eng
		in.mu.Unlock()
		if eng == nil {
			return InitResult{Outcome: InitFailure, Err: ErrReleased(), Attempts: attempts}
		}

		report(10, "loading model")
		attempts++
		metrics, err := in.attempt(ctx, eng, cfg)
		if err == nil {
			report(100, "ready")
			initDuration.Observe(time.Since(start).Seconds())
			initAttemptsTotal.WithLabelValues("success").Inc()
			return InitResult{Outcome: InitSuccess, Metrics: metrics, Attempts: attempts}
		}
		lastErr = err
		initAttemptsTotal.WithLabelValues("failure").Inc()
		in.log.Warn().Err(err).Int("attempt", attempt).Msg("engine initialization attempt failed")
		report(50, "initializing")

		if attempt == in.policy.MaxRetries {
			break
		}
		delay, derr := in.policy.Delay(attempt)
		if derr != nil {
			// attempt >= 0 by construction; unreachable.
			delay = in.policy.InitialDelay
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-in.cancelCh:
			timer.Stop()
			return InitResult{Outcome: InitCancelled, Reason: "cancelled during backoff", Attempts: attempts}
		case <-ctx.Done():
			timer.Stop()
			return InitResult{Outcome: InitCancelled, Reason: ctx.Err().Error(), Attempts: attempts}
		}
	}
	return InitResult{Outcome: InitFailure, Err: initFailedError{cause: lastErr}, Attempts: attempts}
}

// attempt runs one engine initialization bounded by the per-attempt timeout
// and the cancel channel.
func (in *Initializer) attempt(ctx context.Context, eng engine.Engine, cfg engine.Config) (engine.Metrics, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, in.policy.Timeout)
	defer cancel()
	// Propagate Cancel into the in-flight attempt.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-in.cancelCh:
			cancel()
		case <-done:
		}
	}()
	return eng.Initialize(attemptCtx, cfg)
}

func (in *Initializer) cancelledResult(ctx context.Context, attempts int) (InitResult, bool) {
	select {
	case <-in.cancelCh:
		return InitResult{Outcome: InitCancelled, Reason: "cancelled", Attempts: attempts}, true
	case <-ctx.Done():
		return InitResult{Outcome: InitCancelled, Reason: ctx.Err().Error(), Attempts: attempts}, true
	default:
		return InitResult{}, false
	}
}
