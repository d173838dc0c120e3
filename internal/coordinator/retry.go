package coordinator

import (
	"fmt"
	"math"
	"time"
)

// RetryPolicy is an immutable description of how initialization retries are
// paced. Safe to share across goroutines without synchronization.
type RetryPolicy struct {
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	// Timeout bounds each individual initialization attempt.
	Timeout time.Duration
}

// DefaultRetryPolicy balances startup latency against hammering a failing
// native runtime.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		Timeout:           2 * time.Minute,
	}
}

// AggressiveRetryPolicy retries quickly and often; suited to transient
// resource pressure on capable hardware.
func AggressiveRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        5,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 1.5,
		Timeout:           time.Minute,
	}
}

// ConservativeRetryPolicy backs off hard; suited to thermally constrained
// devices where repeated model loads are expensive.
func ConservativeRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        2,
		InitialDelay:      5 * time.Second,
		MaxDelay:          60 * time.Second,
		BackoffMultiplier: 3.0,
		Timeout:           5 * time.Minute,
	}
}

// Delay returns the backoff delay before retrying after the given attempt.
// Pure and deterministic: min(MaxDelay, InitialDelay * multiplier^attempt).
// A negative attempt is a caller bug and returns an invalid-argument error
// rather than being clamped.
func (p RetryPolicy) Delay(attempt int) (time.Duration, error) {
	if attempt < 0 {
		return 0, invalidArgumentError{msg: fmt.Sprintf("retry attempt must be >= 0, got %d", attempt)}
	}
	d := time.Duration(float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(attempt)))
	if d > p.MaxDelay || d < 0 {
		// Negative also guards float overflow for large attempt values.
		d = p.MaxDelay
	}
	return d, nil
}

// Validate checks the configuration constraints.
func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return invalidConfigError{msg: "max retries must be >= 0"}
	}
	if p.InitialDelay <= 0 {
		return invalidConfigError{msg: "initial delay must be > 0"}
	}
	if p.MaxDelay < p.InitialDelay {
		return invalidConfigError{msg: "max delay must be >= initial delay"}
	}
	if p.BackoffMultiplier < 1.0 {
		return invalidConfigError{msg: "backoff multiplier must be >= 1.0"}
	}
	if p.Timeout <= 0 {
		return invalidConfigError{msg: "attempt timeout must be > 0"}
	}
	return nil
}
