package coordinator

import (
	"testing"
	"time"
)

func TestRetryPolicyDelayProgression(t *testing.T) {
	p := RetryPolicy{
		MaxRetries:        5,
		InitialDelay:      1000 * time.Millisecond,
		MaxDelay:          5000 * time.Millisecond,
		BackoffMultiplier: 2.0,
		Timeout:           time.Minute,
	}
	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		5000 * time.Millisecond,
		5000 * time.Millisecond,
	}
	for attempt, w := range want {
		got, err := p.Delay(attempt)
		if err != nil {
			t.Fatalf("delay(%d): %v", attempt, err)
		}
		if got != w {
			t.Fatalf("delay(%d) = %v, want %v", attempt, got, w)
		}
	}
}

func TestRetryPolicyNegativeAttempt(t *testing.T) {
	p := DefaultRetryPolicy()
	if _, err := p.Delay(-1); err == nil || !IsInvalidArgument(err) {
		t.Fatalf("expected invalid-argument error, got %v", err)
	}
}

func TestRetryPolicyLargeAttemptClampsToMax(t *testing.T) {
	p := DefaultRetryPolicy()
	got, err := p.Delay(1000)
	if err != nil {
		t.Fatalf("delay: %v", err)
	}
	if got != p.MaxDelay {
		t.Fatalf("expected clamp to %v, got %v", p.MaxDelay, got)
	}
}

func TestRetryPolicyPresetsValidate(t *testing.T) {
	for name, p := range map[string]RetryPolicy{
		"default":      DefaultRetryPolicy(),
		"aggressive":   AggressiveRetryPolicy(),
		"conservative": ConservativeRetryPolicy(),
	} {
		if err := p.Validate(); err != nil {
			t.Fatalf("%s preset invalid: %v", name, err)
		}
	}
}

func TestRetryPolicyValidateRejectsBadFields(t *testing.T) {
	cases := []RetryPolicy{
		{MaxRetries: -1, InitialDelay: time.Second, MaxDelay: time.Second, BackoffMultiplier: 2, Timeout: time.Second},
		{MaxRetries: 1, InitialDelay: 0, MaxDelay: time.Second, BackoffMultiplier: 2, Timeout: time.Second},
		{MaxRetries: 1, InitialDelay: 2 * time.Second, MaxDelay: time.Second, BackoffMultiplier: 2, Timeout: time.Second},
		{MaxRetries: 1, InitialDelay: time.Second, MaxDelay: time.Second, BackoffMultiplier: 0.5, Timeout: time.Second},
		{MaxRetries: 1, InitialDelay: time.Second, MaxDelay: time.Second, BackoffMultiplier: 2, Timeout: 0},
	}
	for i, p := range cases {
		if err := p.Validate(); err == nil || !IsInvalidConfig(err) {
			t.Fatalf("case %d: expected invalid-config error, got %v", i, err)
		}
	}
}
