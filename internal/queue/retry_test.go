package queue

import (
	"errors"
	"testing"
	"time"
)

func TestDefaultRetryPolicyDefaults(t *testing.T) {
	p := NewDefaultRetryPolicy()
	if p.CurrentTimeout() != 2500*time.Millisecond {
		t.Fatalf("default timeout: %v", p.CurrentTimeout())
	}
	if p.CurrentRetryCount() != 0 {
		t.Fatalf("default retry count: %d", p.CurrentRetryCount())
	}
	if p.BackoffMultiplier() != 1.0 {
		t.Fatalf("default multiplier: %v", p.BackoffMultiplier())
	}
}

func TestRetryBackoffSequence(t *testing.T) {
	// With multiplier m, the timeout sequence is t, t(1+m), t(1+m)^2, ...
	p := NewRetryPolicy(100*time.Millisecond, 3, 1.0)
	cause := errors.New("boom")

	want := []time.Duration{200, 400, 800}
	for i, w := range want {
		if err := p.Retry(cause); err != nil {
			t.Fatalf("retry %d should be allowed, got %v", i, err)
		}
		if p.CurrentTimeout() != w*time.Millisecond {
			t.Fatalf("after retry %d: timeout %v, want %vms", i, p.CurrentTimeout(), w)
		}
	}
	if p.CurrentRetryCount() != 3 {
		t.Fatalf("retry count: %d", p.CurrentRetryCount())
	}
}

func TestRetryExhaustionReturnsCause(t *testing.T) {
	p := NewRetryPolicy(100*time.Millisecond, 1, 1.0)
	cause := errors.New("boom")

	if err := p.Retry(cause); err != nil {
		t.Fatalf("first retry should pass, got %v", err)
	}
	if err := p.Retry(cause); !errors.Is(err, cause) {
		t.Fatalf("exhausted retry should return the cause, got %v", err)
	}
}

func TestRetryMutatesTimeoutBeforeExhaustionCheck(t *testing.T) {
	// The final, rejected retry still grows the timeout.
	p := NewRetryPolicy(100*time.Millisecond, 0, 1.0)
	if err := p.Retry(errors.New("boom")); err == nil {
		t.Fatal("zero-retry policy must reject the first retry")
	}
	if p.CurrentTimeout() != 200*time.Millisecond {
		t.Fatalf("timeout should be mutated even on rejection: %v", p.CurrentTimeout())
	}
}

func TestZeroMultiplierKeepsTimeout(t *testing.T) {
	p := NewRetryPolicy(250*time.Millisecond, 2, 0)
	p.Retry(errors.New("x"))
	if p.CurrentTimeout() != 250*time.Millisecond {
		t.Fatalf("timeout should not grow with zero multiplier: %v", p.CurrentTimeout())
	}
}
