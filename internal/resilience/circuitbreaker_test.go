package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lectern-ai/lectern/pkg/asr"
)

var errBoom = errors.New("boom")

func TestCircuitBreakerOpensAfterMaxFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test", MaxFailures: 3, ResetTimeout: time.Hour})

	for i := range 3 {
		if err := cb.Execute(func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("attempt %d: err = %v, want errBoom", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn was called while breaker open")
	}
}

func TestCircuitBreakerSuccessResetsCounter(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})

	cb.Execute(func() error { return errBoom })
	cb.Execute(func() error { return nil })
	cb.Execute(func() error { return errBoom })

	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed after interleaved success", cb.State())
	}
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: 10 * time.Millisecond, HalfOpenMax: 2})

	cb.Execute(func() error { return errBoom })
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	time.Sleep(20 * time.Millisecond)
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after reset timeout", cb.State())
	}

	// Two successful probes close the breaker.
	for range 2 {
		if err := cb.Execute(func() error { return nil }); err != nil {
			t.Fatalf("probe err = %v", err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed after probes", cb.State())
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: 10 * time.Millisecond})

	cb.Execute(func() error { return errBoom })
	time.Sleep(20 * time.Millisecond)

	cb.Execute(func() error { return errBoom })
	if cb.State() != StateOpen {
		t.Errorf("state = %v, want open after failed probe", cb.State())
	}
}

func TestRetryEventuallySucceeds(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond}
	calls := 0
	err := Retry(context.Background(), p, nil, func(context.Context) error {
		calls++
		if calls < 3 {
			return errBoom
		}
		return nil
	})
	if err != nil {
		t.Errorf("err = %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond}
	calls := 0
	err := Retry(context.Background(), p, nil, func(context.Context) error {
		calls++
		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Errorf("err = %v, want wrapped errBoom", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, InitialDelay: time.Millisecond}
	calls := 0
	err := Retry(context.Background(), p, asr.IsTransient, func(context.Context) error {
		calls++
		return asr.ErrPermanent
	})
	if !errors.Is(err, asr.ErrPermanent) {
		t.Errorf("err = %v, want ErrPermanent", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryObservesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := RetryPolicy{MaxAttempts: 3, InitialDelay: time.Hour}
	err := Retry(ctx, p, nil, func(context.Context) error { return errBoom })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestGuardedStreamingPermanentErrorsBypassBreaker(t *testing.T) {
	failing := streamFunc(func(context.Context, []byte, string) (asr.StreamResult, error) {
		return asr.StreamResult{}, asr.ErrPermanent
	})
	g := NewGuardedStreaming(failing, CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})

	for range 5 {
		if _, err := g.Transcribe(context.Background(), nil, ""); !errors.Is(err, asr.ErrPermanent) {
			t.Fatalf("err = %v, want ErrPermanent", err)
		}
	}
	if g.State() != StateClosed {
		t.Errorf("state = %v, want closed (permanent errors must not trip)", g.State())
	}
}

func TestGuardedStreamingTransientErrorsTripBreaker(t *testing.T) {
	failing := streamFunc(func(context.Context, []byte, string) (asr.StreamResult, error) {
		return asr.StreamResult{}, asr.ErrTransient
	})
	g := NewGuardedStreaming(failing, CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})

	g.Transcribe(context.Background(), nil, "")
	g.Transcribe(context.Background(), nil, "")

	if _, err := g.Transcribe(context.Background(), nil, ""); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
}

// streamFunc adapts a function to asr.Streaming for tests.
type streamFunc func(ctx context.Context, pcm []byte, hint string) (asr.StreamResult, error)

func (f streamFunc) Transcribe(ctx context.Context, pcm []byte, hint string) (asr.StreamResult, error) {
	return f(ctx, pcm, hint)
}
