package resilience

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

var errBackendDown = errors.New("backend down")

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testBreaker(maxFailures int, reset time.Duration, probes int) *CircuitBreaker {
	return NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "deepgram",
		MaxFailures:  maxFailures,
		ResetTimeout: reset,
		HalfOpenMax:  probes,
		Logger:       quietLogger(),
	})
}

// fail runs n failing calls through the breaker.
func fail(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		_ = cb.Execute(func() error { return errBackendDown })
	}
}

func TestBreakerDefaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "deepgram", Logger: quietLogger()})
	if cb.maxFailures != 5 || cb.resetTimeout != 30*time.Second || cb.halfOpenMax != 3 {
		t.Errorf("defaults = %d/%s/%d, want 5/30s/3",
			cb.maxFailures, cb.resetTimeout, cb.halfOpenMax)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %s, want closed", cb.State())
	}
}

func TestBreakerClosedForwardsCalls(t *testing.T) {
	cb := testBreaker(3, time.Hour, 2)
	calls := 0
	if err := cb.Execute(func() error { calls++; return nil }); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := testBreaker(3, time.Hour, 2)
	fail(cb, 3)
	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}

	calls := 0
	err := cb.Execute(func() error { calls++; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if calls != 0 {
		t.Fatal("open breaker must not forward the call")
	}
}

func TestBreakerSuccessClearsFailureStreak(t *testing.T) {
	cb := testBreaker(3, time.Hour, 2)
	fail(cb, 2)
	_ = cb.Execute(func() error { return nil })
	fail(cb, 2)
	if cb.State() != StateClosed {
		t.Fatalf("state = %s, want closed: the streak restarted after a success", cb.State())
	}
}

func TestBreakerHalfOpenAfterResetTimeout(t *testing.T) {
	cb := testBreaker(2, 10*time.Millisecond, 2)
	fail(cb, 2)
	if cb.State() != StateOpen {
		t.Fatal("breaker should be open")
	}

	time.Sleep(15 * time.Millisecond)
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %s, want half-open after the reset timeout", cb.State())
	}
}

func TestBreakerClosesAfterSuccessfulProbes(t *testing.T) {
	cb := testBreaker(2, 10*time.Millisecond, 2)
	fail(cb, 2)
	time.Sleep(15 * time.Millisecond)

	for i := 0; i < 2; i++ {
		if err := cb.Execute(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %s, want closed after 2 good probes", cb.State())
	}
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	cb := testBreaker(2, 10*time.Millisecond, 3)
	fail(cb, 2)
	time.Sleep(15 * time.Millisecond)

	if err := cb.Execute(func() error { return errBackendDown }); err == nil {
		t.Fatal("failing probe should surface its error")
	}

	cb.mu.Lock()
	s := cb.state
	cb.mu.Unlock()
	if s != StateOpen {
		t.Fatalf("state = %s, want open again after a failed probe", s)
	}
}

func TestBreakerManualReset(t *testing.T) {
	cb := testBreaker(2, time.Hour, 2)
	fail(cb, 2)
	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %s, want closed after Reset", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("Execute after reset: %v", err)
	}
}

func TestBreakerStateNames(t *testing.T) {
	for s, want := range map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(99):     "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
