package infra

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func testBreaker(timeout time.Duration) *CircuitBreaker {
	return NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          timeout,
	}, zap.NewNop())
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	cb := testBreaker(time.Minute)

	if !cb.Allow() {
		t.Fatal("closed breaker must allow")
	}
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("state = %v, want OPEN", cb.GetState())
	}
	if cb.Allow() {
		t.Fatal("open breaker must reject")
	}
}

func TestCircuitBreakerRecovery(t *testing.T) {
	cb := testBreaker(10 * time.Millisecond)

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	time.Sleep(20 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("breaker should probe after the cooldown")
	}
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("state = %v, want HALF_OPEN", cb.GetState())
	}

	cb.RecordSuccess()
	cb.RecordSuccess()
	if cb.GetState() != StateClosed {
		t.Fatalf("state = %v, want CLOSED after recovery", cb.GetState())
	}
}

func TestCircuitBreakerProbeFailureReopens(t *testing.T) {
	cb := testBreaker(10 * time.Millisecond)

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	time.Sleep(20 * time.Millisecond)
	cb.Allow() // transitions to half-open

	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Fatalf("state = %v, want OPEN after failed probe", cb.GetState())
	}
}

func TestCircuitBreakerReset(t *testing.T) {
	cb := testBreaker(time.Minute)
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	cb.Reset()
	if cb.GetState() != StateClosed {
		t.Fatalf("state = %v, want CLOSED after reset", cb.GetState())
	}
	if !cb.Allow() {
		t.Fatal("reset breaker must allow")
	}
}

func TestCircuitBreakerStateString(t *testing.T) {
	cases := map[State]string{
		StateClosed:   "CLOSED",
		StateOpen:     "OPEN",
		StateHalfOpen: "HALF_OPEN",
		State(99):     "UNKNOWN",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
