package connectivity_test

import (
	"testing"
	"time"

	"github.com/hazyhaar/storysync/connectivity"
)

// fakeClock is an adjustable clock for driving breaker timeouts.
type fakeClock struct {
	t time.Time
}

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newBreaker(threshold int, reset time.Duration) (*connectivity.CircuitBreaker, *fakeClock) {
	clk := &fakeClock{t: time.UnixMilli(1700000000000)}
	cb := connectivity.NewCircuitBreaker(
		connectivity.WithBreakerThreshold(threshold),
		connectivity.WithBreakerResetTimeout(reset),
		connectivity.WithBreakerClock(clk.now),
	)
	return cb, clk
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	cb, _ := newBreaker(3, time.Minute)

	cb.RecordFailure()
	cb.RecordFailure()
	if !cb.Allow() {
		t.Fatal("breaker opened below threshold")
	}
	cb.RecordFailure()
	if cb.Allow() {
		t.Fatal("breaker still closed at threshold")
	}
	if cb.State() != connectivity.BreakerOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb, _ := newBreaker(3, time.Minute)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	if !cb.Allow() {
		t.Fatal("failures must not accumulate across a success")
	}
}

func TestBreakerHalfOpensAfterResetTimeout(t *testing.T) {
	cb, clk := newBreaker(1, time.Minute)

	cb.RecordFailure()
	if cb.Allow() {
		t.Fatal("breaker should be open")
	}

	clk.advance(59 * time.Second)
	if cb.Allow() {
		t.Fatal("breaker half-opened before the reset timeout")
	}

	clk.advance(2 * time.Second)
	if !cb.Allow() {
		t.Fatal("breaker must admit a probe after the reset timeout")
	}
	if cb.State() != connectivity.BreakerHalfOpen {
		t.Fatalf("state = %v, want half-open", cb.State())
	}
}

func TestHalfOpenClosesAfterEnoughSuccesses(t *testing.T) {
	cb, clk := newBreaker(1, time.Minute)

	cb.RecordFailure()
	clk.advance(2 * time.Minute)
	if cb.State() != connectivity.BreakerHalfOpen {
		t.Fatal("expected half-open")
	}

	cb.RecordSuccess()
	if cb.State() != connectivity.BreakerHalfOpen {
		t.Fatal("one success must not close the breaker yet")
	}
	cb.RecordSuccess()
	if cb.State() != connectivity.BreakerClosed {
		t.Fatalf("state = %v, want closed after two half-open successes", cb.State())
	}
}

func TestHalfOpenMaxOption(t *testing.T) {
	clk := &fakeClock{t: time.UnixMilli(1700000000000)}
	cb := connectivity.NewCircuitBreaker(
		connectivity.WithBreakerThreshold(1),
		connectivity.WithBreakerResetTimeout(time.Minute),
		connectivity.WithBreakerHalfOpenMax(1),
		connectivity.WithBreakerClock(clk.now),
	)

	cb.RecordFailure()
	clk.advance(2 * time.Minute)
	if cb.State() != connectivity.BreakerHalfOpen {
		t.Fatal("expected half-open")
	}

	cb.RecordSuccess()
	if cb.State() != connectivity.BreakerClosed {
		t.Fatalf("state = %v, want closed after a single success", cb.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb, clk := newBreaker(1, time.Minute)

	cb.RecordFailure()
	clk.advance(2 * time.Minute)
	if cb.State() != connectivity.BreakerHalfOpen {
		t.Fatal("expected half-open")
	}

	cb.RecordFailure()
	if cb.State() != connectivity.BreakerOpen {
		t.Fatalf("state = %v, want open after a half-open failure", cb.State())
	}
	if cb.Allow() {
		t.Fatal("calls must be rejected again")
	}
}

func TestResetForcesClosed(t *testing.T) {
	cb, _ := newBreaker(1, time.Hour)

	cb.RecordFailure()
	if cb.Allow() {
		t.Fatal("breaker should be open")
	}
	cb.Reset()
	if !cb.Allow() || cb.State() != connectivity.BreakerClosed {
		t.Fatal("reset must force the breaker closed")
	}
}
