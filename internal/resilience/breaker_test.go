package resilience_test

import (
	"errors"
	"testing"
	"time"

	"github.com/arbiterhq/arbiter/internal/resilience"
)

func TestBreakerOpensAfterMaxFailures(t *testing.T) {
	b := resilience.NewBreaker(3, time.Hour)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		if b.State() != resilience.StateClosed {
			t.Fatalf("state = %s before failure %d, want closed", b.State(), i)
		}
		if err := b.Execute(func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("execute %d: %v", i, err)
		}
	}

	if b.State() != resilience.StateOpen {
		t.Fatalf("state = %s after max failures, want open", b.State())
	}
	if err := b.Execute(func() error { return nil }); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	b := resilience.NewBreaker(2, time.Hour)
	boom := errors.New("boom")

	_ = b.Execute(func() error { return boom })
	_ = b.Execute(func() error { return nil })
	_ = b.Execute(func() error { return boom })

	if b.State() != resilience.StateClosed {
		t.Fatalf("state = %s, want closed: success must reset the count", b.State())
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := resilience.NewBreaker(1, time.Millisecond)
	boom := errors.New("boom")

	_ = b.Execute(func() error { return boom })
	if b.State() != resilience.StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}

	time.Sleep(5 * time.Millisecond)

	// The first probe after the timeout goes through; success closes.
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != resilience.StateClosed {
		t.Fatalf("state = %s after probe success, want closed", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := resilience.NewBreaker(1, time.Millisecond)
	boom := errors.New("boom")

	_ = b.Execute(func() error { return boom })
	time.Sleep(5 * time.Millisecond)

	if err := b.Execute(func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != resilience.StateOpen {
		t.Fatalf("state = %s after probe failure, want open", b.State())
	}
}
